package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"areawatch/internal/alert"
	"areawatch/internal/auth"
	"areawatch/internal/detection"
	"areawatch/internal/metrics"
	"areawatch/internal/pipeline"
	"areawatch/internal/recorder"
	"areawatch/internal/source"
	"areawatch/internal/store"
	"areawatch/internal/stream"
	"areawatch/internal/trend"
	"areawatch/internal/ws"
)

func main() {
	var (
		sourceF      = flag.String("source", "", "Video source: file path, /dev/videoN device or rtsp:// URL")
		detectorF    = flag.String("detector-url", "http://localhost:5000", "Detection sidecar base URL")
		httpAddrF    = flag.String("http-addr", ":8080", "Monitor HTTP listen address")
		dbF          = flag.String("db", "areawatch.db", "SQLite database path")
		reportDirF   = flag.String("report-dir", "reports", "Directory for NG report PDFs")
		recordDirF   = flag.String("record-dir", "recordings", "Directory for session recordings")
		soundF       = flag.String("sound", "/usr/share/sounds/freedesktop/stereo/alarm-clock-elapsed.oga", "Alert sound file")
		overlayF     = flag.Bool("overlay", true, "Stamp status banner on the live view")
		autostartF   = flag.Bool("autostart", false, "Start monitoring the -source immediately")
		authF        = flag.Bool("auth", false, "Require a token for mutating endpoints")
		authUserF    = flag.String("auth-user", "operator", "Operator username")
		authPassF    = flag.String("auth-password", "", "Bootstrap operator password (first run only)")
		maxRuntimeF  = flag.Duration("max-runtime", 0, "Auto-stop the session after this duration (0 disables)")
		maxNoDetectF = flag.Duration("max-no-detect", 0, "Auto-stop after this long without any detection (0 disables)")
	)
	flag.Parse()

	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[areawatch] ", log.Ltime)
	}

	db, err := store.New(*dbF)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	// Start from the operator's last saved parameters.
	params := pipeline.DefaultParameters()
	if saved, ok, err := db.LoadParams(); err != nil {
		logger.Printf("Ignoring saved parameters: %v", err)
	} else if ok {
		params = saved
	}

	detector := detection.NewHTTPDetector(detection.Config{
		Endpoint:    *detectorF,
		DrawBoxes:   true,
		ClassFilter: params.ClassFilter,
	})
	defer detector.Close()

	frameSource := source.NewFFmpegSource(logger, int(params.TargetFPS))

	engine := trend.NewProcessor(trend.Config{
		Window:      params.SMAWindow,
		NGThreshold: params.NGThreshold,
		Comparison:  params.Comparison,
	})

	sounder := alert.NewCommandSounder(logger, *soundF)

	var sinkSounder pipeline.Sounder
	if sounder != nil {
		sinkSounder = sounder
	}
	coordinator, err := alert.NewCoordinator(alert.CoordinatorConfig{
		Logger:    logger,
		ReportDir: *reportDirF,
		Writer:    alert.NewPDFReport(),
		Sounder:   sinkSounder,
		Store:     db,
	})
	if err != nil {
		logger.Fatalf("Failed to create alert coordinator: %v", err)
	}

	rec, err := recorder.NewFFmpegRecorder(logger, *recordDirF)
	if err != nil {
		logger.Fatalf("Failed to create recorder: %v", err)
	}

	worker, err := pipeline.NewWorker(pipeline.WorkerConfig{
		Logger:      logger,
		Source:      frameSource,
		Detector:    detector,
		Engine:      engine,
		Extractor:   trend.SumArea,
		Sinks:       []pipeline.AlertSink{coordinator},
		Recorder:    rec,
		Params:      params,
		MaxRuntime:  *maxRuntimeF,
		MaxNoDetect: *maxNoDetectF,
	})
	if err != nil {
		logger.Fatalf("Failed to create worker: %v", err)
	}

	authenticator := auth.NewAuthenticator(*authF, db)
	if *authF {
		password := *authPassF
		if password == "" {
			password = os.Getenv("AREAWATCH_PASSWORD")
		}
		if password == "" {
			logger.Fatalf("Auth enabled but no bootstrap password (-auth-password or AREAWATCH_PASSWORD)")
		}
		if err := authenticator.Bootstrap(*authUserF, password); err != nil {
			logger.Fatalf("Failed to bootstrap operator account: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	hub := ws.NewHub(logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.Feed(ctx, worker.Bus(), hub, func() float64 {
			return worker.Params().NGThreshold
		})
	}()

	streamer := stream.NewStreamer(logger, *overlayF)
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamer.Run(ctx, worker.Bus())
	}()

	m := metrics.New()
	wg.Add(1)
	go func() {
		defer wg.Done()
		feedMetrics(ctx, worker, hub, streamer, m)
	}()

	srv := newServer(serverConfig{
		Logger:        logger,
		Worker:        worker,
		Store:         db,
		Authenticator: authenticator,
		Hub:           hub,
		Streamer:      streamer,
		Metrics:       m,
	})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	handleHTTPServer(ctx, *httpAddrF, srv, &wg, errc, logger)

	if *autostartF {
		if *sourceF == "" {
			logger.Fatalf("-autostart requires -source")
		}
		if err := worker.Start(*sourceF); err != nil {
			logger.Fatalf("Failed to start session: %v", err)
		}
	}

	logger.Printf("exiting (%v)", <-errc)

	cancel()
	worker.Stop()
	if !coordinator.WaitTimeout(15 * time.Second) {
		logger.Printf("Timed out waiting for report generation")
	}
	if err := db.SaveParams(worker.Params()); err != nil {
		logger.Printf("Failed to save parameters: %v", err)
	}

	wg.Wait()
	logger.Println("exited")
}

// feedMetrics mirrors bus traffic and worker stats into the Prometheus
// gauges.
func feedMetrics(ctx context.Context, worker *pipeline.Worker, hub *ws.Hub, streamer *stream.Streamer, m *metrics.Metrics) {
	ch, unsub := worker.Bus().SubscribeTrend(64)
	defer unsub()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			m.SmoothedArea.Store(uint64(update.Sample.Smoothed))
			if update.State == pipeline.StateNG {
				m.NGActive.Store(1)
			} else {
				m.NGActive.Store(0)
			}
		case <-ticker.C:
			stats := worker.Stats()
			m.FramesProcessed.Store(stats.FramesProcessed)
			m.FramesDropped.Store(stats.FramesDropped)
			m.DetectErrors.Store(stats.DetectErrors)
			m.ReadErrors.Store(stats.ReadErrors)
			m.NGEpisodes.Store(stats.Episodes)
			m.InferenceMs.Store(uint64(stats.AvgInferenceMs))
			m.StreamClients.Store(uint64(streamer.ClientCount()))
			m.WSClients.Store(uint64(hub.ClientCount()))
		}
	}
}
