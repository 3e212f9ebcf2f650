package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"areawatch/internal/auth"
	"areawatch/internal/metrics"
	"areawatch/internal/pipeline"
	"areawatch/internal/store"
	"areawatch/internal/stream"
	"areawatch/internal/ws"
)

type serverConfig struct {
	Logger        *log.Logger
	Worker        *pipeline.Worker
	Store         *store.Store
	Authenticator *auth.Authenticator
	Hub           *ws.Hub
	Streamer      *stream.Streamer
	Metrics       *metrics.Metrics
}

type server struct {
	logger *log.Logger
	worker *pipeline.Worker
	store  *store.Store
	authr  *auth.Authenticator
	mux    *http.ServeMux
}

func newServer(cfg serverConfig) *server {
	s := &server{
		logger: cfg.Logger,
		worker: cfg.Worker,
		store:  cfg.Store,
		authr:  cfg.Authenticator,
		mux:    http.NewServeMux(),
	}

	protected := cfg.Authenticator.RequireAuth

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/params", s.handleGetParams)
	s.mux.Handle("PATCH /api/params", protected(http.HandlerFunc(s.handlePatchParams)))
	s.mux.Handle("POST /api/session/start", protected(http.HandlerFunc(s.handleSessionStart)))
	s.mux.Handle("POST /api/session/stop", protected(http.HandlerFunc(s.handleSessionStop)))
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/episodes", s.handleEpisodes)
	s.mux.HandleFunc("GET /api/trend", s.handleTrend)
	s.mux.Handle("GET /ws", ws.NewHandler(cfg.Logger, cfg.Hub))
	s.mux.Handle("GET /stream.mjpeg", cfg.Streamer)
	s.mux.Handle("GET /snapshot.jpg", stream.NewSnapshotHandler(cfg.Streamer))
	s.mux.Handle("GET /metrics", cfg.Metrics.Handler())
	s.mux.HandleFunc("GET /debug/trend", s.handleDebugTrend)

	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.worker.Running(),
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.authr.Authenticate(req.Username, req.Password)
	if err == auth.ErrAuthDisabled {
		s.writeError(w, http.StatusConflict, "authentication is disabled")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.worker.Params())
}

func (s *server) handlePatchParams(w http.ResponseWriter, r *http.Request) {
	var patch pipeline.ParameterPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.worker.UpdateParams(&patch)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.store.SaveParams(updated); err != nil {
		s.logger.Printf("[HTTP] Failed to persist parameters: %v", err)
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	if err := s.worker.Start(req.Source); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Printf("[HTTP] Session started on %s", req.Source)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.worker.Stop()
	s.logger.Printf("[HTTP] Session stopped")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.worker.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":          s.worker.Running(),
		"state":            stats.State.String(),
		"frames_processed": stats.FramesProcessed,
		"frames_dropped":   stats.FramesDropped,
		"detect_errors":    stats.DetectErrors,
		"read_errors":      stats.ReadErrors,
		"episodes":         stats.Episodes,
		"avg_inference_ms": stats.AvgInferenceMs,
		"last_frame_time":  stats.LastFrameTime,
	})
}

func (s *server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	var since *time.Time
	if sv := r.URL.Query().Get("since"); sv != "" {
		t, err := time.Parse(time.RFC3339, sv)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &t
	}

	episodes, err := s.store.ListEpisodes(since, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if episodes == nil {
		episodes = []*store.EpisodeRecord{}
	}
	s.writeJSON(w, http.StatusOK, episodes)
}

func (s *server) handleTrend(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.worker.History())
}

// handleHTTPServer starts the monitor server and wires graceful
// shutdown into the main context/waitgroup.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			logger.Printf("HTTP server listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %s", addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
