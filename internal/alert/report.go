package alert

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"areawatch/internal/pipeline"
)

// Snapshots wider than this are downscaled before embedding so the PDF
// stays small enough to mail around.
const maxSnapshotWidth = 960

// PDFReport writes NG episode reports as paginated PDF documents: a
// summary page with parameters and series statistics, the trend plot,
// and the session-start and transition snapshots.
type PDFReport struct{}

var _ pipeline.ReportWriter = (*PDFReport)(nil)

func NewPDFReport() *PDFReport {
	return &PDFReport{}
}

// Write renders rctx into a PDF at destPath.
func (r *PDFReport) Write(rctx *pipeline.ReportContext, destPath string) error {
	if rctx == nil {
		return fmt.Errorf("nil report context")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("NG Report "+rctx.EpisodeID.String(), false)

	r.summaryPage(pdf, rctx)

	if plotBuf, err := renderTrendPlot(rctx.History, rctx.Params); err == nil {
		pdf.AddPage()
		heading(pdf, "Area Trend")
		pdf.RegisterImageOptionsReader("trend", fpdf.ImageOptions{ImageType: "PNG"}, plotBuf)
		pdf.ImageOptions("trend", 10, 30, 190, 0, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	}

	r.snapshotPage(pdf, "Session Start Snapshot", "snap-start", rctx.StartSnapshot)
	r.snapshotPage(pdf, "NG Transition Snapshot", "snap-ng", rctx.NGSnapshot)

	if err := pdf.OutputFileAndClose(destPath); err != nil {
		return fmt.Errorf("write report %s: %w", destPath, err)
	}
	return nil
}

func (r *PDFReport) summaryPage(pdf *fpdf.Fpdf, rctx *pipeline.ReportContext) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 12, "NG Detection Report")
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 10)
	row := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(55, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}

	row("Episode", rctx.EpisodeID.String())
	row("Triggered", rctx.TriggeredAt.Format(time.RFC3339))
	row("Samples", fmt.Sprintf("%d", len(rctx.History)))

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Parameters")
	pdf.Ln(10)

	p := rctx.Params
	row("Confidence threshold", fmt.Sprintf("%.2f", p.ConfidenceThreshold))
	row("SMA window", fmt.Sprintf("%d", p.SMAWindow))
	row("NG threshold", fmt.Sprintf("%.0f px²", p.NGThreshold))
	row("Comparison", string(p.Comparison))
	row("Target FPS", fmt.Sprintf("%.1f", p.TargetFPS))
	if len(p.ClassFilter) > 0 {
		row("Class filter", fmt.Sprintf("%v", p.ClassFilter))
	}

	if len(rctx.History) > 0 {
		smoothed := make([]float64, len(rctx.History))
		peak := rctx.History[0].Smoothed
		for i, s := range rctx.History {
			smoothed[i] = s.Smoothed
			if s.Smoothed > peak {
				peak = s.Smoothed
			}
		}
		mean, std := stat.MeanStdDev(smoothed, nil)

		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 8, "Series Statistics (smoothed)")
		pdf.Ln(10)
		row("Mean", fmt.Sprintf("%.1f px²", mean))
		row("Std deviation", fmt.Sprintf("%.1f px²", std))
		row("Peak", fmt.Sprintf("%.1f px²", peak))
		row("Final", fmt.Sprintf("%.1f px²", smoothed[len(smoothed)-1]))
	}
}

func (r *PDFReport) snapshotPage(pdf *fpdf.Fpdf, title, imgName string, frame *pipeline.Frame) {
	if frame == nil || len(frame.Data) == 0 {
		return
	}
	data, err := scaleJPEG(frame.Data, maxSnapshotWidth)
	if err != nil {
		return
	}

	pdf.AddPage()
	heading(pdf, title)
	pdf.SetFont("Helvetica", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Frame %d, captured %s", frame.Seq, frame.Timestamp.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.RegisterImageOptionsReader(imgName, fpdf.ImageOptions{ImageType: "JPEG"}, bytes.NewReader(data))
	pdf.ImageOptions(imgName, 10, 35, 190, 0, false, fpdf.ImageOptions{ImageType: "JPEG"}, 0, "")
}

func heading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, text)
	pdf.Ln(12)
}

// scaleJPEG re-encodes a JPEG no wider than maxWidth, preserving the
// aspect ratio. Frames already within bounds pass through untouched.
func scaleJPEG(data []byte, maxWidth int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() <= maxWidth {
		return data, nil
	}

	h := bounds.Dy() * maxWidth / bounds.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
