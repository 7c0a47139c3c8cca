package report

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
)

func exportError(err error, stage string) error {
	return errors.New(err).
		Component("report").
		Category(errors.CategoryExport).
		Context("stage", stage).
		Build()
}

// Exporter runs the three export phases in order: summary and layout wait
// for the image prefetch to settle, then the document is rendered.
type Exporter struct {
	fetcher *Fetcher
	fontDir string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewExporter(fetcher *Fetcher, fontDir string, log *zap.Logger, m *metrics.Metrics) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("report")
	if fontDir != "" && !UTF8FontsAvailable(fontDir) {
		log.Warn("report fonts not found, falling back to Helvetica", zap.String("dir", fontDir))
	}
	return &Exporter{fetcher: fetcher, fontDir: fontDir, log: log, metrics: m}
}

// Labels returns the labels the exporter can render for acceptLanguage.
// Vietnamese needs the UTF-8 fonts.
func (e *Exporter) Labels(acceptLanguage string) Labels {
	labels := LabelsFor(acceptLanguage)
	if labels.Lang != English.Lang && !UTF8FontsAvailable(e.fontDir) {
		return English
	}
	return labels
}

// Export writes the report for rows to w.
func (e *Exporter) Export(ctx context.Context, meta Meta, labels Labels, rows []Row, w io.Writer) (RenderStats, error) {
	start := time.Now()
	if meta.ExportedAt.IsZero() {
		meta.ExportedAt = start
	}

	thumbs := e.fetcher.Prefetch(ctx, rows)
	if err := ctx.Err(); err != nil {
		e.observe("canceled")
		return RenderStats{}, exportError(err, "prefetch")
	}

	doc := Build(meta, labels, rows, thumbs)
	stats, err := Render(doc, e.fontDir, w)
	if e.metrics != nil && stats.DrawFailures > 0 {
		e.metrics.ExportImageFailures.WithLabelValues("draw").Add(float64(stats.DrawFailures))
	}
	if err != nil {
		e.observe("error")
		e.log.Error("report export failed", zap.Error(err), zap.Int("rows", len(rows)))
		return stats, err
	}

	e.observe("success")
	e.log.Info("report exported",
		zap.Int("rows", len(rows)),
		zap.Int("pages", stats.Pages),
		zap.Int("images", stats.ImagesDrawn),
		zap.Int("draw_failures", stats.DrawFailures),
		zap.Duration("took", time.Since(start)))
	return stats, nil
}

func (e *Exporter) observe(status string) {
	if e.metrics != nil {
		e.metrics.ExportTotal.WithLabelValues(status).Inc()
	}
}
