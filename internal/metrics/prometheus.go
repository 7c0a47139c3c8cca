package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	PredictionTotal       *prometheus.CounterVec
	InferenceDuration     prometheus.Histogram
	LiveBuffers           prometheus.Gauge
	NormalizationFallback *prometheus.CounterVec
	ExportTotal           *prometheus.CounterVec
	ExportImageFailures   *prometheus.CounterVec
	CaptureTotal          *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PredictionTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leafdoc_predictions_total",
				Help: "Predictions by label and status",
			},
			[]string{"label", "status"},
		),
		InferenceDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leafdoc_inference_duration_seconds",
				Help:    "Preprocess plus forward pass duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		LiveBuffers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leafdoc_inference_live_buffers",
				Help: "Runtime tensors currently allocated outside the loaded model",
			},
		),
		NormalizationFallback: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leafdoc_normalization_fallbacks_total",
				Help: "Stored record fields that fell back to a default",
			},
			[]string{"field"},
		),
		ExportTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leafdoc_exports_total",
				Help: "Report exports by status",
			},
			[]string{"status"},
		),
		ExportImageFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leafdoc_export_image_failures_total",
				Help: "Per-record image failures during export",
			},
			[]string{"stage"},
		),
		CaptureTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leafdoc_device_captures_total",
				Help: "Camera device frames by status",
			},
			[]string{"status"},
		),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
