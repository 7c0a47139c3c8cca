package model

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
)

const component = "model"

// Engine owns the loaded classifier. One Engine is built at start-up and
// shared by every caller; the graph is loaded on first use and then only read.
type Engine struct {
	source  ArtifactSource
	runtime Runtime
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	graph Graph
	meta  Metadata

	live atomic.Int64
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(source ArtifactSource, runtime Runtime, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		runtime: runtime,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named(component)
	return e
}

// LoadModel fetches and deserializes the model once. Later calls return
// immediately. A failed load leaves the engine unloaded so callers may retry.
func (e *Engine) LoadModel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graph != nil {
		return nil
	}

	start := time.Now()
	artifact, err := e.source.Fetch(ctx)
	if err != nil {
		return e.loadError(err, "fetch")
	}

	meta := artifact.Metadata.withDefaults()
	if err := meta.validate(); err != nil {
		return e.loadError(err, "metadata")
	}

	graph, err := e.runtime.Load(artifact.Graph, meta)
	if err != nil {
		return e.loadError(err, "deserialize")
	}

	e.graph = graph
	e.meta = meta
	e.log.Info("model loaded",
		zap.Stringer("source", e.source),
		zap.String("version", meta.Version),
		zap.Int("image_size", meta.ImageSize),
		zap.String("layout", string(meta.Layout)),
		zap.Strings("classes", meta.Classes),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (e *Engine) loadError(err error, stage string) error {
	e.log.Error("model load failed", zap.String("stage", stage), zap.Error(err))
	return errors.New(fmt.Errorf("load model from %s: %w", e.source, err)).
		Component(component).
		Category(errors.CategoryModelLoad).
		Context("stage", stage).
		Build()
}

// Loaded reports whether the graph is in memory.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph != nil
}

// Metadata returns the contract of the loaded model, loading it if needed.
func (e *Engine) Metadata(ctx context.Context) (Metadata, error) {
	if err := e.LoadModel(ctx); err != nil {
		return Metadata{}, err
	}
	_, meta := e.current()
	return meta, nil
}

func (e *Engine) current() (Graph, Metadata) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph, e.meta
}

// Predict classifies a decoded image of any size.
func (e *Engine) Predict(ctx context.Context, img image.Image) (PredictionResult, error) {
	if err := e.LoadModel(ctx); err != nil {
		return PredictionResult{}, err
	}
	if img == nil || img.Bounds().Empty() {
		return PredictionResult{}, e.inferenceError(fmt.Errorf("empty image"), "preprocess")
	}

	graph, meta := e.current()
	start := time.Now()
	input := Preprocess(img, meta)
	result, err := e.forward(ctx, graph, meta, input)
	e.observe(result, err, time.Since(start))
	return result, err
}

// PredictRaw classifies an already preprocessed tensor.
func (e *Engine) PredictRaw(ctx context.Context, input []float32) (PredictionResult, error) {
	if err := e.LoadModel(ctx); err != nil {
		return PredictionResult{}, err
	}

	graph, meta := e.current()
	if len(input) != meta.InputLen() {
		return PredictionResult{}, errors.Newf("expected %d values, got %d", meta.InputLen(), len(input)).
			Component(component).
			Category(errors.CategoryValidation).
			Build()
	}

	start := time.Now()
	result, err := e.forward(ctx, graph, meta, input)
	e.observe(result, err, time.Since(start))
	return result, err
}

// forward runs one pass. Every buffer it allocates is released before it
// returns, on every path.
func (e *Engine) forward(ctx context.Context, graph Graph, meta Metadata, input []float32) (result PredictionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = e.inferenceError(fmt.Errorf("runtime panic: %v", r), "run")
		}
	}()

	if err := ctx.Err(); err != nil {
		return PredictionResult{}, e.inferenceError(err, "run")
	}

	in, err := e.track(graph.NewInput(meta.InputShape, input))
	if err != nil {
		return PredictionResult{}, e.inferenceError(err, "allocate")
	}
	defer e.release(in)

	out, err := e.track(graph.NewOutput(meta.OutputShape))
	if err != nil {
		return PredictionResult{}, e.inferenceError(err, "allocate")
	}
	defer e.release(out)

	if err := graph.Run(in.Buffer, out.Buffer); err != nil {
		return PredictionResult{}, e.inferenceError(err, "run")
	}

	scores := append([]float32(nil), out.Data()...)
	if len(scores) != len(meta.Classes) {
		return PredictionResult{}, e.inferenceError(
			fmt.Errorf("output has %d values, model has %d classes", len(scores), len(meta.Classes)), "decode")
	}
	if meta.OutputActivation == ActivationLogits {
		scores = Softmax(scores)
	}

	idx := ArgMax(scores)
	if idx < 0 {
		return PredictionResult{}, e.inferenceError(fmt.Errorf("output has no finite score"), "decode")
	}
	return newResult(meta.Classes, scores, idx), nil
}

func newResult(classes []string, scores []float32, idx int) PredictionResult {
	label := classes[idx]
	all := make(map[string]float64, len(classes))
	for i, c := range classes {
		all[c] = clampUnit(float64(scores[i]))
	}
	return PredictionResult{
		DiseaseLabel:   label,
		Confidence:     clampUnit(float64(scores[idx])),
		TreatmentText:  Treatment(label),
		PreventionText: Prevention(label),
		Scores:         all,
	}
}

func (e *Engine) inferenceError(err error, stage string) error {
	return errors.New(fmt.Errorf("inference: %w", err)).
		Component(component).
		Category(errors.CategoryInference).
		Context("stage", stage).
		Build()
}

func (e *Engine) observe(result PredictionResult, err error, took time.Duration) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.PredictionTotal.WithLabelValues("", "error").Inc()
		return
	}
	e.metrics.InferenceDuration.Observe(took.Seconds())
	e.metrics.PredictionTotal.WithLabelValues(result.DiseaseLabel, "ok").Inc()
}

type trackedBuffer struct {
	Buffer
}

func (e *Engine) track(b Buffer, err error) (*trackedBuffer, error) {
	if err != nil {
		return nil, err
	}
	e.setLive(e.live.Add(1))
	return &trackedBuffer{Buffer: b}, nil
}

func (e *Engine) release(b *trackedBuffer) {
	if err := b.Release(); err != nil {
		e.log.Warn("failed to release tensor", zap.Error(err))
	}
	e.setLive(e.live.Add(-1))
}

func (e *Engine) setLive(n int64) {
	if e.metrics != nil {
		e.metrics.LiveBuffers.Set(float64(n))
	}
}

// LiveBuffers is the number of per-call buffers currently allocated.
func (e *Engine) LiveBuffers() int64 {
	return e.live.Load()
}

// Close releases the loaded graph.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return nil
	}
	err := e.graph.Close()
	e.graph = nil
	return err
}
