package model

import (
	"context"
	stderrors "errors"
	"image"
	"image/color"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

type fakeBuffer struct {
	graph *fakeGraph
	data  []float32
}

func (b *fakeBuffer) Data() []float32 { return b.data }

func (b *fakeBuffer) Release() error {
	b.graph.mu.Lock()
	defer b.graph.mu.Unlock()
	b.graph.released++
	return nil
}

type fakeGraph struct {
	mu         sync.Mutex
	scores     []float32
	runErr     error
	panicOnRun bool
	allocated  int
	released   int
	lastInput  []float32
	outputLen  int
	closed     bool
}

func (g *fakeGraph) NewInput(shape []int64, data []float32) (Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocated++
	return &fakeBuffer{graph: g, data: data}, nil
}

func (g *fakeGraph) NewOutput(shape []int64) (Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocated++
	n := int(product(shape))
	if g.outputLen > 0 {
		n = g.outputLen
	}
	return &fakeBuffer{graph: g, data: make([]float32, n)}, nil
}

func (g *fakeGraph) Run(input, output Buffer) error {
	if g.panicOnRun {
		panic("shape mismatch")
	}
	if g.runErr != nil {
		return g.runErr
	}
	g.mu.Lock()
	g.lastInput = input.Data()
	g.mu.Unlock()
	copy(output.Data(), g.scores)
	return nil
}

func (g *fakeGraph) Close() error {
	g.closed = true
	return nil
}

func (g *fakeGraph) live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allocated - g.released
}

type fakeRuntime struct {
	graph   *fakeGraph
	loadErr error
	loads   int
}

func (r *fakeRuntime) Load(graph []byte, meta Metadata) (Graph, error) {
	r.loads++
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.graph, nil
}

type fakeSource struct {
	artifact Artifact
	errs     []error
	fetches  int
}

func (s *fakeSource) String() string { return "fake" }

func (s *fakeSource) Fetch(context.Context) (Artifact, error) {
	s.fetches++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Artifact{}, err
	}
	return s.artifact, nil
}

func newTestEngine(scores ...float32) (*Engine, *fakeGraph, *fakeSource) {
	graph := &fakeGraph{scores: scores}
	source := &fakeSource{artifact: Artifact{Graph: []byte("graph")}}
	return NewEngine(source, &fakeRuntime{graph: graph}), graph, source
}

func leafImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 160, B: 60, A: 255})
		}
	}
	return img
}

func TestLoadModelFetchesOnce(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://models.example.com/leaf/v3/model_metadata.json",
		httpmock.NewStringResponder(http.StatusOK, `{"version":"v3"}`))
	mock.RegisterResponder(http.MethodGet, "https://models.example.com/leaf/v3/model.onnx",
		httpmock.NewBytesResponder(http.StatusOK, []byte("onnx-bytes")))

	runtime := &fakeRuntime{graph: &fakeGraph{}}
	source := &HTTPSource{BaseURL: "https://models.example.com/leaf/v3/", Client: &http.Client{Transport: mock}}
	engine := NewEngine(source, runtime)

	require.NoError(t, engine.LoadModel(context.Background()))
	require.NoError(t, engine.LoadModel(context.Background()))

	counts := mock.GetCallCountInfo()
	assert.Equal(t, 1, counts["GET https://models.example.com/leaf/v3/model.onnx"])
	assert.Equal(t, 1, counts["GET https://models.example.com/leaf/v3/model_metadata.json"])
	assert.Equal(t, 1, runtime.loads)
	assert.True(t, engine.Loaded())
}

func TestLoadModelConcurrentCallersShareOneLoad(t *testing.T) {
	engine, _, source := newTestEngine(1, 0, 0, 0, 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.LoadModel(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, source.fetches)
}

func TestLoadModelFailurePropagatesAndRetries(t *testing.T) {
	engine, _, source := newTestEngine(0, 0, 0, 0, 0, 1)
	source.errs = []error{stderrors.New("connection refused")}

	err := engine.LoadModel(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
	assert.False(t, engine.Loaded())

	require.NoError(t, engine.LoadModel(context.Background()))
	assert.Equal(t, 2, source.fetches)
}

func TestLoadModelRejectsMalformedArtifact(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		rt   *fakeRuntime
	}{
		{"foreign classes", Metadata{Classes: []string{"cat", "dog"}}, &fakeRuntime{graph: &fakeGraph{}}},
		{"shape mismatch", Metadata{InputShape: []int64{1, 224, 224, 3}}, &fakeRuntime{graph: &fakeGraph{}}},
		{"bad layout", Metadata{Layout: "HWCN"}, &fakeRuntime{graph: &fakeGraph{}}},
		{"runtime rejects graph", Metadata{}, &fakeRuntime{loadErr: stderrors.New("protobuf parsing failed")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{artifact: Artifact{Graph: []byte("x"), Metadata: tt.meta}}
			err := NewEngine(source, tt.rt).LoadModel(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
		})
	}
}

func TestPredictLoadsOnFirstUse(t *testing.T) {
	engine, graph, source := newTestEngine(0.02, 0.05, 0.03, 0.02, 0.05, 0.83)

	result, err := engine.Predict(context.Background(), leafImage(640, 480))
	require.NoError(t, err)

	assert.Equal(t, 1, source.fetches)
	assert.Equal(t, "scab", result.DiseaseLabel)
	assert.InDelta(t, 0.83, result.Confidence, 1e-6)
	assert.Equal(t, Treatment("scab"), result.TreatmentText)
	assert.Equal(t, Prevention("scab"), result.PreventionText)
	assert.Len(t, result.Scores, len(Classes))
	assert.Len(t, graph.lastInput, DefaultImageSize*DefaultImageSize*3)
}

func TestPredictTieBreaksToLowerIndex(t *testing.T) {
	engine, _, _ := newTestEngine(0.1, 0.4, 0.0, 0.0, 0.4, 0.1)

	for i := 0; i < 5; i++ {
		result, err := engine.Predict(context.Background(), leafImage(10, 10))
		require.NoError(t, err)
		assert.Equal(t, "frog_eye_leaf_spot", result.DiseaseLabel)
	}
}

func TestPredictReleasesBuffers(t *testing.T) {
	engine, graph, _ := newTestEngine(0, 0, 1, 0, 0, 0)

	for i := 0; i < 25; i++ {
		_, err := engine.Predict(context.Background(), leafImage(32, 32))
		require.NoError(t, err)
	}

	assert.Equal(t, int64(0), engine.LiveBuffers())
	assert.Equal(t, 0, graph.live())
	assert.Equal(t, 50, graph.allocated)
}

func TestPredictReleasesBuffersOnFailure(t *testing.T) {
	t.Run("run error", func(t *testing.T) {
		engine, graph, _ := newTestEngine()
		graph.runErr = stderrors.New("device out of memory")

		_, err := engine.Predict(context.Background(), leafImage(8, 8))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryInference))
		assert.Equal(t, 0, graph.live())
		assert.Equal(t, int64(0), engine.LiveBuffers())
	})

	t.Run("runtime panic", func(t *testing.T) {
		engine, graph, _ := newTestEngine()
		graph.panicOnRun = true

		_, err := engine.Predict(context.Background(), leafImage(8, 8))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryInference))
		assert.Equal(t, 0, graph.live())
	})

	t.Run("wrong output length", func(t *testing.T) {
		engine, graph, _ := newTestEngine(0.5, 0.5, 0, 0)
		graph.outputLen = 4

		_, err := engine.Predict(context.Background(), leafImage(8, 8))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryInference))
		assert.Equal(t, 0, graph.live())
	})
}

func TestPredictRejectsEmptyImage(t *testing.T) {
	engine, graph, _ := newTestEngine(1, 0, 0, 0, 0, 0)

	_, err := engine.Predict(context.Background(), image.NewRGBA(image.Rectangle{}))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryInference))
	assert.Equal(t, 0, graph.allocated)
}

func TestPredictPropagatesLoadError(t *testing.T) {
	engine, _, source := newTestEngine()
	source.errs = []error{stderrors.New("404")}

	_, err := engine.Predict(context.Background(), leafImage(8, 8))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
}

func TestPredictRaw(t *testing.T) {
	engine, _, _ := newTestEngine(0, 0, 0, 0.9, 0.1, 0)

	_, err := engine.PredictRaw(context.Background(), []float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	result, err := engine.PredictRaw(context.Background(), make([]float32, 300*300*3))
	require.NoError(t, err)
	assert.Equal(t, "powdery_mildew", result.DiseaseLabel)
}

func TestPredictAppliesSoftmaxToLogits(t *testing.T) {
	graph := &fakeGraph{scores: []float32{2, 1, 0, 0, 0, 5}}
	source := &fakeSource{artifact: Artifact{Metadata: Metadata{OutputActivation: ActivationLogits}}}
	engine := NewEngine(source, &fakeRuntime{graph: graph})

	result, err := engine.Predict(context.Background(), leafImage(8, 8))
	require.NoError(t, err)
	assert.Equal(t, "scab", result.DiseaseLabel)
	assert.Greater(t, result.Confidence, 0.9)
	assert.LessOrEqual(t, result.Confidence, 1.0)
}

func TestPredictClampsConfidence(t *testing.T) {
	engine, _, _ := newTestEngine(0, 0, 0, 0, 7.5, 0)

	result, err := engine.Predict(context.Background(), leafImage(8, 8))
	require.NoError(t, err)
	assert.Equal(t, "rust", result.DiseaseLabel)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestCloseReleasesGraph(t *testing.T) {
	engine, graph, _ := newTestEngine(1, 0, 0, 0, 0, 0)
	require.NoError(t, engine.LoadModel(context.Background()))

	require.NoError(t, engine.Close())
	assert.True(t, graph.closed)
	assert.False(t, engine.Loaded())
}
