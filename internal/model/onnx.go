package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXRuntime runs graphs with the onnxruntime shared library.
type ONNXRuntime struct {
	libraryPath string

	mu          sync.Mutex
	initialized bool
}

// NewONNXRuntime returns a runtime that initializes the ONNX environment on
// first Load. An empty libraryPath uses the library's default lookup.
func NewONNXRuntime(libraryPath string) *ONNXRuntime {
	return &ONNXRuntime{libraryPath: libraryPath}
}

func (r *ONNXRuntime) Load(graph []byte, meta Metadata) (Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized && !ort.IsInitialized() {
		if r.libraryPath != "" {
			ort.SetSharedLibraryPath(r.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		r.initialized = true
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(graph,
		[]string{meta.InputName}, []string{meta.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &onnxGraph{session: session}, nil
}

// Close tears down the ONNX environment if this runtime created it.
func (r *ONNXRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return ort.DestroyEnvironment()
}

type onnxGraph struct {
	session *ort.DynamicAdvancedSession
}

func (g *onnxGraph) NewInput(shape []int64, data []float32) (Buffer, error) {
	t, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	return &onnxBuffer{tensor: t}, nil
}

func (g *onnxGraph) NewOutput(shape []int64) (Buffer, error) {
	t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	return &onnxBuffer{tensor: t}, nil
}

func (g *onnxGraph) Run(input, output Buffer) error {
	in, ok := input.(*onnxBuffer)
	if !ok {
		return fmt.Errorf("input buffer of type %T was not created by this graph", input)
	}
	out, ok := output.(*onnxBuffer)
	if !ok {
		return fmt.Errorf("output buffer of type %T was not created by this graph", output)
	}
	if err := g.session.Run([]ort.ArbitraryTensor{in.tensor}, []ort.ArbitraryTensor{out.tensor}); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (g *onnxGraph) Close() error {
	if g.session == nil {
		return nil
	}
	err := g.session.Destroy()
	g.session = nil
	return err
}

type onnxBuffer struct {
	tensor *ort.Tensor[float32]
}

func (b *onnxBuffer) Data() []float32 { return b.tensor.GetData() }

func (b *onnxBuffer) Release() error { return b.tensor.Destroy() }
