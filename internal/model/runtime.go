package model

// Runtime turns a serialized graph into an executable Graph.
type Runtime interface {
	Load(graph []byte, meta Metadata) (Graph, error)
}

// Graph is a loaded classifier. Buffers it hands out are owned by the caller
// and must be released by the caller.
type Graph interface {
	NewInput(shape []int64, data []float32) (Buffer, error)
	NewOutput(shape []int64) (Buffer, error)
	Run(input, output Buffer) error
	Close() error
}

// Buffer is a device-resident tensor.
type Buffer interface {
	Data() []float32
	Release() error
}
