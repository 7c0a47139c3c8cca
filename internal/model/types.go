package model

import (
	"fmt"
	"slices"
)

// Layout is the memory order of the image tensor.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

// Output activations the engine understands.
const (
	ActivationSoftmax = "softmax" // output is already a probability vector
	ActivationLogits  = "logits"  // engine applies softmax
)

const (
	// DefaultImageSize is the square input resolution of the leaf classifier.
	DefaultImageSize = 300
	channels         = 3
)

// Classes is the ordered label list baked into the classifier. Output index i
// corresponds to Classes[i].
var Classes = []string{"Black Rot", "frog_eye_leaf_spot", "healthy", "powdery_mildew", "rust", "scab"}

// Metadata describes the model contract. It ships next to the graph as
// model_metadata.json; unset fields take the defaults of the leaf classifier.
type Metadata struct {
	Version          string   `json:"version"`
	InputName        string   `json:"input_name"`
	OutputName       string   `json:"output_name"`
	InputShape       []int64  `json:"input_shape"`
	OutputShape      []int64  `json:"output_shape"`
	Classes          []string `json:"classes"`
	ImageSize        int      `json:"image_size"`
	Layout           Layout   `json:"layout"`
	PixelScale       float32  `json:"pixel_scale"`
	OutputActivation string   `json:"output_activation"`
}

// withDefaults fills every unset field.
func (m Metadata) withDefaults() Metadata {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.ImageSize == 0 {
		m.ImageSize = DefaultImageSize
	}
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}
	// Raw 0..255 pixel values; the browser build skipped the /255 step and
	// the model is served the same way.
	if m.PixelScale == 0 {
		m.PixelScale = 1
	}
	if m.OutputActivation == "" {
		m.OutputActivation = ActivationSoftmax
	}
	if len(m.Classes) == 0 {
		m.Classes = slices.Clone(Classes)
	}
	size := int64(m.ImageSize)
	if len(m.InputShape) == 0 {
		if m.Layout == LayoutNCHW {
			m.InputShape = []int64{1, channels, size, size}
		} else {
			m.InputShape = []int64{1, size, size, channels}
		}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	return m
}

func (m Metadata) validate() error {
	if !slices.Equal(m.Classes, Classes) {
		return fmt.Errorf("model classes %v do not match the built-in class list %v", m.Classes, Classes)
	}
	if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
		return fmt.Errorf("unsupported layout %q", m.Layout)
	}
	if m.OutputActivation != ActivationSoftmax && m.OutputActivation != ActivationLogits {
		return fmt.Errorf("unsupported output activation %q", m.OutputActivation)
	}

	size := int64(m.ImageSize)
	want := []int64{1, size, size, channels}
	if m.Layout == LayoutNCHW {
		want = []int64{1, channels, size, size}
	}
	if !slices.Equal(m.InputShape, want) {
		return fmt.Errorf("input shape %v does not match %s %dx%d (want %v)", m.InputShape, m.Layout, size, size, want)
	}
	if product(m.OutputShape) != int64(len(m.Classes)) {
		return fmt.Errorf("output shape %v does not hold %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// InputLen is the number of float32 values in one preprocessed image.
func (m Metadata) InputLen() int {
	return int(product(m.InputShape))
}

func product(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// PredictionResult is the outcome of one inference call.
type PredictionResult struct {
	DiseaseLabel   string             `json:"disease"`
	Confidence     float64            `json:"confidence"`
	TreatmentText  string             `json:"treatment"`
	PreventionText string             `json:"prevention"`
	Scores         map[string]float64 `json:"predictions,omitempty"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}
