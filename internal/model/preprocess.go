package model

import (
	"image"
	"math"

	"github.com/nfnt/resize"
)

// Preprocess resamples img to the model's square input with bilinear
// interpolation and lays the pixels out as one batched float32 tensor.
func Preprocess(img image.Image, meta Metadata) []float32 {
	size := uint(meta.ImageSize)
	resized := resize.Resize(size, size, img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [channels]float32{
				float32(r>>8) * meta.PixelScale,
				float32(g>>8) * meta.PixelScale,
				float32(b>>8) * meta.PixelScale,
			}

			pixelIndex := y*width + x
			for c := 0; c < channels; c++ {
				if meta.Layout == LayoutNCHW {
					data[c*plane+pixelIndex] = px[c]
				} else {
					data[pixelIndex*channels+c] = px[c]
				}
			}
		}
	}
	return data
}

// ArgMax returns the index of the first maximal entry, or -1 for an empty
// vector. NaN entries never win.
func ArgMax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
