package classifier

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// ChannelOrder is the colour channel layout the model was trained on.
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
)

// ParseChannelOrder accepts "RGB" or "BGR" in any case.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch strings.ToUpper(s) {
	case "RGB", "":
		return RGB, nil
	case "BGR":
		return BGR, nil
	default:
		return RGB, fmt.Errorf("unknown channel order %q", s)
	}
}

// Tensor is an NHWC float32 model input with a batch of one.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor allocates a zeroed [1, size, size, 3] tensor.
func NewTensor(size int) Tensor {
	return Tensor{
		Shape: [4]int{1, size, size, 3},
		Data:  make([]float32, size*size*3),
	}
}

// Shape64 returns the shape in the form runtimes expect.
func (t Tensor) Shape64() []int64 {
	return []int64{int64(t.Shape[0]), int64(t.Shape[1]), int64(t.Shape[2]), int64(t.Shape[3])}
}

// Preprocess resizes img to size x size with bilinear filtering, reorders
// channels for the model and scales every value into [0,1].
func Preprocess(img image.Image, size int, order ChannelOrder) Tensor {
	resized := imaging.Resize(img, size, size, imaging.Linear)
	t := NewTensor(size)

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			if order == BGR {
				r, b = b, r
			}
			i := (y*size + x) * 3
			t.Data[i] = float32(r) / 255.0
			t.Data[i+1] = float32(g) / 255.0
			t.Data[i+2] = float32(b) / 255.0
		}
	}
	return t
}
