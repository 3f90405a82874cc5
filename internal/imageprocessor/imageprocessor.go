// Package imageprocessor turns uploaded image bytes into the fixed input
// tensor the classifier model was trained on.
package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/example/bps-classifier/internal/faults"
)

const (
	// InputSize is the square edge the model expects. Training used the same
	// bilinear resize to this size.
	InputSize = 224
	// Channels is the number of color channels in the tensor.
	Channels = 3
	// MaxPixels bounds the decoded area to keep hostile uploads from
	// exhausting memory.
	MaxPixels = 40_000_000
)

// Interpolation is fixed; changing it introduces train/serve skew.
var Interpolation = resize.Bilinear

// ImageNet channel statistics the model was calibrated against.
var (
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 tensor in NCHW layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// InputShape is the shape every normalized tensor has.
func InputShape() []int64 {
	return []int64{1, Channels, InputSize, InputSize}
}

// Elements returns the number of values implied by Shape.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Normalizer decodes and normalizes images. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct{}

// NewNormalizer returns a Normalizer using the package constants.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Decode decodes data regardless of any declared content type.
func (n *Normalizer) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", faults.InvalidImage("empty image payload", nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", faults.InvalidImage("unable to decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", faults.InvalidImage(fmt.Sprintf("image has zero area (%dx%d)", cfg.Width, cfg.Height), nil)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, "", faults.InvalidImage(fmt.Sprintf("image too large (%dx%d exceeds %d pixels)", cfg.Width, cfg.Height, MaxPixels), nil)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", faults.InvalidImage(fmt.Sprintf("unable to decode %s image", format), err)
	}
	return img, format, nil
}

// NormalizeBytes decodes data and normalizes the result.
func (n *Normalizer) NormalizeBytes(data []byte) (Tensor, error) {
	img, _, err := n.Decode(data)
	if err != nil {
		return Tensor{}, err
	}
	return n.Normalize(img)
}

// Normalize converts img to RGB, resizes it to InputSize and scales it into
// a [1,3,InputSize,InputSize] tensor.
func (n *Normalizer) Normalize(img image.Image) (Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return Tensor{}, faults.InvalidImage("image has zero area", nil)
	}

	resized := resize.Resize(InputSize, InputSize, toRGB(img), Interpolation)
	rgb, ok := resized.(*image.RGBA)
	if !ok {
		rgb = toRGB(resized)
	}

	b := rgb.Bounds()
	if b.Dx() != InputSize || b.Dy() != InputSize {
		return Tensor{}, faults.InvalidImage(fmt.Sprintf("resize produced %dx%d", b.Dx(), b.Dy()), nil)
	}

	plane := InputSize * InputSize
	data := make([]float32, Channels*plane)
	for y := 0; y < InputSize; y++ {
		row := rgb.Pix[y*rgb.Stride : y*rgb.Stride+InputSize*4]
		for x := 0; x < InputSize; x++ {
			px := row[x*4 : x*4+3]
			idx := y*InputSize + x
			for c := 0; c < Channels; c++ {
				v := float32(px[c]) / 255.0
				data[c*plane+idx] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return Tensor{Shape: InputShape(), Data: data}, nil
}

// toRGB copies img into an opaque RGBA image anchored at the origin. Alpha is
// discarded rather than composited; grayscale and paletted sources expand to
// three equal or looked-up channels.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			off := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[off+0] = c.R
			dst.Pix[off+1] = c.G
			dst.Pix[off+2] = c.B
			dst.Pix[off+3] = 0xff
		}
	}
	return dst
}
