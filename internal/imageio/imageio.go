// Package imageio converts between image tensors and Go images, and resizes them.
package imageio

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// FromTensor converts a [1,H,W,4] uint8 tensor to an image.
func FromTensor(t tensor.Data) (*image.RGBA, error) {
	if t.DType != tensor.Uint8 || len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[3] != 4 {
		return nil, fmt.Errorf("expected [1,H,W,4] u8 image tensor, got %s", t)
	}
	h, w := t.Shape[1], t.Shape[2]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, t.Bytes)
	return img, nil
}

// ToTensor converts an image to a [1,H,W,4] uint8 RGBA tensor.
func ToTensor(name string, img image.Image) tensor.Data {
	rgba := toRGBA(img)
	h, w := rgba.Rect.Dy(), rgba.Rect.Dx()
	t := tensor.New(name, tensor.Uint8, 1, h, w, 4)
	for y := 0; y < h; y++ {
		copy(t.Bytes[y*w*4:(y+1)*w*4], rgba.Pix[y*rgba.Stride:y*rgba.Stride+w*4])
	}
	return t
}

// PackRGB converts [H,W,3] float values in [0,1] to an opaque image, clamping and rounding
// each channel. With signed set the values are first mapped from [-1,1].
func PackRGB(values []float32, h, w int, signed bool) (*image.RGBA, error) {
	if len(values) != h*w*3 {
		return nil, fmt.Errorf("expected %d values for %dx%d RGB, got %d", h*w*3, w, h, len(values))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for p := 0; p < h*w; p++ {
		for c := 0; c < 3; c++ {
			img.Pix[p*4+c] = toByte(values[p*3+c], signed)
		}
		img.Pix[p*4+3] = 255
	}
	return img, nil
}

func toByte(v float32, signed bool) uint8 {
	x := float64(v)
	if signed {
		x = (x + 1) / 2
	}
	if math.IsNaN(x) {
		return 0
	}
	x = max(0, min(1, x))
	return uint8(math.Round(x * 255))
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Fit resizes img to exactly w x h with Catmull-Rom interpolation. Images already at that
// size are converted without resampling.
func Fit(img image.Image, w, h int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return toRGBA(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Decode reads a PNG or JPEG image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func ReadFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteFile(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Upscaler enlarges a finished image.
type Upscaler interface {
	Upscale(ctx context.Context, img *image.RGBA) (*image.RGBA, error)
}

// ResampleUpscaler enlarges by Factor with Catmull-Rom resampling.
type ResampleUpscaler struct {
	Factor int
}

// DefaultUpscaleFactor matches the learned 4x upscaler the pipeline was built around.
const DefaultUpscaleFactor = 4

func (u ResampleUpscaler) Upscale(ctx context.Context, img *image.RGBA) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := u.Factor
	if f <= 0 {
		f = DefaultUpscaleFactor
	}
	b := img.Bounds()
	return Fit(img, b.Dx()*f, b.Dy()*f), nil
}
