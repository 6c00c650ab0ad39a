package diffusion

import (
	"context"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/scheduler"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// Guide combines the two noise estimates. The scaled difference saturates through tanh, so
// the result never moves more than 1 away from the unconditional estimate.
func Guide(etaU, etaC []float32, scale float32) []float32 {
	out := make([]float32, len(etaU))
	for i := range out {
		out[i] = etaU[i] + float32(math.Tanh(float64(scale*(etaC[i]-etaU[i]))))
	}
	return out
}

// PredictX0 estimates the clean latent from x_t and the noise estimate at alpha = αcum[t].
func PredictX0(x, eta []float32, alpha float32) []float32 {
	sa := float32(math.Sqrt(float64(alpha)))
	sb := float32(math.Sqrt(1 - float64(alpha)))
	out := make([]float32, len(x))
	for i := range out {
		out[i] = (x[i] - sb*eta[i]) / sa
	}
	return out
}

// Noise mixes a clean latent with noise at alpha: sqrt(α)·x0 + sqrt(1-α)·eta.
func Noise(x0, eta []float32, alpha float32) []float32 {
	sa := float32(math.Sqrt(float64(alpha)))
	sb := float32(math.Sqrt(1 - float64(alpha)))
	out := make([]float32, len(x0))
	for i := range out {
		out[i] = sa*x0[i] + sb*eta[i]
	}
	return out
}

// Step advances x_t one schedule step to t' = max(0, t-stepSize). It returns the new latent
// and the clean-latent prediction it was derived from.
func Step(x, etaU, etaC []float32, scale float32, alphas scheduler.Alphas, t, stepSize int) (next, predX0 []float32) {
	eta := Guide(etaU, etaC, scale)
	predX0 = PredictX0(x, eta, alphas.At(t))
	return Noise(predX0, eta, alphas.At(max(0, t-stepSize))), predX0
}

// renderPreview projects a latent to RGB with the preview graph and upsamples it to image
// size by pixel repetition.
func renderPreview(ctx context.Context, p *program, latent tensor.Data) (*image.RGBA, error) {
	rgb, err := p.callOne(ctx, arch.Preview, latent)
	if err != nil {
		return nil, err
	}
	h, w := rgb.Shape[1], rgb.Shape[2]
	small, err := imageio.PackRGB(rgb.Float32s(), h, w, false)
	if err != nil {
		return nil, err
	}
	full := image.NewRGBA(image.Rect(0, 0, w*8, h*8))
	draw.NearestNeighbor.Scale(full, full.Bounds(), small, small.Bounds(), draw.Src, nil)
	return full, nil
}
