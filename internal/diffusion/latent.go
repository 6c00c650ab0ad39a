package diffusion

import (
	"context"
	"image"
	"math"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/scheduler"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// latentInitializer produces the starting latent: pure noise, or an encoded input image
// forward-diffused to the strength's start timestep.
type latentInitializer struct {
	eng      engine.Engine
	provider arch.Provider
	opts     arch.Options
	alphas   scheduler.Alphas
}

func (l *latentInitializer) shape() []int {
	return []int{1, l.opts.LatentHeight, l.opts.LatentWidth, 4}
}

func (l *latentInitializer) noise(seed int64) tensor.Data {
	return l.eng.RandomNormal(arch.Latent, l.shape(), seed)
}

// fitImage resizes an input image to the decoder's output size.
func (l *latentInitializer) fitImage(img image.Image) *image.RGBA {
	return imageio.Fit(img, l.opts.ImageWidth(), l.opts.ImageHeight())
}

// encode builds the image-to-image starting latent. The encoder is compiled for this call
// only and released before returning.
func (l *latentInitializer) encode(ctx context.Context, img *image.RGBA, seed int64, t int) (tensor.Data, error) {
	opts := l.opts
	opts.Batch = 1
	prog, err := compileProgram(ctx, l.eng, l.provider, arch.VAEEncoder, opts)
	if err != nil {
		return tensor.Data{}, err
	}
	defer prog.release()

	moments, err := prog.callOne(ctx, arch.Moments, imageio.ToTensor(arch.Image, img))
	if err != nil {
		return tensor.Data{}, err
	}
	noise := l.noise(seed).Float32s()
	z := sampleMoments(moments.Float32s(), noise)
	x := Noise(z, noise, l.alphas.At(t))
	return tensor.FromFloat32(arch.Latent, tensor.Float32, l.shape(), x), nil
}

// sampleMoments draws from the diagonal Gaussian whose per-pixel mean and log-variance are
// the first and last four channels of moments, then scales into latent space.
func sampleMoments(moments, noise []float32) []float32 {
	z := make([]float32, len(noise))
	for p := 0; p < len(noise)/4; p++ {
		for c := 0; c < 4; c++ {
			mean := moments[p*8+c]
			logvar := max(-30, min(20, moments[p*8+4+c]))
			std := float32(math.Exp(0.5 * float64(logvar)))
			z[p*4+c] = (mean + std*noise[p*4+c]) * arch.LatentScale
		}
	}
	return z
}
