package diffusion

import (
	"context"
	"image"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// decoder maps a latent to the final image.
type decoder struct {
	eng      engine.Engine
	provider arch.Provider
	opts     arch.Options
	slot     *Slot[*program]
}

func newDecoder(eng engine.Engine, p arch.Provider, opts arch.Options) *decoder {
	opts.Batch = 1
	return &decoder{eng: eng, provider: p, opts: opts, slot: NewSlot("decoder", releaseProgram)}
}

func (d *decoder) decode(ctx context.Context, latent tensor.Data) (*image.RGBA, error) {
	prog, err := d.slot.Load(func() (*program, error) {
		return compileProgram(ctx, d.eng, d.provider, arch.VAEDecoder, d.opts)
	})
	if err != nil {
		return nil, err
	}
	rgb, err := prog.callOne(ctx, arch.Image, latent.Named(arch.Latent))
	if err != nil {
		return nil, err
	}
	return imageio.PackRGB(rgb.Float32s(), rgb.Shape[1], rgb.Shape[2], true)
}
