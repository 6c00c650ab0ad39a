package diffusion

import (
	"context"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/tensor"
)

// stageSet is the three denoiser stages compiled for one conditioning batch size.
type stageSet struct {
	batch  int
	stages []*program
}

func (s *stageSet) release() {
	for _, p := range s.stages {
		p.release()
	}
}

// denoiser predicts the unconditional and conditional noise for a latent. The sequential
// tier runs the stages once per conditioning at batch 1; the batched tier runs them once
// with both conditionings stacked.
type denoiser struct {
	eng      engine.Engine
	provider arch.Provider
	opts     arch.Options
	tier     config.Tier
	slot     *Slot[*stageSet]
}

func newDenoiser(eng engine.Engine, p arch.Provider, opts arch.Options, tier config.Tier) *denoiser {
	return &denoiser{
		eng:      eng,
		provider: p,
		opts:     opts,
		tier:     tier,
		slot:     NewSlot("denoiser", (*stageSet).release),
	}
}

func (d *denoiser) batch() int {
	if d.tier == config.TierBatched {
		return 2
	}
	return 1
}

// stages returns the compiled set for the current tier, rebuilding it if it was compiled
// for a different batch size.
func (d *denoiser) stages(ctx context.Context) (*stageSet, error) {
	batch := d.batch()
	if set, ok := d.slot.Get(); ok && set.batch != batch {
		d.slot.Unload()
	}
	return d.slot.Load(func() (*stageSet, error) {
		opts := d.opts
		opts.Batch = batch
		set := &stageSet{batch: batch}
		for _, id := range arch.Stages {
			p, err := compileProgram(ctx, d.eng, d.provider, id, opts)
			if err != nil {
				set.release()
				return nil, err
			}
			set.stages = append(set.stages, p)
		}
		return set, nil
	})
}

// predict returns (etaUncond, etaCond) for latent at the time feature temb.
func (d *denoiser) predict(ctx context.Context, latent, uncond, cond, temb tensor.Data) (tensor.Data, tensor.Data, error) {
	set, err := d.stages(ctx)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	if set.batch == 1 {
		etaU, err := d.pass(ctx, set, latent, uncond, temb)
		if err != nil {
			return tensor.Data{}, tensor.Data{}, err
		}
		etaC, err := d.pass(ctx, set, latent, cond, temb)
		if err != nil {
			return tensor.Data{}, tensor.Data{}, err
		}
		return etaU, etaC, nil
	}

	both, err := d.eng.Concat(ctx, []tensor.Data{uncond, cond}, 0)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	eps, err := d.pass(ctx, set, latent, both.Named(arch.Cond), temb)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	etaU, err := d.eng.Slice(ctx, eps, 0, 0, 1)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	etaC, err := d.eng.Slice(ctx, eps, 0, 1, 1)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	return etaU, etaC, nil
}

// pass runs the stages in order. Each stage receives, by name, the previous stage's
// outputs and the conditioning.
func (d *denoiser) pass(ctx context.Context, set *stageSet, latent, cond, temb tensor.Data) (tensor.Data, error) {
	pool := []tensor.Data{latent, cond, temb}
	var out engine.Outputs
	for _, p := range set.stages {
		var err error
		if out, err = p.call(ctx, p.pick(pool)...); err != nil {
			return tensor.Data{}, err
		}
		pool = append(append([]tensor.Data(nil), out...), cond)
	}
	return out.Must(string(arch.DenoiseStage2), arch.Eps)
}

func (d *denoiser) release() {
	d.slot.Unload()
}
