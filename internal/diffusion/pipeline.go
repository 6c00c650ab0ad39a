package diffusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/device"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/metrics"
	"github.com/23skdu/longbow-naiad/internal/scheduler"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/tokenizer"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

// StepRecord describes one finished denoising step.
type StepRecord struct {
	Index    int
	Timestep int
	Latent   tensor.Data
	Stats    tensor.Stats
	Duration time.Duration
}

// Tracer opens a per-generation sink for step records.
type Tracer interface {
	Trace(req Request, tier config.Tier) (StepSink, error)
}

type StepSink interface {
	Record(StepRecord) error
	Close() error
}

// Dependencies are the collaborators a pipeline runs on.
type Dependencies struct {
	Engine   engine.Engine
	Provider arch.Provider
	Store    *weights.Store
	// Probe reports installed memory for tier selection; defaults to device.PhysicalMemory.
	Probe  device.MemoryProbe
	Tracer Tracer
}

// Pipeline generates images one request at a time.
type Pipeline struct {
	cfg    config.Config
	deps   Dependencies
	tier   config.Tier
	opts   arch.Options
	alphas scheduler.Alphas

	text     *textGuidance
	latents  *latentInitializer
	denoiser *denoiser
	decoder  *decoder
	timeEmb  *Slot[*scheduler.TimeEmbedder]
	preview  *Slot[*program]

	busy      atomic.Bool
	cancelled atomic.Bool
}

// New checks the weights directory and prepares a pipeline. Sub-graphs are compiled on
// first use.
func New(cfg config.Config, deps Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Engine == nil || deps.Provider == nil || deps.Store == nil {
		return nil, errors.New("pipeline needs an engine, a provider and a weights store")
	}
	if err := deps.Store.Verify(deps.Provider.Parameters()); err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(cfg.WeightsDir)
	if err != nil {
		return nil, err
	}
	alphas, err := scheduler.LoadAlphas(deps.Store)
	if err != nil {
		return nil, err
	}

	tier := device.SelectTier(cfg.Tier, cfg.LowMemoryThreshold, deps.Probe)
	opts := arch.Options{Batch: 1, LatentHeight: cfg.LatentHeight, LatentWidth: cfg.LatentWidth}
	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		tier:     tier,
		opts:     opts,
		alphas:   alphas,
		text:     newTextGuidance(tok, deps.Engine, deps.Provider, opts),
		latents:  &latentInitializer{eng: deps.Engine, provider: deps.Provider, opts: opts, alphas: alphas},
		denoiser: newDenoiser(deps.Engine, deps.Provider, opts, tier),
		decoder:  newDecoder(deps.Engine, deps.Provider, opts),
		timeEmb:  NewSlot("time-embed", (*scheduler.TimeEmbedder).Release),
		preview:  NewSlot("preview-projector", releaseProgram),
	}
	logger.Log.Info("pipeline ready", "tier", string(tier), "latent", fmt.Sprintf("%dx%d", opts.LatentHeight, opts.LatentWidth))
	return p, nil
}

func (p *Pipeline) Tier() config.Tier { return p.tier }

// Cancel asks the running generation to stop before its next step. It does nothing
// while the pipeline is idle.
func (p *Pipeline) Cancel() {
	if p.busy.Load() {
		p.cancelled.Store(true)
	}
}

// Busy reports whether a generation is running.
func (p *Pipeline) Busy() bool {
	return p.busy.Load()
}

// Close releases every compiled sub-graph.
func (p *Pipeline) Close() {
	p.releaseAll()
}

func (p *Pipeline) releaseAll() {
	p.text.slot.Unload()
	p.denoiser.release()
	p.decoder.slot.Unload()
	p.timeEmb.Unload()
	p.preview.Unload()
}

// Generate returns a generator of progress results. Results arrive in order; the last one
// carries the final image, or reports cancellation or failure. Stopping the iteration early
// cancels the generation. A second concurrent Generate yields only ErrBusy.
func (p *Pipeline) Generate(ctx context.Context, req Request) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		if !p.busy.CompareAndSwap(false, true) {
			yield(Result{}, ErrBusy)
			return
		}
		defer func() {
			p.cancelled.Store(false)
			p.busy.Store(false)
		}()

		g := &generation{p: p, ctx: ctx, work: context.WithoutCancel(ctx), req: req, yield: yield, started: time.Now()}
		g.run()
		metrics.RecordGeneration(g.outcome, time.Since(g.started))
	}
}

// Stream runs Generate on its own goroutine and delivers events on a channel that is
// closed when the generation ends. Cancelling ctx stops the generation.
func (p *Pipeline) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for res, err := range p.Generate(ctx, req) {
			select {
			case ch <- Event{Result: res, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// generation is the state of one Generate call.
type generation struct {
	p       *Pipeline
	ctx     context.Context
	// work carries ctx values to device calls without its cancellation. A started
	// step always runs to completion; ctx is only checked between steps.
	work    context.Context
	req     Request
	yield   func(Result, error) bool
	started time.Time
	outcome string
	stopped bool
}

func (g *generation) emit(r Result) bool {
	if g.stopped {
		return false
	}
	if !g.yield(r, nil) {
		g.stopped = true
	}
	return !g.stopped
}

func (g *generation) interrupted() bool {
	return g.p.cancelled.Load() || g.ctx.Err() != nil
}

// cancel reports cancellation once, unless the consumer already stopped listening.
func (g *generation) cancel() {
	g.outcome = "cancelled"
	logger.Log.Info("generation cancelled", "elapsed", time.Since(g.started).String())
	g.emit(Result{Stage: StageCancelled})
	g.stopped = true
}

func (g *generation) fail(err error) {
	g.outcome = "failed"
	logger.Log.Error("generation failed", "error", err)
	g.p.releaseAll()
	if !g.stopped {
		g.stopped = true
		g.yield(Result{Stage: StageFailed}, err)
	}
}

func (g *generation) run() {
	p, ctx, req := g.p, g.work, g.req
	sequential := p.tier == config.TierSequential
	defer func() {
		if sequential {
			p.releaseAll()
		}
	}()

	if err := req.Validate(); err != nil {
		g.fail(err)
		return
	}
	sched, err := scheduler.New(req.Steps)
	if err != nil {
		g.fail(err)
		return
	}

	if !g.emit(Result{Stage: StageTokenising}) {
		g.cancel()
		return
	}
	start := time.Now()
	uncond, cond, err := p.text.run(ctx, req.Prompt, req.AntiPrompt)
	if err != nil {
		g.fail(err)
		return
	}
	if sequential {
		p.text.slot.Unload()
	}
	metrics.RecordStage("text", time.Since(start))

	var (
		latent tensor.Data
		input  *image.RGBA
	)
	start = time.Now()
	if req.imageToImage() {
		if !g.emit(Result{Progress: ProgressNoise, Stage: StageEncoding}) {
			g.cancel()
			return
		}
		input = p.latents.fitImage(req.Image)
		t := sched.Grid[sched.StartIndex(*req.Strength)]
		if latent, err = p.latents.encode(ctx, input, req.Seed, t); err != nil {
			g.fail(err)
			return
		}
	} else {
		if !g.emit(Result{Progress: ProgressNoise, Stage: StageNoise}) {
			g.cancel()
			return
		}
		latent = p.latents.noise(req.Seed)
	}
	metrics.RecordStage("latent", time.Since(start))

	startImage := input
	if !sequential {
		if startImage, err = p.decoder.decode(ctx, latent); err != nil {
			g.fail(err)
			return
		}
	}
	if !g.emit(Result{Image: startImage, Progress: ProgressStarting, Stage: StageStarting}) {
		g.cancel()
		return
	}

	var strength *float32
	if req.imageToImage() {
		strength = req.Strength
	}
	if latent, err = g.denoise(sched, sched.TimeSteps(strength), latent, uncond, cond); err != nil {
		g.fail(err)
		return
	}
	if g.stopped {
		return
	}
	if sequential {
		p.denoiser.release()
		p.timeEmb.Unload()
		p.preview.Unload()
	}

	if g.interrupted() {
		g.cancel()
		return
	}
	start = time.Now()
	img, err := p.decoder.decode(ctx, latent)
	if err != nil {
		g.fail(err)
		return
	}
	if sequential {
		p.decoder.slot.Unload()
	}
	metrics.RecordStage("decode", time.Since(start))

	g.outcome = "done"
	logger.Log.Info("generation finished", "steps", req.Steps, "seed", req.Seed, "elapsed", time.Since(g.started).String())
	g.emit(Result{Image: img, Progress: ProgressDecoding, Stage: StageDecoding})
}

// denoise runs the step loop. It returns with g.stopped set when the generation was
// cancelled or abandoned by the consumer.
func (g *generation) denoise(sched scheduler.Schedule, steps []int, latent, uncond, cond tensor.Data) (tensor.Data, error) {
	p, ctx := g.p, g.work
	te, err := p.timeEmb.Load(func() (*scheduler.TimeEmbedder, error) {
		return scheduler.NewTimeEmbedder(ctx, p.deps.Engine, p.deps.Provider, p.opts)
	})
	if err != nil {
		return latent, err
	}

	sink := g.openTrace()
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Log.Warn("closing step trace", "error", err)
			}
		}()
	}

	n := len(steps)
	for i, t := range steps {
		if g.interrupted() {
			g.cancel()
			return latent, nil
		}
		tick := time.Now()

		temb, err := te.Feature(ctx, t)
		if err != nil {
			return latent, err
		}
		etaU, etaC, err := p.denoiser.predict(ctx, latent, uncond, cond, temb)
		if err != nil {
			return latent, err
		}
		next, predX0 := Step(latent.Float32s(), etaU.Float32s(), etaC.Float32s(), g.req.GuidanceScale, p.alphas, t, sched.StepSize)
		latent = tensor.FromFloat32(arch.Latent, tensor.Float32, latent.Shape, next)
		preview := g.renderPreview(predX0, latent.Shape)

		elapsed := time.Since(tick)
		metrics.RecordStep(string(p.tier), elapsed)
		stats := tensor.Summarize(next)
		if !stats.Finite() {
			metrics.RecordNumericalInstability("latent", stats.NaNs, stats.Infs)
			logger.Log.Warn("non-finite latent", "step", i+1, "nans", stats.NaNs, "infs", stats.Infs)
		}
		logger.Log.Debug("step", "index", i+1, "of", n, "t", t, "elapsed", elapsed.String(), "rms", stats.RMS)
		if sink != nil {
			if err := sink.Record(StepRecord{Index: i, Timestep: t, Latent: latent, Stats: stats, Duration: elapsed}); err != nil {
				logger.Log.Warn("recording step trace", "error", err)
			}
		}

		res := Result{
			Image:    preview,
			Progress: ProgressStarting + 0.8*float64(i+1)/float64(n),
			Stage:    fmt.Sprintf("%s iteration (%.2fs)", ordinal(i+1), elapsed.Seconds()),
		}
		if !g.emit(res) {
			g.cancel()
			return latent, nil
		}
	}
	return latent, nil
}

// renderPreview is best effort: failures are logged and the step carries no image.
func (g *generation) renderPreview(predX0 []float32, shape []int) *image.RGBA {
	p := g.p
	prog, err := p.preview.Load(func() (*program, error) {
		return compileProgram(g.work, p.deps.Engine, p.deps.Provider, arch.PreviewProjector, p.opts)
	})
	if err != nil {
		logger.Log.Warn("preview unavailable", "error", err)
		return nil
	}
	img, err := renderPreview(g.work, prog, tensor.FromFloat32(arch.Latent, tensor.Float32, shape, predX0))
	if err != nil {
		logger.Log.Warn("preview failed", "error", err)
		return nil
	}
	return img
}

func (g *generation) openTrace() StepSink {
	if g.p.deps.Tracer == nil {
		return nil
	}
	sink, err := g.p.deps.Tracer.Trace(g.req, g.p.tier)
	if err != nil {
		logger.Log.Warn("step trace disabled", "error", err)
		return nil
	}
	return sink
}
