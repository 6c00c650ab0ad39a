package diffusion

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-naiad/internal/arch/reference"
	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/engine/host"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

func weightsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, reference.GenerateWeights(dir, reference.DefaultDims(), 11, false))
	return dir
}

func testConfig(dir string, tier config.Tier) config.Config {
	cfg := config.Default()
	cfg.WeightsDir = dir
	cfg.Tier = tier
	cfg.LatentHeight = 4
	cfg.LatentWidth = 4
	return cfg
}

type captureTracer struct {
	mu      sync.Mutex
	records []StepRecord
	closed  int
}

func (c *captureTracer) Trace(Request, config.Tier) (StepSink, error) { return c, nil }

func (c *captureTracer) Record(r StepRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}

func (c *captureTracer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *captureTracer) last() StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[len(c.records)-1]
}

// failingEngine refuses to compile one graph.
type failingEngine struct {
	*host.Engine
	graph string
}

func (f failingEngine) Compile(ctx context.Context, g engine.Graph) (engine.Executable, error) {
	if g.Name == f.graph {
		return nil, &engine.DeviceError{Op: "compile", Graph: g.Name, Err: errors.New("out of memory")}
	}
	return f.Engine.Compile(ctx, g)
}

// countingEngine counts runs per graph and calls onRun after each completed run.
type countingEngine struct {
	*host.Engine
	mu    sync.Mutex
	runs  map[string]int
	onRun func(graph string, runs int)
}

func newCountingEngine() *countingEngine {
	return &countingEngine{Engine: host.New(), runs: map[string]int{}}
}

func (c *countingEngine) Compile(ctx context.Context, g engine.Graph) (engine.Executable, error) {
	exe, err := c.Engine.Compile(ctx, g)
	if err != nil {
		return nil, err
	}
	return countingExecutable{Executable: exe, eng: c}, nil
}

func (c *countingEngine) count(graph string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[graph]
}

type countingExecutable struct {
	engine.Executable
	eng *countingEngine
}

func (x countingExecutable) Run(ctx context.Context, in []tensor.Data) ([]tensor.Data, error) {
	out, err := x.Executable.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	x.eng.mu.Lock()
	x.eng.runs[x.Name()]++
	n, hook := x.eng.runs[x.Name()], x.eng.onRun
	x.eng.mu.Unlock()
	if hook != nil {
		hook(x.Name(), n)
	}
	return out, nil
}

func newPipeline(t *testing.T, dir string, tier config.Tier, eng engine.Engine, tracer Tracer) *Pipeline {
	t.Helper()
	store := weights.NewStore(dir, false)
	provider, err := reference.Open(store)
	require.NoError(t, err)
	p, err := New(testConfig(dir, tier), Dependencies{Engine: eng, Provider: provider, Store: store, Tracer: tracer})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func collect(t *testing.T, p *Pipeline, req Request) ([]Result, error) {
	t.Helper()
	var out []Result
	for res, err := range p.Generate(context.Background(), req) {
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func catRequest(steps int) Request {
	return Request{Prompt: "a cat", Seed: 42, Steps: steps, GuidanceScale: 7.5}
}

func TestGenerateEventOrder(t *testing.T) {
	eng := host.New()
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, nil)

	results, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	require.Len(t, results, 6)

	wantStages := []string{StageTokenising, StageNoise, StageStarting, "1st iteration (", "2nd iteration (", StageDecoding}
	wantProgress := []float64{0, 0.05, 0.1, 0.5, 0.9, 0.97}
	for i, r := range results {
		assert.True(t, strings.HasPrefix(r.Stage, wantStages[i]), "event %d: stage %q", i, r.Stage)
		assert.InDelta(t, wantProgress[i], r.Progress, 1e-9, "event %d", i)
	}
	assert.Nil(t, results[2].Image, "sequential tier starts without an image")
	assert.NotNil(t, results[3].Image, "steps carry a preview")

	final := results[5].Image
	require.NotNil(t, final)
	assert.Equal(t, image.Rect(0, 0, 32, 32), final.Bounds())
	for i := 3; i < len(final.Pix); i += 4 {
		require.Equal(t, uint8(255), final.Pix[i])
	}

	assert.Zero(t, eng.MemoryInUse(), "sequential tier releases every sub-graph")
	assert.False(t, p.Busy())
}

func TestBatchedKeepsSlotsLoaded(t *testing.T) {
	eng := host.New()
	p := newPipeline(t, weightsDir(t), config.TierBatched, eng, nil)

	results, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.NotNil(t, results[2].Image, "batched tier decodes the initial latent")

	live := eng.Live()
	assert.Equal(t, 1, live["denoise-stage-0"])
	assert.Equal(t, 1, live["vae-decoder"])
	assert.Equal(t, 1, live["text-encoder"])

	_, err = collect(t, p, catRequest(1))
	require.NoError(t, err)
	assert.Equal(t, live, eng.Live(), "second generation reuses compiled slots")

	p.Close()
	assert.Zero(t, eng.MemoryInUse())
}

func TestTiersAgree(t *testing.T) {
	dir := weightsDir(t)
	finalLatent := func(tier config.Tier, eng engine.Engine) []float32 {
		tr := &captureTracer{}
		p := newPipeline(t, dir, tier, eng, tr)
		_, err := collect(t, p, catRequest(3))
		require.NoError(t, err)
		assert.Equal(t, 1, tr.closed)
		require.Len(t, tr.records, 3)
		return tr.last().Latent.Float32s()
	}

	seq := finalLatent(config.TierSequential, host.New())
	batched := finalLatent(config.TierBatched, host.New())
	shuffled := finalLatent(config.TierBatched, host.New(host.WithShuffledSlots(5)))
	shuffledSeq := finalLatent(config.TierSequential, host.New(host.WithShuffledSlots(9)))

	assert.InDeltaSlice(t, seq, batched, 1e-4)
	assert.InDeltaSlice(t, seq, shuffled, 1e-4)
	assert.InDeltaSlice(t, seq, shuffledSeq, 1e-4)
}

func TestGenerateDeterministic(t *testing.T) {
	dir := weightsDir(t)
	p := newPipeline(t, dir, config.TierSequential, host.New(), nil)

	a, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	b, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	assert.Equal(t, a[len(a)-1].Image.Pix, b[len(b)-1].Image.Pix)

	other := catRequest(2)
	other.Seed = 43
	c, err := collect(t, p, other)
	require.NoError(t, err)
	assert.NotEqual(t, a[len(a)-1].Image.Pix, c[len(c)-1].Image.Pix)
}

func TestCancelAfterFirstStep(t *testing.T) {
	eng := host.New()
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, nil)

	var stages []string
	for res, err := range p.Generate(context.Background(), catRequest(10)) {
		require.NoError(t, err)
		stages = append(stages, res.Stage)
		if strings.HasPrefix(res.Stage, "1st iteration") {
			p.Cancel()
		}
		if res.Stage == StageCancelled {
			assert.Nil(t, res.Image)
			assert.Zero(t, res.Progress)
		}
	}

	iterations, cancelled := 0, 0
	for _, s := range stages {
		if strings.Contains(s, "iteration") {
			iterations++
		}
		if s == StageCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, iterations)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, StageCancelled, stages[len(stages)-1])
	assert.Zero(t, eng.MemoryInUse())
}

func TestContextCancel(t *testing.T) {
	p := newPipeline(t, weightsDir(t), config.TierBatched, host.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var last Result
	for res, err := range p.Generate(ctx, catRequest(5)) {
		require.NoError(t, err)
		last = res
		if res.Stage == StageStarting {
			cancel()
		}
	}
	assert.Equal(t, StageCancelled, last.Stage)
}

func TestContextCancelFinishesStartedStep(t *testing.T) {
	eng := newCountingEngine()
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		stages  []string
		perStep int
	)
	for res, err := range p.Generate(ctx, catRequest(5)) {
		require.NoError(t, err)
		stages = append(stages, res.Stage)
		if strings.HasPrefix(res.Stage, "1st iteration") {
			perStep = eng.count("denoise-stage-0")
			eng.onRun = func(graph string, runs int) {
				if graph == "denoise-stage-0" && runs == perStep+1 {
					cancel()
				}
			}
		}
	}

	require.Len(t, stages, 6)
	assert.True(t, strings.HasPrefix(stages[4], "2nd iteration"), "got %q", stages[4])
	assert.Equal(t, StageCancelled, stages[5])
	assert.Equal(t, 2*perStep, eng.count("denoise-stage-0"))
	assert.Equal(t, 2*perStep, eng.count("denoise-stage-2"))
	assert.Zero(t, eng.MemoryInUse())
}

func TestCancelWhileIdleIsIgnored(t *testing.T) {
	p := newPipeline(t, weightsDir(t), config.TierBatched, host.New(), nil)
	p.Cancel()

	results, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	assert.Equal(t, StageDecoding, results[len(results)-1].Stage)

	for res := range p.Generate(context.Background(), catRequest(3)) {
		if strings.HasPrefix(res.Stage, "1st iteration") {
			p.Cancel()
		}
	}
	results, err = collect(t, p, catRequest(2))
	require.NoError(t, err)
	assert.Equal(t, StageDecoding, results[len(results)-1].Stage)
}

func TestBreakStopsGeneration(t *testing.T) {
	eng := host.New()
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, nil)

	for res := range p.Generate(context.Background(), catRequest(4)) {
		if res.Stage == StageStarting {
			break
		}
	}
	assert.False(t, p.Busy())
	assert.Zero(t, eng.MemoryInUse())

	results, err := collect(t, p, catRequest(1))
	require.NoError(t, err)
	assert.Equal(t, StageDecoding, results[len(results)-1].Stage)
}

func TestBusy(t *testing.T) {
	p := newPipeline(t, weightsDir(t), config.TierSequential, host.New(), nil)

	checked := false
	for res := range p.Generate(context.Background(), catRequest(1)) {
		if checked {
			continue
		}
		checked = true
		assert.Equal(t, StageTokenising, res.Stage)

		var errs []error
		for second, err := range p.Generate(context.Background(), catRequest(1)) {
			assert.Equal(t, Result{}, second)
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrBusy)
	}
	assert.True(t, checked)
}

func TestFailureReleasesExecutables(t *testing.T) {
	for _, tier := range []config.Tier{config.TierSequential, config.TierBatched} {
		t.Run(string(tier), func(t *testing.T) {
			eng := failingEngine{Engine: host.New(), graph: "denoise-stage-2"}
			p := newPipeline(t, weightsDir(t), tier, eng, nil)

			results, err := collect(t, p, catRequest(2))
			var de *engine.DeviceError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, "denoise-stage-2", de.Graph)

			last := results[len(results)-1]
			assert.Equal(t, Result{Stage: StageFailed}, last)
			assert.Zero(t, eng.MemoryInUse())
			assert.False(t, p.Busy())
		})
	}
}

func TestPreviewFailureIsNotFatal(t *testing.T) {
	eng := failingEngine{Engine: host.New(), graph: "preview-projector"}
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, nil)

	results, err := collect(t, p, catRequest(2))
	require.NoError(t, err)
	assert.Nil(t, results[3].Image)
	assert.NotNil(t, results[len(results)-1].Image)
}

func TestInvalidRequestFails(t *testing.T) {
	p := newPipeline(t, weightsDir(t), config.TierSequential, host.New(), nil)
	results, err := collect(t, p, Request{Prompt: "x", Steps: 0})
	require.Error(t, err)
	assert.Equal(t, []Result{{Stage: StageFailed}}, results)
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return img
}

func TestImageToImage(t *testing.T) {
	eng := host.New()
	tr := &captureTracer{}
	p := newPipeline(t, weightsDir(t), config.TierSequential, eng, tr)

	strength := float32(0.5)
	req := catRequest(4)
	req.Image = gradient(48, 40)
	req.Strength = &strength

	results, err := collect(t, p, req)
	require.NoError(t, err)
	assert.Equal(t, StageEncoding, results[1].Stage)
	require.NotNil(t, results[2].Image, "sequential tier shows the input image")
	assert.Equal(t, image.Rect(0, 0, 32, 32), results[2].Image.Bounds())
	assert.Len(t, tr.records, 2)
	assert.Equal(t, []int{251, 1}, []int{tr.records[0].Timestep, tr.records[1].Timestep})
	assert.Zero(t, eng.MemoryInUse())
}

func TestStrengthIgnoredWithoutImage(t *testing.T) {
	tr := &captureTracer{}
	p := newPipeline(t, weightsDir(t), config.TierSequential, host.New(), tr)

	strength := float32(0.25)
	req := catRequest(4)
	req.Strength = &strength
	results, err := collect(t, p, req)
	require.NoError(t, err)
	assert.Equal(t, StageNoise, results[1].Stage)
	assert.Len(t, tr.records, 4)
}

func TestStream(t *testing.T) {
	p := newPipeline(t, weightsDir(t), config.TierBatched, host.New(), nil)

	var events []Event
	for ev := range p.Stream(context.Background(), catRequest(2)) {
		events = append(events, ev)
	}
	require.Len(t, events, 6)
	assert.NoError(t, events[5].Err)
	assert.Equal(t, StageDecoding, events[5].Stage)
}

func TestNewMissingWeights(t *testing.T) {
	dir := t.TempDir()
	store := weights.NewStore(dir, false)
	provider := reference.New(store, reference.DefaultDims())
	_, err := New(testConfig(dir, config.TierSequential), Dependencies{Engine: host.New(), Provider: provider, Store: store})

	var cfgErr *weights.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestAutoTierUsesProbe(t *testing.T) {
	dir := weightsDir(t)
	store := weights.NewStore(dir, false)
	provider, err := reference.Open(store)
	require.NoError(t, err)

	small := func() (uint64, error) { return 6 << 30, nil }
	p, err := New(testConfig(dir, config.TierAuto), Dependencies{Engine: host.New(), Provider: provider, Store: store, Probe: small})
	require.NoError(t, err)
	assert.Equal(t, config.TierSequential, p.Tier())
}

func TestSlot(t *testing.T) {
	released := 0
	s := NewSlot("test", func(int) { released++ })
	assert.False(t, s.Loaded())

	builds := 0
	build := func() (int, error) {
		builds++
		return 7, nil
	}
	v, err := s.Load(build)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, _ = s.Load(build)
	assert.Equal(t, 1, builds)

	s.Unload()
	s.Unload()
	assert.Equal(t, 1, released)
	assert.False(t, s.Loaded())

	_, err = s.Load(func() (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.False(t, s.Loaded())
}

func TestRequestValidate(t *testing.T) {
	neg := float32(-0.1)
	ok := float32(1)
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{Steps: 28, GuidanceScale: 7.5}, false},
		{"strength one", Request{Steps: 28, Strength: &ok}, false},
		{"zero steps", Request{Steps: 0}, true},
		{"too many steps", Request{Steps: 1001}, true},
		{"negative strength", Request{Steps: 1, Strength: &neg}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
