package reference

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/engine/host"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/tokenizer"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

func openProvider(t *testing.T) *Provider {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, GenerateWeights(dir, DefaultDims(), 7, false))
	p, err := Open(weights.NewStore(dir, false))
	require.NoError(t, err)
	return p
}

func compile(t *testing.T, eng engine.Engine, p *Provider, id arch.GraphID, opts arch.Options) (engine.Executable, engine.Binding) {
	t.Helper()
	g, err := p.Graph(context.Background(), id, opts)
	require.NoError(t, err)
	exe, err := eng.Compile(context.Background(), g)
	require.NoError(t, err)
	b, err := engine.Bind(exe)
	require.NoError(t, err)
	return exe, b
}

func TestParametersVerify(t *testing.T) {
	p := openProvider(t)
	assert.NoError(t, p.store.Verify(p.Parameters()))
	assert.Equal(t, DefaultDims(), p.Dims())
}

func TestOpenMissingDims(t *testing.T) {
	_, err := Open(weights.NewStore(t.TempDir(), false))
	var cfgErr *weights.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestGeneratedVocabularyLoads(t *testing.T) {
	p := openProvider(t)
	tk, err := tokenizer.Load(p.store.Dir)
	require.NoError(t, err)
	seq, err := tk.Encode("a photo of a cat")
	require.NoError(t, err)

	text, err := tk.Decode(seq[:])
	require.NoError(t, err)
	assert.Equal(t, "a photo of a cat", text)
}

func TestUnknownGraph(t *testing.T) {
	p := openProvider(t)
	_, err := p.Graph(context.Background(), "nope", arch.Options{Batch: 1, LatentHeight: 4, LatentWidth: 4})
	assert.Error(t, err)
	_, err = p.Graph(context.Background(), arch.DenoiseStage0, arch.Options{Batch: 3, LatentHeight: 4, LatentWidth: 4})
	assert.Error(t, err)
}

// runStages drives the three denoiser stages with the binding for each executable.
func runStages(t *testing.T, eng engine.Engine, p *Provider, opts arch.Options, latent, cond, temb tensor.Data) tensor.Data {
	t.Helper()
	ctx := context.Background()
	in := []tensor.Data{latent, cond, temb}
	for _, id := range arch.Stages {
		exe, b := compile(t, eng, p, id, opts)
		var args []tensor.Data
		for _, name := range b.Names() {
			for _, x := range in {
				if x.Name == name {
					args = append(args, x)
				}
			}
		}
		out, err := engine.Call(ctx, exe, b, args...)
		require.NoError(t, err, "stage %s", id)
		in = append(out, cond)
		exe.Release()
	}
	eps, ok := engine.Outputs(in).Get(arch.Eps)
	require.True(t, ok)
	return eps
}

func TestStagesBatchIndependent(t *testing.T) {
	p := openProvider(t)
	eng := host.New()
	opts := arch.Options{Batch: 1, LatentHeight: 4, LatentWidth: 6}
	d := p.Dims()

	latent := eng.RandomNormal(arch.Latent, []int{1, 4, 6, 4}, 1)
	temb := eng.RandomNormal(arch.Temb, []int{1, 2 * d.TimeCoefficients}, 2)
	uncond := eng.RandomNormal(arch.Cond, []int{1, arch.SequenceLength, d.TextDim}, 3)
	cond := eng.RandomNormal(arch.Cond, []int{1, arch.SequenceLength, d.TextDim}, 4)

	epsU := runStages(t, eng, p, opts, latent, uncond, temb)
	epsC := runStages(t, eng, p, opts, latent, cond, temb)
	assert.Equal(t, []int{1, 4, 6, 4}, epsU.Shape)
	assert.NotEqual(t, epsU.Float32s(), epsC.Float32s())

	both, err := tensor.Concat(arch.Cond, []tensor.Data{uncond, cond}, 0)
	require.NoError(t, err)
	opts.Batch = 2
	eps := runStages(t, eng, p, opts, latent, both, temb)
	assert.Equal(t, []int{2, 4, 6, 4}, eps.Shape)

	u, _ := tensor.Slice("u", eps, 0, 0, 1)
	c, _ := tensor.Slice("c", eps, 0, 1, 1)
	assert.InDeltaSlice(t, epsU.Float32s(), u.Float32s(), 1e-5)
	assert.InDeltaSlice(t, epsC.Float32s(), c.Float32s(), 1e-5)

	assert.Zero(t, eng.MemoryInUse())
}

func TestMisboundSkipsChangeResult(t *testing.T) {
	p := openProvider(t)
	eng := host.New()
	opts := arch.Options{Batch: 1, LatentHeight: 4, LatentWidth: 4}
	d := p.Dims()
	ctx := context.Background()

	latent := eng.RandomNormal(arch.Latent, []int{1, 4, 4, 4}, 1)
	temb := eng.RandomNormal(arch.Temb, []int{1, 2 * d.TimeCoefficients}, 2)
	cond := eng.RandomNormal(arch.Cond, []int{1, arch.SequenceLength, d.TextDim}, 3)

	exe0, b0 := compile(t, eng, p, arch.DenoiseStage0, opts)
	out0, err := engine.Call(ctx, exe0, b0, latent, cond, temb)
	require.NoError(t, err)
	exe1, b1 := compile(t, eng, p, arch.DenoiseStage1, opts)
	out1, err := engine.Call(ctx, exe1, b1, append(out0, cond)...)
	require.NoError(t, err)

	exe2, b2 := compile(t, eng, p, arch.DenoiseStage2, opts)
	s0, _ := out1.Get(arch.Skip(0))
	s1, _ := out1.Get(arch.Skip(1))
	emb, _ := out1.Get(arch.Emb)
	h, _ := out1.Get(arch.Hidden)
	assert.Equal(t, s0.Shape, s1.Shape)

	good, err := engine.Call(ctx, exe2, b2, s0, s1, emb, h, cond)
	require.NoError(t, err)
	swapped, err := engine.Call(ctx, exe2, b2, s1.Named(arch.Skip(0)), s0.Named(arch.Skip(1)), emb, h, cond)
	require.NoError(t, err)

	ge, _ := good.Get(arch.Eps)
	se, _ := swapped.Get(arch.Eps)
	assert.NotEqual(t, ge.Float32s(), se.Float32s())
}

func TestCoders(t *testing.T) {
	p := openProvider(t)
	eng := host.New()
	ctx := context.Background()
	opts := arch.Options{Batch: 1, LatentHeight: 2, LatentWidth: 4}

	px := make([]byte, 16*32*4)
	for i := range px {
		px[i] = byte(i)
	}
	enc, be := compile(t, eng, p, arch.VAEEncoder, opts)
	out, err := engine.Call(ctx, enc, be, tensor.FromUint8(arch.Image, []int{1, 16, 32, 4}, px))
	require.NoError(t, err)
	moments, err := out.Must(enc.Name(), arch.Moments)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 8}, moments.Shape)

	latent := eng.RandomNormal(arch.Latent, []int{1, 2, 4, 4}, 5)
	dec, bd := compile(t, eng, p, arch.VAEDecoder, opts)
	out, err = engine.Call(ctx, dec, bd, latent)
	require.NoError(t, err)
	img, err := out.Must(dec.Name(), arch.Image)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 32, 3}, img.Shape)
	for _, v := range img.Float32s() {
		require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
	}

	prev, bp := compile(t, eng, p, arch.PreviewProjector, opts)
	out, err = engine.Call(ctx, prev, bp, latent)
	require.NoError(t, err)
	rgb, err := out.Must(prev.Name(), arch.Preview)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 3}, rgb.Shape)
}

func TestScaledLinearAlphas(t *testing.T) {
	a := ScaledLinearAlphas(1000, 0.00085, 0.012)
	assert.InDelta(t, 0.99915, a[0], 1e-6)
	assert.Less(t, a[999], float32(0.01))
}
