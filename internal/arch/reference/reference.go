// Package reference is a small host-kernel model that implements every sub-graph of the
// diffusion architecture over weights from a weights directory. It keeps the data flow of
// the real network (text context, time embedding, a three-stage denoiser with saved skip
// activations, image encoder and decoder) at a size that runs on a CPU in milliseconds.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

// DimsFile records the model dimensions next to the weights.
const DimsFile = "reference.json"

// Parameter names.
const (
	TokenEmbedding    = "text.token_embedding"
	PositionEmbedding = "text.position_embedding"
	TimeCoefficients  = "temb_coefficients"
	AlphasCumprod     = "alphas_cumprod"
	TimeWeight        = "unet.time.weight"
	CondWeight        = "unet.cond.weight"
	InWeight          = "unet.in.weight"
	InBias            = "unet.in.bias"
	OutWeight         = "unet.out.weight"
	OutBias           = "unet.out.bias"
	EncoderWeight     = "vae.encoder.weight"
	EncoderBias       = "vae.encoder.bias"
	DecoderWeight     = "vae.decoder.weight"
	DecoderBias       = "vae.decoder.bias"
	PreviewWeight     = "aux_output_conv.weight"
	PreviewBias       = "aux_output_conv.bias"
)

// Skips is the number of activations stage 0 saves for the later stages.
const Skips = 3

type Dims struct {
	Vocab            int `json:"vocab"`
	TextDim          int `json:"text_dim"`
	Channels         int `json:"channels"`
	TimeCoefficients int `json:"time_coefficients"`
}

func DefaultDims() Dims {
	return Dims{Vocab: 1024, TextDim: 16, Channels: 8, TimeCoefficients: 8}
}

func (d Dims) Validate() error {
	if d.Vocab <= 0 || d.TextDim <= 0 || d.Channels <= 0 || d.TimeCoefficients <= 0 {
		return fmt.Errorf("invalid dims: %+v (must all be positive)", d)
	}
	return nil
}

type Provider struct {
	store *weights.Store
	dims  Dims
}

func New(store *weights.Store, dims Dims) *Provider {
	return &Provider{store: store, dims: dims}
}

// Open reads the dimensions recorded in the store's directory.
func Open(store *weights.Store) (*Provider, error) {
	path := filepath.Join(store.Dir, DimsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	var d Dims
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	if err := d.Validate(); err != nil {
		return nil, &weights.ConfigurationError{Resource: path, Err: err}
	}
	return New(store, d), nil
}

func (p *Provider) Dims() Dims { return p.dims }

func (p *Provider) Parameters() []string {
	return []string{
		TokenEmbedding, PositionEmbedding, TimeCoefficients, AlphasCumprod,
		TimeWeight, CondWeight, InWeight, InBias, OutWeight, OutBias,
		EncoderWeight, EncoderBias, DecoderWeight, DecoderBias, PreviewWeight, PreviewBias,
	}
}

func (p *Provider) Graph(_ context.Context, id arch.GraphID, opts arch.Options) (engine.Graph, error) {
	if err := opts.Validate(); err != nil {
		return engine.Graph{}, err
	}
	switch id {
	case arch.TimeEmbed:
		return p.timeEmbed()
	case arch.TextEncoder:
		return p.textEncoder()
	case arch.DenoiseStage0:
		return p.stage0(opts)
	case arch.DenoiseStage1:
		return p.stage1(opts)
	case arch.DenoiseStage2:
		return p.stage2(opts)
	case arch.VAEEncoder:
		return p.vaeEncoder(opts)
	case arch.VAEDecoder:
		return p.vaeDecoder(opts)
	case arch.PreviewProjector:
		return p.previewProjector(opts)
	}
	return engine.Graph{}, fmt.Errorf("unknown graph %q", id)
}

// loader accumulates the first error and the resident size of the weights it reads.
type loader struct {
	store *weights.Store
	bytes int64
	err   error
}

func (l *loader) get(name string, shape ...int) []float32 {
	if l.err != nil {
		return nil
	}
	t, err := l.store.Load(name, shape...)
	if err != nil {
		l.err = err
		return nil
	}
	l.bytes += int64(len(t.Bytes))
	return t.Float32s()
}

func f32(name string, shape ...int) tensor.Slot {
	return tensor.Slot{Name: name, Shape: shape, DType: tensor.Float32}
}

func out(name string, shape []int, v []float32) tensor.Data {
	return tensor.FromFloat32(name, tensor.Float32, shape, v)
}

func (p *Provider) timeEmbed() (engine.Graph, error) {
	k := p.dims.TimeCoefficients
	l := &loader{store: p.store}
	coeff := l.get(TimeCoefficients, k)
	if l.err != nil {
		return engine.Graph{}, l.err
	}
	return engine.Graph{
		Name:    string(arch.TimeEmbed),
		Inputs:  []tensor.Slot{{Name: arch.Timestep, Shape: []int{1}, DType: tensor.Int32}},
		Outputs: []tensor.Slot{f32(arch.Temb, 1, 2*k)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			t := float64(in[arch.Timestep].Int32s()[0])
			v := make([]float32, 2*k)
			for i, c := range coeff {
				v[i] = float32(math.Cos(t * float64(c)))
				v[k+i] = float32(math.Sin(t * float64(c)))
			}
			return []tensor.Data{out(arch.Temb, []int{1, 2 * k}, v)}, nil
		},
	}, nil
}

func (p *Provider) textEncoder() (engine.Graph, error) {
	vocab, dim, seq := p.dims.Vocab, p.dims.TextDim, arch.SequenceLength
	l := &loader{store: p.store}
	tok := l.get(TokenEmbedding, vocab, dim)
	pos := l.get(PositionEmbedding, seq, dim)
	if l.err != nil {
		return engine.Graph{}, l.err
	}
	return engine.Graph{
		Name:    string(arch.TextEncoder),
		Inputs:  []tensor.Slot{{Name: arch.Tokens, Shape: []int{1, seq}, DType: tensor.Int32}},
		Outputs: []tensor.Slot{f32(arch.Embedding, 1, seq, dim)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			ids := in[arch.Tokens].Int32s()
			v := make([]float32, seq*dim)
			for s, id := range ids {
				row := ((int(id) % vocab) + vocab) % vocab
				for d := 0; d < dim; d++ {
					v[s*dim+d] = tanh(tok[row*dim+d] + pos[s*dim+d])
				}
			}
			return []tensor.Data{out(arch.Embedding, []int{1, seq, dim}, v)}, nil
		},
	}, nil
}

// condProjector reduces each batch entry of the text context to a channel vector.
func (p *Provider) condProjector(l *loader) func(cond []float32, b int) []float32 {
	dim, ch, seq := p.dims.TextDim, p.dims.Channels, arch.SequenceLength
	w := l.get(CondWeight, dim, ch)
	return func(cond []float32, b int) []float32 {
		mean := make([]float32, dim)
		rows := cond[b*seq*dim : (b+1)*seq*dim]
		for s := 0; s < seq; s++ {
			for d := 0; d < dim; d++ {
				mean[d] += rows[s*dim+d] / float32(seq)
			}
		}
		return matVec(mean, w, ch)
	}
}

type stageShape struct {
	batch, h, w, ch int
}

func (p *Provider) shape(opts arch.Options) stageShape {
	return stageShape{batch: opts.Batch, h: opts.LatentHeight, w: opts.LatentWidth, ch: p.dims.Channels}
}

func (s stageShape) full() []int { return []int{s.batch, s.h, s.w, s.ch} }
func (s stageShape) half() []int { return []int{s.batch, s.h / 2, s.w / 2, s.ch} }

func (p *Provider) condSlot(batch int) tensor.Slot {
	return f32(arch.Cond, batch, arch.SequenceLength, p.dims.TextDim)
}

func (p *Provider) stage0(opts arch.Options) (engine.Graph, error) {
	s := p.shape(opts)
	k2 := 2 * p.dims.TimeCoefficients
	l := &loader{store: p.store}
	wt := l.get(TimeWeight, k2, s.ch)
	win := l.get(InWeight, 4, s.ch)
	bin := l.get(InBias, s.ch)
	project := p.condProjector(l)
	if l.err != nil {
		return engine.Graph{}, l.err
	}

	return engine.Graph{
		Name: string(arch.DenoiseStage0),
		Inputs: []tensor.Slot{
			f32(arch.Latent, 1, s.h, s.w, 4),
			p.condSlot(s.batch),
			f32(arch.Temb, 1, k2),
		},
		Outputs: []tensor.Slot{
			f32(arch.Skip(0), s.full()...),
			f32(arch.Skip(1), s.full()...),
			f32(arch.Skip(2), s.half()...),
			f32(arch.Emb, 1, s.ch),
			f32(arch.Hidden, s.half()...),
		},
		Bytes: l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			cond := in[arch.Cond].Float32s()
			emb := matVec(in[arch.Temb].Float32s(), wt, s.ch)
			for i := range emb {
				emb[i] = silu(emb[i])
			}
			// The latent is shared by every conditioning entry.
			base := conv1x1(in[arch.Latent].Float32s(), 4, win, bin, s.ch)

			per := s.h * s.w * s.ch
			skip0 := make([]float32, s.batch*per)
			skip1 := make([]float32, s.batch*per)
			for b := 0; b < s.batch; b++ {
				x := skip0[b*per : (b+1)*per]
				copy(x, base)
				addChannels(x, emb, 1)
				addChannels(x, project(cond, b), 1)
			}
			for i, v := range skip0 {
				skip1[i] = tanh(v)
			}
			skip2 := avgPool(skip1, s.batch, s.h, s.w, s.ch, 2)

			halfPer := per / 4
			h := make([]float32, len(skip2))
			for b := 0; b < s.batch; b++ {
				x := h[b*halfPer : (b+1)*halfPer]
				for i := range x {
					x[i] = 0.5 * skip2[b*halfPer+i]
				}
				addChannels(x, project(cond, b), 1)
			}

			return []tensor.Data{
				out(arch.Skip(0), s.full(), skip0),
				out(arch.Skip(1), s.full(), skip1),
				out(arch.Skip(2), s.half(), skip2),
				out(arch.Emb, []int{1, s.ch}, emb),
				out(arch.Hidden, s.half(), h),
			}, nil
		},
	}, nil
}

func (p *Provider) stage1(opts arch.Options) (engine.Graph, error) {
	s := p.shape(opts)
	l := &loader{store: p.store}
	project := p.condProjector(l)
	if l.err != nil {
		return engine.Graph{}, l.err
	}

	return engine.Graph{
		Name: string(arch.DenoiseStage1),
		Inputs: []tensor.Slot{
			f32(arch.Skip(0), s.full()...),
			f32(arch.Skip(1), s.full()...),
			f32(arch.Skip(2), s.half()...),
			f32(arch.Emb, 1, s.ch),
			f32(arch.Hidden, s.half()...),
			p.condSlot(s.batch),
		},
		Outputs: []tensor.Slot{
			f32(arch.Skip(0), s.full()...),
			f32(arch.Skip(1), s.full()...),
			f32(arch.Emb, 1, s.ch),
			f32(arch.Hidden, s.full()...),
		},
		Bytes: l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			cond := in[arch.Cond].Float32s()
			emb := in[arch.Emb].Float32s()
			h := in[arch.Hidden].Float32s()
			for i, v := range in[arch.Skip(2)].Float32s() {
				h[i] += v
			}
			up := upsampleNearest(h, s.batch, s.h/2, s.w/2, s.ch, 2)
			per := s.h * s.w * s.ch
			for b := 0; b < s.batch; b++ {
				x := up[b*per : (b+1)*per]
				addChannels(x, emb, 1)
				addChannels(x, project(cond, b), 0.1)
			}
			return []tensor.Data{
				in[arch.Skip(0)],
				in[arch.Skip(1)],
				in[arch.Emb],
				out(arch.Hidden, s.full(), up),
			}, nil
		},
	}, nil
}

func (p *Provider) stage2(opts arch.Options) (engine.Graph, error) {
	s := p.shape(opts)
	l := &loader{store: p.store}
	wout := l.get(OutWeight, s.ch, 4)
	bout := l.get(OutBias, 4)
	project := p.condProjector(l)
	if l.err != nil {
		return engine.Graph{}, l.err
	}

	return engine.Graph{
		Name: string(arch.DenoiseStage2),
		Inputs: []tensor.Slot{
			f32(arch.Skip(0), s.full()...),
			f32(arch.Skip(1), s.full()...),
			f32(arch.Emb, 1, s.ch),
			f32(arch.Hidden, s.full()...),
			p.condSlot(s.batch),
		},
		Outputs: []tensor.Slot{f32(arch.Eps, s.batch, s.h, s.w, 4)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			cond := in[arch.Cond].Float32s()
			h := in[arch.Hidden].Float32s()
			// skip.1 and skip.0 have the same shape; they are weighted differently so a
			// misbound pair changes the result.
			for i, v := range in[arch.Skip(1)].Float32s() {
				h[i] += v
			}
			for i, v := range in[arch.Skip(0)].Float32s() {
				h[i] -= 0.5 * v
			}
			per := s.h * s.w * s.ch
			for b := 0; b < s.batch; b++ {
				addChannels(h[b*per:(b+1)*per], project(cond, b), 0.05)
			}
			for i, v := range h {
				h[i] = silu(v)
			}
			eps := conv1x1(h, s.ch, wout, bout, 4)
			return []tensor.Data{out(arch.Eps, []int{s.batch, s.h, s.w, 4}, eps)}, nil
		},
	}, nil
}

func (p *Provider) vaeEncoder(opts arch.Options) (engine.Graph, error) {
	ih, iw := opts.ImageHeight(), opts.ImageWidth()
	l := &loader{store: p.store}
	w := l.get(EncoderWeight, 3, 8)
	b := l.get(EncoderBias, 8)
	if l.err != nil {
		return engine.Graph{}, l.err
	}
	return engine.Graph{
		Name:    string(arch.VAEEncoder),
		Inputs:  []tensor.Slot{{Name: arch.Image, Shape: []int{1, ih, iw, 4}, DType: tensor.Uint8}},
		Outputs: []tensor.Slot{f32(arch.Moments, 1, opts.LatentHeight, opts.LatentWidth, 8)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			px := in[arch.Image].Bytes
			rgb := make([]float32, ih*iw*3)
			for p := 0; p < ih*iw; p++ {
				for c := 0; c < 3; c++ {
					rgb[p*3+c] = float32(px[p*4+c])/127.5 - 1
				}
			}
			pooled := avgPool(rgb, 1, ih, iw, 3, 8)
			moments := conv1x1(pooled, 3, w, b, 8)
			return []tensor.Data{out(arch.Moments, []int{1, opts.LatentHeight, opts.LatentWidth, 8}, moments)}, nil
		},
	}, nil
}

func (p *Provider) vaeDecoder(opts arch.Options) (engine.Graph, error) {
	lh, lw := opts.LatentHeight, opts.LatentWidth
	l := &loader{store: p.store}
	w := l.get(DecoderWeight, 4, 3)
	b := l.get(DecoderBias, 3)
	if l.err != nil {
		return engine.Graph{}, l.err
	}
	return engine.Graph{
		Name:    string(arch.VAEDecoder),
		Inputs:  []tensor.Slot{f32(arch.Latent, 1, lh, lw, 4)},
		Outputs: []tensor.Slot{f32(arch.Image, 1, opts.ImageHeight(), opts.ImageWidth(), 3)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			x := in[arch.Latent].Float32s()
			for i := range x {
				x[i] /= arch.LatentScale
			}
			rgb := conv1x1(x, 4, w, b, 3)
			for i, v := range rgb {
				rgb[i] = tanh(v)
			}
			img := upsampleNearest(rgb, 1, lh, lw, 3, 8)
			return []tensor.Data{out(arch.Image, []int{1, opts.ImageHeight(), opts.ImageWidth(), 3}, img)}, nil
		},
	}, nil
}

func (p *Provider) previewProjector(opts arch.Options) (engine.Graph, error) {
	lh, lw := opts.LatentHeight, opts.LatentWidth
	l := &loader{store: p.store}
	w := l.get(PreviewWeight, 4, 3)
	b := l.get(PreviewBias, 3)
	if l.err != nil {
		return engine.Graph{}, l.err
	}
	return engine.Graph{
		Name:    string(arch.PreviewProjector),
		Inputs:  []tensor.Slot{f32(arch.Latent, 1, lh, lw, 4)},
		Outputs: []tensor.Slot{f32(arch.Preview, 1, lh, lw, 3)},
		Bytes:   l.bytes,
		Kernel: func(_ context.Context, in map[string]tensor.Data) ([]tensor.Data, error) {
			rgb := conv1x1(in[arch.Latent].Float32s(), 4, w, b, 3)
			return []tensor.Data{out(arch.Preview, []int{1, lh, lw, 3}, rgb)}, nil
		},
	}, nil
}
