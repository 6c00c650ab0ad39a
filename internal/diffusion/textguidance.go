package diffusion

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-naiad/internal/arch"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/tensor"
	"github.com/23skdu/longbow-naiad/internal/tokenizer"
)

// textGuidance encodes the anti-prompt and prompt into the unconditional and conditional
// text contexts.
type textGuidance struct {
	tok      *tokenizer.Tokenizer
	eng      engine.Engine
	provider arch.Provider
	opts     arch.Options
	slot     *Slot[*program]
}

func newTextGuidance(tok *tokenizer.Tokenizer, eng engine.Engine, p arch.Provider, opts arch.Options) *textGuidance {
	opts.Batch = 1
	return &textGuidance{
		tok:      tok,
		eng:      eng,
		provider: p,
		opts:     opts,
		slot:     NewSlot("text-encoder", releaseProgram),
	}
}

// run returns (uncond, cond), both named arch.Cond with shape [1, 77, D].
func (g *textGuidance) run(ctx context.Context, prompt, antiPrompt string) (tensor.Data, tensor.Data, error) {
	prog, err := g.slot.Load(func() (*program, error) {
		return compileProgram(ctx, g.eng, g.provider, arch.TextEncoder, g.opts)
	})
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	uncond, err := g.encode(ctx, prog, antiPrompt)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	cond, err := g.encode(ctx, prog, prompt)
	if err != nil {
		return tensor.Data{}, tensor.Data{}, err
	}
	return uncond, cond, nil
}

func (g *textGuidance) encode(ctx context.Context, prog *program, text string) (tensor.Data, error) {
	seq, err := g.tok.Encode(text)
	if err != nil {
		return tensor.Data{}, fmt.Errorf("tokenise: %w", err)
	}
	ids := tensor.FromInt32(arch.Tokens, []int{1, tokenizer.SequenceLength}, seq[:])
	emb, err := prog.callOne(ctx, arch.Embedding, ids)
	if err != nil {
		return tensor.Data{}, err
	}
	return emb.Named(arch.Cond), nil
}
