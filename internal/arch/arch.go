// Package arch names the sub-graphs of the diffusion model and the tensors they exchange.
package arch

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-naiad/internal/engine"
)

type GraphID string

const (
	TextEncoder      GraphID = "text-encoder"
	DenoiseStage0    GraphID = "denoise-stage-0"
	DenoiseStage1    GraphID = "denoise-stage-1"
	DenoiseStage2    GraphID = "denoise-stage-2"
	VAEEncoder       GraphID = "vae-encoder"
	VAEDecoder       GraphID = "vae-decoder"
	PreviewProjector GraphID = "preview-projector"
	TimeEmbed        GraphID = "time-embed"
)

// Stages lists the denoiser sub-graphs in execution order.
var Stages = []GraphID{DenoiseStage0, DenoiseStage1, DenoiseStage2}

// Tensor names shared between the pipeline and every provider.
const (
	Tokens    = "tokens"
	Embedding = "embedding"
	Timestep  = "t"
	Temb      = "temb"
	Latent    = "latent"
	Cond      = "cond"
	Emb       = "emb"
	Hidden    = "h"
	Eps       = "eps"
	Image     = "image"
	Moments   = "moments"
	Preview   = "preview"
)

// Skip names the i-th saved activation of the denoiser's downward path.
func Skip(i int) string {
	return fmt.Sprintf("skip.%d", i)
}

// SequenceLength is the fixed text context length.
const SequenceLength = 77

// LatentScale converts between image space and the decoder's latent space.
const LatentScale float32 = 0.18215

// Options select the shapes a graph is built for.
type Options struct {
	// Batch is the conditioning batch: 1 for the sequential tier, 2 for the batched tier.
	Batch        int
	LatentHeight int
	LatentWidth  int
}

// ImageHeight and ImageWidth are the decoded image size.
func (o Options) ImageHeight() int { return o.LatentHeight * 8 }
func (o Options) ImageWidth() int  { return o.LatentWidth * 8 }

func (o Options) Validate() error {
	if o.Batch != 1 && o.Batch != 2 {
		return fmt.Errorf("invalid batch: %d (must be 1 or 2)", o.Batch)
	}
	if o.LatentHeight <= 0 || o.LatentWidth <= 0 || o.LatentHeight%2 != 0 || o.LatentWidth%2 != 0 {
		return fmt.Errorf("invalid latent size: %dx%d (must be positive and even)", o.LatentHeight, o.LatentWidth)
	}
	return nil
}

// Provider builds compilable graphs for a model.
type Provider interface {
	Graph(ctx context.Context, id GraphID, opts Options) (engine.Graph, error)
	// Parameters lists every weight the model needs, for start-up verification.
	Parameters() []string
}
