// Package diffusion runs the text-to-image generation loop: prompt encoding, latent
// initialisation, guided denoising over a memory-tiered staged network and decoding.
package diffusion

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/23skdu/longbow-naiad/internal/scheduler"
)

// ErrBusy is returned when a generation is already running on the pipeline.
var ErrBusy = errors.New("pipeline busy: a generation is already running")

// Stage labels reported in results.
const (
	StageTokenising = "Tokenising"
	StageNoise      = "Generating noise"
	StageEncoding   = "Encoding image"
	StageStarting   = "Starting diffusion"
	StageDecoding   = "Decoding"
	StageCancelled  = "Cancelled"
	StageFailed     = "Failed"
	StageDone       = "Done"
)

// Progress checkpoints.
const (
	ProgressNoise    = 0.05
	ProgressStarting = 0.1
	ProgressDecoding = 0.97
)

// Request describes one generation.
type Request struct {
	Prompt     string
	AntiPrompt string
	// Image optionally seeds the latent. Strength is ignored without it.
	Image    image.Image
	Strength *float32
	Seed     int64
	Steps    int
	// GuidanceScale multiplies the conditional/unconditional difference before saturation.
	GuidanceScale float32
}

func (r Request) Validate() error {
	if r.Steps < 1 || r.Steps > scheduler.TrainSteps {
		return fmt.Errorf("invalid steps: %d (must be 1..%d)", r.Steps, scheduler.TrainSteps)
	}
	if r.Strength != nil && (*r.Strength < 0 || *r.Strength > 1 || math.IsNaN(float64(*r.Strength))) {
		return fmt.Errorf("invalid strength: %v (must be in [0, 1])", *r.Strength)
	}
	if math.IsNaN(float64(r.GuidanceScale)) || math.IsInf(float64(r.GuidanceScale), 0) {
		return fmt.Errorf("invalid guidance scale: %v (must be finite)", r.GuidanceScale)
	}
	return nil
}

// imageToImage reports whether the request seeds the latent from its image.
func (r Request) imageToImage() bool {
	return r.Image != nil && r.Strength != nil
}

// Result is one progress event. Image may be nil.
type Result struct {
	Image    *image.RGBA
	Progress float64
	Stage    string
}

// Event pairs a result with the error that ended the generation, if any.
type Event struct {
	Result
	Err error
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 10 {
	case 1:
		suffix = "st"
	case 2:
		suffix = "nd"
	case 3:
		suffix = "rd"
	}
	if n%100 >= 11 && n%100 <= 13 {
		suffix = "th"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
