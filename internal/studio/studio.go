// Package studio is the request/response surface over one pipeline: it assigns request ids,
// applies the upscaler to the finished image and reports completion.
package studio

import (
	"context"
	"errors"
	"image"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/metrics"
)

// ProgressDone is reported with the upscaled image.
const ProgressDone = 1.0

// Generator is the part of a pipeline the studio drives.
type Generator interface {
	Generate(ctx context.Context, req diffusion.Request) iter.Seq2[diffusion.Result, error]
	Cancel()
	Busy() bool
}

// Studio owns one generator and one upscaler for the lifetime of the process.
type Studio struct {
	gen      Generator
	upscaler imageio.Upscaler
	started  time.Time
}

// New wraps gen. A nil upscaler passes the decoded image through unchanged.
func New(gen Generator, up imageio.Upscaler) *Studio {
	return &Studio{gen: gen, upscaler: up, started: time.Now()}
}

func (s *Studio) Cancel() { s.gen.Cancel() }

func (s *Studio) Busy() bool { return s.gen.Busy() }

func (s *Studio) Uptime() time.Duration { return time.Since(s.started) }

// Generate runs req under a new request id. Results are the pipeline's, followed by a final
// {image, 1.0, "Done"} once the decoded image has been upscaled.
func (s *Studio) Generate(ctx context.Context, req diffusion.Request) (string, iter.Seq2[diffusion.Result, error]) {
	id := uuid.NewString()
	log := logger.Log.With("request", id)
	return id, func(yield func(diffusion.Result, error) bool) {
		log.Info("generation requested", "seed", req.Seed, "steps", req.Steps, "image", req.Image != nil)
		upscaled := false
		for res, err := range s.gen.Generate(ctx, req) {
			if err != nil {
				if errors.Is(err, diffusion.ErrBusy) {
					log.Warn("rejected, pipeline busy")
				}
				yield(res, err)
				return
			}
			if !yield(res, nil) {
				return
			}
			if upscaled || res.Image == nil || res.Progress < diffusion.ProgressDecoding {
				continue
			}
			upscaled = true
			img := s.upscale(ctx, log, res.Image)
			if !yield(diffusion.Result{Image: img, Progress: ProgressDone, Stage: diffusion.StageDone}, nil) {
				return
			}
		}
	}
}

// upscale falls back to the decoded image when no upscaler is set or it fails.
func (s *Studio) upscale(ctx context.Context, log *logger.Logger, img *image.RGBA) *image.RGBA {
	if s.upscaler == nil {
		metrics.RecordUpscale(false)
		return img
	}
	start := time.Now()
	out, err := s.upscaler.Upscale(ctx, img)
	if err != nil || out == nil {
		log.Warn("upscale failed, returning decoded image", "error", err)
		metrics.RecordUpscale(false)
		return img
	}
	metrics.RecordUpscale(true)
	metrics.RecordStage("upscale", time.Since(start))
	log.Debug("upscaled", "from", img.Bounds().Size().String(), "to", out.Bounds().Size().String())
	return out
}

// Run drains a generation and returns the last image it produced together with the
// terminal stage.
func Run(results iter.Seq2[diffusion.Result, error], progress func(diffusion.Result)) (*image.RGBA, string, error) {
	var (
		img   *image.RGBA
		stage string
	)
	for res, err := range results {
		if err != nil {
			return nil, res.Stage, err
		}
		if progress != nil {
			progress(res)
		}
		stage = res.Stage
		if res.Image != nil {
			img = res.Image
		}
	}
	if stage == diffusion.StageCancelled {
		img = nil
	}
	return img, stage, nil
}
