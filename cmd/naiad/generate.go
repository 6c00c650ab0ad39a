package main

import (
	"context"
	"fmt"
	"iter"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/flight"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/studio"
)

type generateFlags struct {
	prompt     string
	antiPrompt string
	seed       int64
	steps      int
	guidance   float32
	image      string
	strength   float32
	out        string
	remote     string
	noUpscale  bool
	upscale    int
}

func newGenerateCmd() *cobra.Command {
	var g generateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one image and write it as PNG",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := g.request(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if g.remote != "" {
				return generateRemote(ctx, g, req)
			}
			return generateLocal(ctx, g, req)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&g.prompt, "prompt", "p", "", "text prompt")
	f.StringVar(&g.antiPrompt, "anti-prompt", "", "negative prompt")
	f.Int64Var(&g.seed, "seed", 0, "noise seed")
	f.IntVar(&g.steps, "steps", 28, "denoising steps (1..1000)")
	f.Float32Var(&g.guidance, "guidance", 7.5, "classifier-free guidance scale")
	f.StringVar(&g.image, "image", "", "input image for image-to-image")
	f.Float32Var(&g.strength, "strength", 0.75, "how far to noise the input image (0..1)")
	f.StringVarP(&g.out, "out", "o", "naiad.png", "output PNG path")
	f.StringVar(&g.remote, "remote", "", "Flight address of a naiad server (host:port)")
	f.BoolVar(&g.noUpscale, "no-upscale", false, "write the decoded image without upscaling")
	f.IntVar(&g.upscale, "upscale", imageio.DefaultUpscaleFactor, "upscale factor")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func (g generateFlags) request(cmd *cobra.Command) (diffusion.Request, error) {
	req := diffusion.Request{
		Prompt:        g.prompt,
		AntiPrompt:    g.antiPrompt,
		Seed:          g.seed,
		Steps:         g.steps,
		GuidanceScale: g.guidance,
	}
	if g.image != "" {
		img, err := imageio.ReadFile(g.image)
		if err != nil {
			return req, fmt.Errorf("read input image: %w", err)
		}
		strength := g.strength
		req.Image, req.Strength = img, &strength
	} else if cmd.Flags().Changed("strength") {
		logger.Log.Warn("--strength has no effect without --image")
	}
	return req, req.Validate()
}

func generateLocal(ctx context.Context, g generateFlags, req diffusion.Request) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.pipeline.Close()

	var up imageio.Upscaler
	if !g.noUpscale {
		up = imageio.ResampleUpscaler{Factor: g.upscale}
	}
	id, results := studio.New(a.pipeline, up).Generate(ctx, req)
	logger.Log.Info("generating", "request", id, "tier", string(a.pipeline.Tier()))
	return finish(results, g.out)
}

func generateRemote(ctx context.Context, g generateFlags, req diffusion.Request) error {
	c, err := flight.Dial(g.remote)
	if err != nil {
		return err
	}
	defer c.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := c.Cancel(context.Background()); err != nil {
				logger.Log.Warn("remote cancel", "error", err)
			}
		case <-done:
		}
	}()
	return finish(c.Generate(ctx, req), g.out)
}

func finish(results iter.Seq2[diffusion.Result, error], out string) error {
	img, stage, err := studio.Run(results, func(r diffusion.Result) {
		logger.Log.Info(r.Stage, "progress", fmt.Sprintf("%.0f%%", r.Progress*100))
	})
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("generation ended without an image (%s)", stage)
	}
	if err := imageio.WriteFile(out, img); err != nil {
		return err
	}
	logger.Log.Info("image written", "path", out, "size", img.Bounds().Size().String())
	return nil
}
