package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-naiad/internal/flight"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/server"
	"github.com/23skdu/longbow-naiad/internal/studio"
)

func newServeCmd() *cobra.Command {
	var (
		httpAddr   string
		flightAddr string
		upscale    int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve generations over HTTP, websocket and Arrow Flight",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("flight") {
				cfg.FlightAddr = flightAddr
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.pipeline.Close()
			st := studio.New(a.pipeline, imageio.ResampleUpscaler{Factor: upscale})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			if cfg.HTTPAddr != "" {
				srv := server.New(st, server.Options{Tier: string(a.pipeline.Tier()), DeviceMemory: a.engine.MemoryInUse})
				g.Go(func() error { return srv.Serve(ctx, cfg.HTTPAddr) })
			}
			if cfg.FlightAddr != "" {
				fs, err := flight.Listen(cfg.FlightAddr, flight.NewService(st))
				if err != nil {
					return err
				}
				g.Go(func() error { return fs.Serve(ctx) })
			}

			err = g.Wait()
			logger.Log.Info("naiad stopped")
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&httpAddr, "http", cfg.HTTPAddr, "HTTP listen address (empty disables)")
	f.StringVar(&flightAddr, "flight", cfg.FlightAddr, "Arrow Flight listen address (empty disables)")
	f.IntVar(&upscale, "upscale", imageio.DefaultUpscaleFactor, "upscale factor applied to finished images")
	return cmd
}
