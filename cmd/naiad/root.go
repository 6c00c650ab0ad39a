package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-naiad/internal/arch/reference"
	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/engine"
	"github.com/23skdu/longbow-naiad/internal/engine/host"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/trace"
	"github.com/23skdu/longbow-naiad/internal/weights"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	weightsDir   string
	tier         string
	latentSize   int
	lowMemoryGB  float64
	fp32         bool
	shuffleSlots bool
	logLevel     string
	logFormat    string
	traceDir     string
}

var cfg = config.Default()

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "naiad",
		Short:         "Local text-to-image diffusion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, g)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.weightsDir, "weights", cfg.WeightsDir, "weights directory")
	f.StringVar(&g.tier, "tier", string(cfg.Tier), "execution tier: auto, sequential or batched")
	f.IntVar(&g.latentSize, "latent-size", cfg.LatentHeight, "latent grid side (image side is 8x)")
	f.Float64Var(&g.lowMemoryGB, "low-memory-gb", float64(cfg.LowMemoryThreshold)/(1<<30), "memory below which auto picks the sequential tier")
	f.BoolVar(&g.fp32, "fp32", false, "read <name>_fp32.bin weights")
	f.BoolVar(&g.shuffleSlots, "shuffle-slots", false, "permute executable input order (binding check)")
	f.StringVar(&g.logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&g.logFormat, "log-format", cfg.LogFormat, "console or json")
	f.StringVar(&g.traceDir, "trace-dir", "", "write an Arrow IPC step trace per generation to this directory")

	root.AddCommand(newGenerateCmd(), newServeCmd(), newTokenizeCmd(), newWeightsCmd(), newTraceCmd())
	return root
}

// loadConfig layers defaults, NAIAD_* variables and explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command, g globalFlags) error {
	c := config.Default()
	if err := config.FromEnv(&c); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("weights") {
		c.WeightsDir = g.weightsDir
	}
	if flags.Changed("tier") {
		c.Tier = config.Tier(g.tier)
	}
	if flags.Changed("latent-size") {
		c.LatentHeight, c.LatentWidth = g.latentSize, g.latentSize
	}
	if flags.Changed("low-memory-gb") {
		c.LowMemoryThreshold = uint64(g.lowMemoryGB * (1 << 30))
	}
	if flags.Changed("fp32") {
		c.FP32Weights = g.fp32
	}
	if flags.Changed("shuffle-slots") {
		c.ShuffleSlots = g.shuffleSlots
	}
	if flags.Changed("log-level") {
		c.LogLevel = g.logLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = g.logFormat
	}
	if flags.Changed("trace-dir") {
		c.TraceDir = g.traceDir
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Setup(c.LogLevel, c.LogFormat)
	cfg = c
	return nil
}

// app bundles a pipeline with the engine it runs on.
type app struct {
	pipeline *diffusion.Pipeline
	engine   engine.Engine
}

func newApp(c config.Config) (*app, error) {
	store := weights.NewStore(c.WeightsDir, c.FP32Weights)
	provider, err := reference.Open(store)
	if err != nil {
		return nil, err
	}

	var opts []host.Option
	if c.ShuffleSlots {
		opts = append(opts, host.WithShuffledSlots(1))
	}
	eng := host.New(opts...)

	deps := diffusion.Dependencies{Engine: eng, Provider: provider, Store: store}
	if c.TraceDir != "" {
		w, err := trace.New(c.TraceDir)
		if err != nil {
			return nil, err
		}
		deps.Tracer = w
	}
	p, err := diffusion.New(c, deps)
	if err != nil {
		return nil, fmt.Errorf("load pipeline from %s: %w", c.WeightsDir, err)
	}
	return &app{pipeline: p, engine: eng}, nil
}
