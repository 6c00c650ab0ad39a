package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-naiad/internal/arch/reference"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/tokenizer"
	"github.com/23skdu/longbow-naiad/internal/trace"
)

func newTokenizeCmd() *cobra.Command {
	var decode bool
	cmd := &cobra.Command{
		Use:   "tokenize TEXT...",
		Short: "Print the 77 token ids for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenizer.Load(cfg.WeightsDir)
			if err != nil {
				return err
			}
			seq, err := tok.Encode(strings.Join(args, " "))
			if err != nil {
				return err
			}
			ids := make([]string, len(seq))
			for i, id := range seq {
				ids[i] = strconv.Itoa(int(id))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(ids, " "))
			if decode {
				text, err := tok.Decode(seq[:])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&decode, "decode", false, "also print the ids decoded back to text")
	return cmd
}

func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Manage weights directories",
	}

	var (
		seed int64
		dims = reference.DefaultDims()
	)
	initCmd := &cobra.Command{
		Use:   "init DIR",
		Short: "Write a deterministic reference weights directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := reference.GenerateWeights(args[0], dims, seed, cfg.FP32Weights); err != nil {
				return err
			}
			logger.Log.Info("reference weights written", "dir", args[0], "seed", seed, "fp32", cfg.FP32Weights)
			return nil
		},
	}
	f := initCmd.Flags()
	f.Int64Var(&seed, "seed", 1, "parameter seed")
	f.IntVar(&dims.Vocab, "vocab", dims.Vocab, "token embedding rows")
	f.IntVar(&dims.TextDim, "text-dim", dims.TextDim, "text embedding width")
	f.IntVar(&dims.Channels, "channels", dims.Channels, "denoiser feature channels")
	f.IntVar(&dims.TimeCoefficients, "time-coefficients", dims.TimeCoefficients, "sinusoidal time feature pairs")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the weights directory holds every parameter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			a.pipeline.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (tier %s)\n", cfg.WeightsDir, a.pipeline.Tier())
			return nil
		},
	}

	cmd.AddCommand(initCmd, verifyCmd)
	return cmd
}

func newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace FILE",
		Short: "Summarise an Arrow IPC step trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := trace.Read(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "prompt %q seed %s steps %s guidance %s tier %s\n",
				f.Metadata[trace.MetaPrompt], f.Metadata[trace.MetaSeed], f.Metadata[trace.MetaSteps],
				f.Metadata[trace.MetaGuidance], f.Metadata[trace.MetaTier])

			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"STEP", "T", "MS", "MIN", "MAX", "MEAN", "RMS", "NAN", "INF"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("  ")
			for _, s := range f.Steps {
				table.Append([]string{
					strconv.Itoa(s.Index + 1),
					strconv.Itoa(s.Timestep),
					fmt.Sprintf("%.1f", float64(s.Duration.Microseconds())/1000),
					fmt.Sprintf("%.4f", s.Stats.Min),
					fmt.Sprintf("%.4f", s.Stats.Max),
					fmt.Sprintf("%.4f", s.Stats.Mean),
					fmt.Sprintf("%.4f", s.Stats.RMS),
					strconv.Itoa(s.Stats.NaNs),
					strconv.Itoa(s.Stats.Infs),
				})
			}
			table.Render()
			return nil
		},
	}
}
