package main

import (
	"fmt"

	"github.com/Andrej220/go-utils/mediasched"
	"github.com/Andrej220/go-utils/mediasched/config"
	"github.com/spf13/cobra"
)

func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode",
		Short: "Sample the host and print the adaptive profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}
			opts.FillDefaults()

			ctrl := mediasched.NewAdaptiveController(opts.Sampler, mediasched.ControllerOptions{
				Interval:   opts.AdaptiveInterval,
				MaxWorkers: opts.MaxWorkers,
				Thresholds: opts.Thresholds,
				Profiles:   opts.Profiles,
				ForcedMode: opts.ForcedMode,
			})
			p := ctrl.Evaluate(cmd.Context())
			s := ctrl.LastSample()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cpus:             %d\n", s.CPUCount)
			fmt.Fprintf(out, "load1:            %.2f\n", s.Load1)
			fmt.Fprintf(out, "memory:           %.1f%%\n", s.MemUsage*100)
			fmt.Fprintf(out, "class:            %s\n", opts.Thresholds.Classify(s))
			fmt.Fprintf(out, "mode:             %s (forced: %s)\n", p.Mode, ctrl.ForcedMode())
			fmt.Fprintf(out, "max concurrency:  %d\n", p.MaxConcurrency)
			fmt.Fprintf(out, "per-task threads: %d\n", p.PerTaskThreads)
			fmt.Fprintf(out, "preset:           %s\n", p.TransformPreset)
			fmt.Fprintf(out, "secondary work:   %t\n", p.SecondaryWork)
			return nil
		},
	}
}
