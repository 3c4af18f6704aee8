package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"doge-go/mqar"
)

func newMQARCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mqar",
		Short: "Multi-query associative recall benchmark",
	}
	cmd.AddCommand(newMQARPlanCmd(), newMQARGenCmd(), newMQAREvalCmd())
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMQARPlanCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the runs of the default sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweep := mqar.DefaultSweep()
			if asJSON {
				return writeJSON(cmd, sweep)
			}
			mqar.WritePlan(cmd.OutOrStdout(), sweep)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sweep as JSON")
	return cmd
}

func newMQARGenCmd() *cobra.Command {
	var (
		cfg      mqar.MQARConfig
		seed     uint64
		cacheDir string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a dataset split into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := mqar.GenerateMQAR(cfg, seed)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cacheDir, 0o755); err != nil {
				return err
			}
			path := mqar.CachePath(cacheDir, cfg, seed)
			if err := mqar.SaveSegment(path, seg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d examples to %s\n", seg.Len(), path)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.VocabSize, "vocab", mqar.SweepVocabSize, "Vocabulary size")
	cmd.Flags().IntVar(&cfg.InputSeqLen, "seq-len", 256, "Input sequence length")
	cmd.Flags().IntVar(&cfg.NumKVPairs, "kv", 8, "Key/value pairs per example")
	cmd.Flags().IntVar(&cfg.NumExamples, "examples", mqar.SweepTestExamples, "Number of examples")
	cmd.Flags().Float64Var(&cfg.PowerA, "power-a", mqar.SweepPowerA, "Power law exponent of query gaps")
	cmd.Flags().BoolVar(&cfg.RandomNonQueries, "random-non-queries", false, "Fill non-query positions with random tokens")
	cmd.Flags().Uint64Var(&seed, "seed", mqar.SweepSeed, "Generation seed")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "./cache", "Dataset cache directory")
	return cmd
}

func newMQAREvalCmd() *cobra.Command {
	var (
		opts   mqar.SweepOptions
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the sweep and print a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweep := mqar.DefaultSweep()
			runs := sweep.Runs
			if limit > 0 && limit < len(runs) {
				runs = runs[:limit]
			}
			if opts.CacheDir != "" {
				if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
					return err
				}
			}

			results, err := mqar.RunSweep(cmd.Context(), runs, opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, results)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s\n\n", sweep.Name)
			mqar.WriteReport(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoints", "", "Directory of <run_id>.safetensors checkpoints")
	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", "./cache", "Dataset cache directory (empty disables caching)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "Runs evaluated at once (0=GOMAXPROCS)")
	cmd.Flags().IntVar(&opts.NumExamples, "examples", 0, "Override the test split size")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "Show a progress bar when runs are sequential")
	cmd.Flags().IntVar(&limit, "limit", 0, "Evaluate only the first n runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
