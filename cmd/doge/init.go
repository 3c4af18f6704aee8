package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"doge-go/purego/tensor"
)

func newInitCmd() *cobra.Command {
	var (
		configPath string
		out        string
		seed       uint64
		dtype      string
		task       string
		numLabels  int
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialized checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := tensor.NewDogeConfig()
			if configPath != "" {
				var err error
				if config, err = tensor.LoadModelConfig(configPath); err != nil {
					return err
				}
			}

			dtype = strings.ToUpper(dtype)
			switch task {
			case "causal-lm":
				lm, err := tensor.NewDogeForCausalLM(config)
				if err != nil {
					return err
				}
				lm.InitWeights(seed)
				if err := tensor.SaveCausalLM(lm, out, dtype); err != nil {
					return err
				}
			case "classification":
				if cmd.Flags().Changed("num-labels") || config.NumLabels < 1 {
					config.NumLabels = numLabels
				}
				clf, err := tensor.NewDogeForSequenceClassification(config)
				if err != nil {
					return err
				}
				clf.InitWeights(seed)
				if err := tensor.SaveSequenceClassifier(clf, out, dtype); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown task %q (want causal-lm or classification)", task)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s checkpoint to %s (%s, seed %d)\n", task, out, dtype, seed)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config.json to initialize from (default hyperparameters when empty)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output directory")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "Initialization seed")
	cmd.Flags().StringVar(&dtype, "dtype", tensor.DtypeF32, "Checkpoint dtype (F32|F16|BF16)")
	cmd.Flags().StringVar(&task, "task", "causal-lm", "Model head (causal-lm|classification)")
	cmd.Flags().IntVar(&numLabels, "num-labels", 2, "Number of labels for classification")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
