package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"doge-go/nanovllm"
	"doge-go/purego"
)

func newGenerateCmd() *cobra.Command {
	var (
		model       string
		backend     string
		maxTokens   int
		temperature float64
		topK        int
		topP        float64
		seed        int64
		maxNumSeqs  int
		ignoreEOS   bool
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "generate PROMPT [PROMPT...]",
		Short: "Generate completions for prompts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			llm, err := purego.NewEngine(model, backend, nanovllm.WithMaxNumSeqs(maxNumSeqs))
			if err != nil {
				return err
			}
			defer llm.Close()

			opts := []nanovllm.SamplingOption{
				nanovllm.WithTemperature(temperature),
				nanovllm.WithTopK(topK),
				nanovllm.WithTopP(topP),
				nanovllm.WithMaxTokens(maxTokens),
				nanovllm.WithIgnoreEOS(ignoreEOS),
			}
			if cmd.Flags().Changed("seed") {
				opts = append(opts, nanovllm.WithSeed(seed))
			}
			sp := nanovllm.NewSamplingParams(opts...)
			if err := sp.Validate(); err != nil {
				return err
			}

			outputs, err := llm.GenerateSimple(cmd.Context(), args, sp, !noProgress)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, output := range outputs {
				fmt.Fprintf(out, "\nPrompt %d: %s\n", i+1, args[i])
				fmt.Fprintf(out, "Output: %s\n", output.Text)
				fmt.Fprintf(out, "Tokens: %d\n", len(output.TokenIDs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", modelDir(), "Model directory")
	cmd.Flags().StringVar(&backend, "backend", purego.BackendNative, "Inference backend (native|onnx)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 64, "Maximum tokens to generate per prompt")
	cmd.Flags().Float64Var(&temperature, "temperature", 1.0, "Sampling temperature (0=greedy)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Sample from the k most likely tokens (0=all)")
	cmd.Flags().Float64Var(&topP, "top-p", 1.0, "Nucleus sampling probability mass")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for reproducible sampling")
	cmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 16, "Maximum sequences decoded together")
	cmd.Flags().BoolVar(&ignoreEOS, "ignore-eos", false, "Keep generating past the EOS token")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Hide the progress bar")
	return cmd
}
