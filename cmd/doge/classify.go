package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"doge-go/purego"
	"doge-go/purego/tensor"
)

func newClassifyCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "classify TEXT [TEXT...]",
		Short: "Score texts with a sequence classification checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clf, err := tensor.LoadSequenceClassifier(model)
			if err != nil {
				return err
			}
			tok, err := purego.LoadTokenizer(model)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, text := range args {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				ids, err := tok.Encode(text)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return fmt.Errorf("text %q has no tokens", text)
				}
				res, err := clf.Forward(tensor.ForwardInput{InputIDs: [][]int{ids}}, nil)
				if err != nil {
					return err
				}
				logits := res.Logits.Row(0)
				fmt.Fprintf(out, "%s\tlabel=%d\tlogits=%s\n", text, tensor.Argmax(logits), formatLogits(logits))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", modelDir(), "Classifier directory")
	return cmd
}

func formatLogits(logits []float32) string {
	parts := make([]string, len(logits))
	for i, v := range logits {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
