package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"doge-go/purego/tensor"
)

func newInspectCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the config and tensors of a model directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, weights, err := tensor.LoadModelFromDirectory(model)
			if err != nil {
				return err
			}
			config.PrintInfo()
			fmt.Println()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "SHAPE", "DTYPE", "COUNT"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")

			var data [][]string
			total := 0
			for _, name := range weights.Names() {
				info, _ := weights.Info(name)
				n := 1
				for _, d := range info.Shape {
					n *= d
				}
				total += n
				data = append(data, []string{name, fmt.Sprint(info.Shape), info.Dtype, strconv.Itoa(n)})
			}
			table.AppendBulk(data)
			table.Render()

			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tensors, %d parameters in %s\n", len(data), total, filepath.Clean(model))
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", modelDir(), "Model directory")
	return cmd
}
