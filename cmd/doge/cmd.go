package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

const defaultModelDir = "./models/doge-20m"

// modelDir returns DOGE_MODEL_DIR or the bundled default
func modelDir() string {
	if dir := os.Getenv("DOGE_MODEL_DIR"); dir != "" {
		return dir
	}
	return defaultModelDir
}

// NewCLI builds the doge command tree
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "doge",
		Short: "Doge language model toolkit",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newGenerateCmd(),
		newClassifyCmd(),
		newInspectCmd(),
		newInitCmd(),
		newMQARCmd(),
	)
	return rootCmd
}
