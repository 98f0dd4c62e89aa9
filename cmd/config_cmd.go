package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/ingredient-fusion/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print a config.yaml with every default",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return config.WriteExample(cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd)
	rootCmd.AddCommand(configCmd)
}
