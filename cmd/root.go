package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fusion-cli",
	Short: "Canonical ingredient registry for multi-source POS and ERP data",
	Long:  "Resolves ingredient references from POS, ERP and supplier systems onto canonical records, reconciles per-source costs, and keeps an append-only audit trail.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
