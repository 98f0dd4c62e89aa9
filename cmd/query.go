package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

var getCmd = &cobra.Command{
	Use:   "get CANONICAL_ID",
	Short: "Show one active canonical record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.GetMapping(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var listFlags struct {
	category string
	page     int
	pageSize int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active canonical records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		page, err := env.Engine.ListMappings(ctx, listFlags.category, listFlags.page, listFlags.pageSize)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), page)
	},
}

var conflictsThreshold float64

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List records needing review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		threshold := cfg.Fusion.ConflictConfidence
		if cmd.Flags().Changed("threshold") {
			threshold = conflictsThreshold
		}
		items, err := env.Engine.GetConflicts(ctx, threshold)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), items)
	},
}

var auditFlags struct {
	canonicalID string
	source      string
	limit       int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show audit entries, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Engine.GetAuditLog(ctx, ingredient.AuditFilter{
			CanonicalID:  auditFlags.canonicalID,
			SourceSystem: auditFlags.source,
			Limit:        auditFlags.limit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

func init() {
	listCmd.Flags().StringVar(&listFlags.category, "category", "", "only records in this category")
	listCmd.Flags().IntVar(&listFlags.page, "page", 1, "page number, starting at 1")
	listCmd.Flags().IntVar(&listFlags.pageSize, "page-size", fusion.DefaultPageSize, "records per page")

	conflictsCmd.Flags().Float64Var(&conflictsThreshold, "threshold", 0, "confidence threshold (default from config)")

	auditCmd.Flags().StringVar(&auditFlags.canonicalID, "id", "", "only entries for this canonical id")
	auditCmd.Flags().StringVar(&auditFlags.source, "source", "", "only entries from this source system")
	auditCmd.Flags().IntVar(&auditFlags.limit, "limit", fusion.DefaultAuditLimit, "maximum entries")

	rootCmd.AddCommand(getCmd, listCmd, conflictsCmd, auditCmd)
}
