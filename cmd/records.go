package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
)

var mergeFlags struct {
	reason   string
	operator string
}

var mergeCmd = &cobra.Command{
	Use:   "merge KEEP_ID MERGE_ID",
	Short: "Merge a duplicate canonical record into the one to keep",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.Merge(ctx, args[0], args[1], mergeFlags.reason, mergeFlags.operator)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var costFlags struct {
	cost        float64
	reliability float64
	submittedBy string
}

var costCmd = &cobra.Command{
	Use:   "cost CANONICAL_ID SOURCE",
	Short: "Record a cost observation from one source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		upd := fusion.CostUpdate{
			SourceSystem: args[1],
			Cost:         costFlags.cost,
			SubmittedBy:  costFlags.submittedBy,
		}
		if cmd.Flags().Changed("reliability") {
			r := costFlags.reliability
			upd.Reliability = &r
		}
		rec, err := env.Engine.UpdateSourceCost(ctx, args[0], upd)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var resolveConflictFlags struct {
	operator string
	note     string
}

var resolveConflictCmd = &cobra.Command{
	Use:   "resolve-conflict CANONICAL_ID",
	Short: "Clear the conflict flag after manual review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.ResolveConflict(ctx, args[0], resolveConflictFlags.operator, resolveConflictFlags.note)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var renameOperator string

var renameCmd = &cobra.Command{
	Use:   "rename CANONICAL_ID NAME",
	Short: "Rename a canonical record (owner only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.Rename(ctx, args[0], args[1], renameOperator)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFlags.reason, "reason", "", "why the records are duplicates")
	mergeCmd.Flags().StringVar(&mergeFlags.operator, "operator", "", "who performed the merge (required)")
	_ = mergeCmd.MarkFlagRequired("operator")

	costCmd.Flags().Float64Var(&costFlags.cost, "cost", 0, "observed unit cost (required)")
	costCmd.Flags().Float64Var(&costFlags.reliability, "reliability", 0, "override the source reliability weight")
	costCmd.Flags().StringVar(&costFlags.submittedBy, "submitted-by", "", "who submitted the observation")
	_ = costCmd.MarkFlagRequired("cost")

	resolveConflictCmd.Flags().StringVar(&resolveConflictFlags.operator, "operator", "", "reviewer (required)")
	resolveConflictCmd.Flags().StringVar(&resolveConflictFlags.note, "note", "", "review note")
	_ = resolveConflictCmd.MarkFlagRequired("operator")

	renameCmd.Flags().StringVar(&renameOperator, "operator", "", "record owner (required)")
	_ = renameCmd.MarkFlagRequired("operator")

	rootCmd.AddCommand(mergeCmd, costCmd, resolveConflictCmd, renameCmd)
}
