package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
)

var resolveFlags struct {
	source      string
	externalID  string
	name        string
	category    string
	unit        string
	cost        float64
	submittedBy string
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one ingredient reference onto a canonical record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		req := fusion.ResolveRequest{
			SourceSystem: resolveFlags.source,
			ExternalID:   resolveFlags.externalID,
			Name:         resolveFlags.name,
			Category:     resolveFlags.category,
			Unit:         resolveFlags.unit,
			SubmittedBy:  resolveFlags.submittedBy,
		}
		if cmd.Flags().Changed("cost") {
			c := resolveFlags.cost
			req.Cost = &c
		}

		res, err := env.Engine.ResolveOrCreate(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	f := resolveCmd.Flags()
	f.StringVar(&resolveFlags.source, "source", "", "source system, e.g. pinzhi (required)")
	f.StringVar(&resolveFlags.externalID, "external-id", "", "identifier in the source system (required)")
	f.StringVar(&resolveFlags.name, "name", "", "ingredient name as the source spells it (required)")
	f.StringVar(&resolveFlags.category, "category", "", "ingredient category")
	f.StringVar(&resolveFlags.unit, "unit", "", "unit of measure")
	f.Float64Var(&resolveFlags.cost, "cost", 0, "unit cost observed by the source")
	f.StringVar(&resolveFlags.submittedBy, "submitted-by", "", "operator recorded on new records (default: source)")
	_ = resolveCmd.MarkFlagRequired("source")
	_ = resolveCmd.MarkFlagRequired("external-id")
	_ = resolveCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(resolveCmd)
}
