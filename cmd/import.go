package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingest"
	"github.com/sells-group/ingredient-fusion/internal/resilience"
)

// batchResolver is the part of fusion.Engine the import needs.
type batchResolver interface {
	BatchResolve(ctx context.Context, reqs []fusion.ResolveRequest) ([]fusion.BatchItemResult, error)
	ResolveOrCreate(ctx context.Context, req fusion.ResolveRequest) (*fusion.ResolveResult, error)
}

type importOptions struct {
	Ingest      ingest.Options
	Concurrency int
	Retry       resilience.RetryConfig
}

type itemReport struct {
	Line         int     `json:"line"`
	SourceSystem string  `json:"source_system"`
	ExternalID   string  `json:"external_id"`
	CanonicalID  string  `json:"canonical_id,omitempty"`
	Method       string  `json:"method,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	IsNew        bool    `json:"is_new,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type fileReport struct {
	Path      string       `json:"path"`
	Rows      int          `json:"rows"`
	Resolved  int          `json:"resolved"`
	Created   int          `json:"created"`
	Failed    int          `json:"failed"`
	Error     string       `json:"error,omitempty"`
	RowErrors []string     `json:"row_errors,omitempty"`
	Items     []itemReport `json:"items"`
}

func (r fileReport) ok() bool {
	return r.Error == "" && r.Failed == 0 && len(r.RowErrors) == 0
}

// importFiles resolves every file in paths, up to opts.Concurrency files at a
// time. File-level failures are reported per file; the returned error is set
// only when ctx ends.
func importFiles(ctx context.Context, r batchResolver, paths []string, opts importOptions) ([]fileReport, error) {
	reports := make([]fileReport, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, path := range paths {
		g.Go(func() error {
			rep, err := importFile(gctx, r, path, opts)
			reports[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return reports, eris.Wrap(err, "import")
	}
	return reports, nil
}

func importFile(ctx context.Context, r batchResolver, path string, opts importOptions) (fileReport, error) {
	rep := fileReport{Path: path, Items: []itemReport{}}

	f, err := ingest.ReadFile(ctx, path, opts.Ingest)
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Error = err.Error()
		zap.L().Warn("import: skipping file", zap.String("path", path), zap.Error(err))
		return rep, nil
	}
	for _, rowErr := range f.Errors {
		rep.RowErrors = append(rep.RowErrors, rowErr.Error())
	}
	rep.Rows = len(f.Rows)
	if len(f.Rows) == 0 {
		return rep, nil
	}

	reqs := f.Requests()
	results, err := r.BatchResolve(ctx, reqs)
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Error = err.Error()
		rep.Failed = len(reqs)
		zap.L().Warn("import: batch failed", zap.String("path", path), zap.Error(err))
		return rep, nil
	}

	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("import resolve")
	}
	for i, item := range results {
		req := reqs[i]
		if !item.OK() && resilience.IsTransient(item.Err) {
			res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*fusion.ResolveResult, error) {
				return r.ResolveOrCreate(ctx, req)
			})
			item = fusion.BatchItemResult{Index: i, Result: res, Err: err}
			if err != nil {
				item.Error = err.Error()
			}
		}

		ir := itemReport{
			Line:         f.Rows[i].Line,
			SourceSystem: req.SourceSystem,
			ExternalID:   req.ExternalID,
		}
		if !item.OK() {
			ir.Error = item.Error
			rep.Failed++
		} else {
			ir.CanonicalID = item.Result.CanonicalID
			ir.Method = string(item.Result.Method)
			ir.Confidence = item.Result.Confidence
			ir.IsNew = item.Result.IsNew
			rep.Resolved++
			if item.Result.IsNew {
				rep.Created++
			}
		}
		rep.Items = append(rep.Items, ir)
	}

	zap.L().Info("import: file done",
		zap.String("path", path),
		zap.Int("rows", rep.Rows),
		zap.Int("resolved", rep.Resolved),
		zap.Int("created", rep.Created),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

var importFlags struct {
	source      string
	submittedBy string
	sheet       string
}

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Resolve every row of CSV, TSV or XLSX exports",
	Long:  "Reads POS/ERP export files with columns source_system, external_id, name, category, unit, cost and resolves each row. Rows that fail because the store is unavailable are retried with backoff.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		reports, err := importFiles(ctx, env.Engine, args, importOptions{
			Ingest: ingest.Options{
				DefaultSource: importFlags.source,
				SubmittedBy:   importFlags.submittedBy,
				XLSX:          ingest.XLSXOptions{SheetName: importFlags.sheet},
			},
			Concurrency: cfg.Import.Concurrency,
			Retry:       resilience.DefaultRetryConfig().WithAttempts(cfg.Import.RetryAttempts),
		})
		if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}

		bad := 0
		for _, rep := range reports {
			if !rep.ok() {
				bad++
			}
		}
		if bad > 0 {
			return eris.Errorf("import: %d of %d files had failures", bad, len(reports))
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFlags.source, "source", "", "source system for files without a source_system column")
	importCmd.Flags().StringVar(&importFlags.submittedBy, "submitted-by", "", "operator recorded on new records")
	importCmd.Flags().StringVar(&importFlags.sheet, "sheet", "", "worksheet name for XLSX files (default: first sheet)")
	rootCmd.AddCommand(importCmd)
}
