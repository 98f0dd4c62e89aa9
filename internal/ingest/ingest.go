package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// Canonical column names.
const (
	ColSourceSystem = "source_system"
	ColExternalID   = "external_id"
	ColName         = "name"
	ColCategory     = "category"
	ColUnit         = "unit"
	ColCost         = "cost"
)

// headerAliases maps the header spellings seen in POS/ERP exports to
// canonical columns.
var headerAliases = map[string]string{
	"source_system": ColSourceSystem,
	"source":        ColSourceSystem,
	"system":        ColSourceSystem,
	"external_id":   ColExternalID,
	"id":            ColExternalID,
	"sku":           ColExternalID,
	"code":          ColExternalID,
	"name":          ColName,
	"ingredient":    ColName,
	"item_name":     ColName,
	"category":      ColCategory,
	"unit":          ColUnit,
	"uom":           ColUnit,
	"cost":          ColCost,
	"price":         ColCost,
	"unit_cost":     ColCost,
}

// Options controls how a file is read.
type Options struct {
	// DefaultSource fills source_system for files without that column or with
	// blank cells.
	DefaultSource string
	// SubmittedBy is stamped on every request.
	SubmittedBy string
	CSV         CSVOptions
	XLSX        XLSXOptions
}

// Row is one parsed data row. Line is the 1-based record number, header
// included; blank CSV lines are not counted.
type Row struct {
	Line    int
	Request fusion.ResolveRequest
}

// RowError reports a data row that could not be parsed.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// File is the parsed content of one export file.
type File struct {
	Path   string
	Rows   []Row
	Errors []RowError
}

// Requests returns the parsed requests in file order.
func (f *File) Requests() []fusion.ResolveRequest {
	out := make([]fusion.ResolveRequest, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Request
	}
	return out
}

// ReadFile parses a .csv, .tsv or .xlsx export. Rows that fail to parse are
// collected in File.Errors; a missing required column fails the whole file.
func ReadFile(ctx context.Context, path string, opts Options) (*File, error) {
	var rowCh <-chan []string
	var errCh <-chan error

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv", ".txt":
		fh, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer fh.Close() //nolint:errcheck
		csvOpts := opts.CSV
		if ext == ".tsv" && csvOpts.Delimiter == 0 {
			csvOpts.Delimiter = '\t'
		}
		rowCh, errCh = StreamCSV(ctx, fh, csvOpts)
	case ".xlsx":
		rowCh, errCh = StreamXLSX(ctx, path, opts.XLSX)
	default:
		return nil, eris.Wrapf(ingredient.ErrInvalidInput, "ingest: unsupported file type %q", ext)
	}

	f, err := collect(rowCh, opts)
	// Drain so the reader goroutine can exit.
	for range rowCh {
	}
	if streamErr := <-errCh; streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: %s", path)
	}
	f.Path = path
	return f, nil
}

func collect(rowCh <-chan []string, opts Options) (*File, error) {
	f := &File{}
	var cols map[string]int
	line := 0
	for record := range rowCh {
		line++
		if cols == nil {
			if blank(record) {
				continue
			}
			var err error
			if cols, err = mapHeader(record, opts.DefaultSource != ""); err != nil {
				return nil, err
			}
			continue
		}
		if blank(record) {
			continue
		}
		req, err := parseRow(record, cols, opts)
		if err != nil {
			f.Errors = append(f.Errors, RowError{Line: line, Err: err})
			continue
		}
		f.Rows = append(f.Rows, Row{Line: line, Request: req})
	}
	if cols == nil {
		return nil, eris.Wrap(ingredient.ErrInvalidInput, "no header row")
	}
	return f, nil
}

func mapHeader(header []string, haveDefaultSource bool) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		if canon, ok := headerAliases[key]; ok {
			if _, dup := cols[canon]; !dup {
				cols[canon] = i
			}
		}
	}
	required := []string{ColExternalID, ColName}
	if !haveDefaultSource {
		required = append(required, ColSourceSystem)
	}
	for _, c := range required {
		if _, ok := cols[c]; !ok {
			return nil, eris.Wrapf(ingredient.ErrInvalidInput, "missing required column %q", c)
		}
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int, opts Options) (fusion.ResolveRequest, error) {
	get := func(col string) string {
		if i, ok := cols[col]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	req := fusion.ResolveRequest{
		SourceSystem: get(ColSourceSystem),
		ExternalID:   get(ColExternalID),
		Name:         get(ColName),
		Category:     get(ColCategory),
		Unit:         get(ColUnit),
		SubmittedBy:  opts.SubmittedBy,
	}
	if req.SourceSystem == "" {
		req.SourceSystem = opts.DefaultSource
	}
	if req.SourceSystem == "" {
		return req, eris.Wrap(ingredient.ErrInvalidInput, "source_system is empty")
	}
	if req.ExternalID == "" || req.Name == "" {
		return req, eris.Wrap(ingredient.ErrInvalidInput, "external_id and name are required")
	}
	if raw := get(ColCost); raw != "" {
		v, err := parseCost(raw)
		if err != nil {
			return req, err
		}
		req.Cost = &v
	}
	return req, nil
}

// parseCost accepts plain decimals plus thousands separators and a leading
// currency sign.
func parseCost(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "¥￥$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(ingredient.ErrInvalidInput, "cost %q is not a number", raw)
	}
	return v, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if f != "" {
			return false
		}
	}
	return true
}
