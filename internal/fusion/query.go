package fusion

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// Page is one page of active canonical records.
type Page struct {
	Items    []ingredient.CanonicalIngredient `json:"items"`
	Total    int                              `json:"total"`
	Page     int                              `json:"page"`
	PageSize int                              `json:"page_size"`
}

// GetMapping returns an active record or ErrNotFound.
func (e *Engine) GetMapping(ctx context.Context, canonicalID string) (*ingredient.CanonicalIngredient, error) {
	canonicalID, err := requireID("canonical_id", canonicalID)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.Get(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Wrapf(ingredient.ErrNotFound, "fusion: canonical ingredient %s", canonicalID)
	}
	return rec, nil
}

// GetConflicts returns active records that are flagged or whose confidence is
// below threshold, lowest confidence first.
func (e *Engine) GetConflicts(ctx context.Context, threshold float64) ([]ingredient.CanonicalIngredient, error) {
	if err := checkUnitInterval("threshold", threshold); err != nil {
		return nil, err
	}
	items, err := e.store.Conflicts(ctx, threshold)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []ingredient.CanonicalIngredient{}
	}
	return items, nil
}

// ListMappings returns one page of active records. Zero page and pageSize
// select the first page and the default size.
func (e *Engine) ListMappings(ctx context.Context, category string, page, pageSize int) (*Page, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return nil, invalid("page %d must be >= 1", page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, invalid("page_size %d must be within 1..%d", pageSize, MaxPageSize)
	}
	if page-1 > math.MaxInt32/pageSize {
		return nil, invalid("page %d is out of range", page)
	}
	category, err := cleanLabel("category", category, maxCategoryLen)
	if err != nil {
		return nil, err
	}

	items, total, err := e.store.List(ctx, ingredient.ListFilter{Category: category, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []ingredient.CanonicalIngredient{}
	}
	return &Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetAuditLog returns audit entries most recent first. A zero limit selects
// the default.
func (e *Engine) GetAuditLog(ctx context.Context, filter ingredient.AuditFilter) ([]ingredient.AuditEntry, error) {
	if filter.Limit == 0 {
		filter.Limit = DefaultAuditLimit
	}
	if filter.Limit < 1 || filter.Limit > MaxAuditLimit {
		return nil, invalid("limit %d must be within 1..%d", filter.Limit, MaxAuditLimit)
	}
	filter.CanonicalID = strings.TrimSpace(filter.CanonicalID)
	if filter.SourceSystem != "" {
		src, err := cleanSource(filter.SourceSystem)
		if err != nil {
			return nil, err
		}
		filter.SourceSystem = src
	}

	entries, err := e.store.AuditLog(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ingredient.AuditEntry{}
	}
	return entries, nil
}
