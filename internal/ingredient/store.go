package ingredient

import "context"

// ListFilter selects a page of active canonical records.
type ListFilter struct {
	Category string `json:"category,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// AuditFilter selects audit entries, most recent first.
type AuditFilter struct {
	CanonicalID  string `json:"canonical_id,omitempty"`
	SourceSystem string `json:"source_system,omitempty"`
	Limit        int    `json:"limit"`
}

// Tx is the transactional view of the registry. Every read inside a Tx sees the
// transaction's own writes, and Get locks the row against concurrent writers
// where the backend supports it.
type Tx interface {
	// Get returns the record with the given id, active or not, or nil.
	Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error)
	// FindByExternalID returns the record bound to source/externalID, preferring
	// active records, or nil.
	FindByExternalID(ctx context.Context, source, externalID string) (*CanonicalIngredient, error)
	// FindByNormalizedName returns active records with the exact normalized name.
	FindByNormalizedName(ctx context.Context, normalized string) ([]CanonicalIngredient, error)
	// SearchByFragment returns every active record whose normalized name
	// contains fragment.
	SearchByFragment(ctx context.Context, fragment string) ([]CanonicalIngredient, error)

	// Insert creates a record. A uniqueness violation returns ErrIdentityConflict.
	Insert(ctx context.Context, c *CanonicalIngredient) error
	// Update overwrites a record by canonical id.
	Update(ctx context.Context, c *CanonicalIngredient) error
	// AppendAudit writes one audit entry and sets its ID.
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// Store is the persistence boundary for the canonical registry.
type Store interface {
	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Get returns an active record or nil.
	Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error)
	// List returns a page of active records ordered by canonical id and the total count.
	List(ctx context.Context, filter ListFilter) ([]CanonicalIngredient, int, error)
	// Conflicts returns active records that are flagged or below threshold, worst first.
	Conflicts(ctx context.Context, threshold float64) ([]CanonicalIngredient, error)
	// AuditLog returns audit entries, most recent first.
	AuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	Migrate(ctx context.Context) error
	Close() error
}
