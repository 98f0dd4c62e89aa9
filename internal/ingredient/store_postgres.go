package ingredient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/db"
)

// migrationLockID serialises concurrent Migrate calls across deploys.
const migrationLockID = 7341902

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// NewPostgres opens a pgx pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrapf(ErrUnavailable, "postgres: ping: %v", err)
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS canonical_ingredients (
	canonical_id      TEXT PRIMARY KEY,
	canonical_name    TEXT NOT NULL,
	normalized_name   TEXT NOT NULL,
	aliases           JSONB NOT NULL DEFAULT '[]',
	category          TEXT NOT NULL DEFAULT '',
	unit              TEXT NOT NULL DEFAULT '',
	external_ids      JSONB NOT NULL DEFAULT '{}',
	source_costs      JSONB NOT NULL DEFAULT '{}',
	canonical_cost    DOUBLE PRECISION,
	fusion_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	fusion_method     TEXT NOT NULL,
	conflict_flag     BOOLEAN NOT NULL DEFAULT false,
	merge_of          JSONB NOT NULL DEFAULT '[]',
	merged_into       TEXT NOT NULL DEFAULT '',
	is_active         BOOLEAN NOT NULL DEFAULT true,
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_ingredients_active_name
	ON canonical_ingredients (normalized_name, category) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_canonical_ingredients_external_ids
	ON canonical_ingredients USING gin (external_ids jsonb_path_ops);
CREATE INDEX IF NOT EXISTS idx_canonical_ingredients_name_trgm
	ON canonical_ingredients USING gin (normalized_name gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_canonical_ingredients_category
	ON canonical_ingredients (category, canonical_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_canonical_ingredients_confidence
	ON canonical_ingredients (fusion_confidence) WHERE is_active;

CREATE TABLE IF NOT EXISTS fusion_audit_log (
	id                   BIGSERIAL PRIMARY KEY,
	entity_type          TEXT NOT NULL,
	canonical_id         TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL,
	source_system        TEXT NOT NULL DEFAULT '',
	raw_external_id      TEXT NOT NULL DEFAULT '',
	raw_name             TEXT NOT NULL DEFAULT '',
	matched_canonical_id TEXT NOT NULL DEFAULT '',
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
	fusion_method        TEXT NOT NULL DEFAULT '',
	evidence             JSONB NOT NULL DEFAULT '{}',
	created_by           TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fusion_audit_log_canonical
	ON fusion_audit_log (canonical_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_fusion_audit_log_matched
	ON fusion_audit_log (matched_canonical_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_fusion_audit_log_source
	ON fusion_audit_log (source_system, created_at DESC);

CREATE OR REPLACE FUNCTION fusion_audit_log_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'fusion_audit_log is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_fusion_audit_log_immutable ON fusion_audit_log;
CREATE TRIGGER trg_fusion_audit_log_immutable
	BEFORE UPDATE OR DELETE ON fusion_audit_log
	FOR EACH ROW EXECUTE FUNCTION fusion_audit_log_immutable();
`

// Migrate creates the registry tables. An advisory lock keeps overlapping
// deploys from racing on DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return classify(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			zap.L().Warn("postgres: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return classify(err, "postgres: migrate")
	}
	return nil
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx runs fn inside a single transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "postgres: commit tx")
	}
	return nil
}

// Get returns an active record or nil.
func (s *PostgresStore) Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(s.pool.QueryRow(ctx,
		`SELECT `+ingredientColumns+` FROM canonical_ingredients WHERE canonical_id = $1 AND is_active`,
		canonicalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "postgres: get ingredient "+canonicalID)
	}
	return c, nil
}

// List returns a page of active records ordered by canonical id.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]CanonicalIngredient, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM canonical_ingredients WHERE is_active AND ($1::text = '' OR category = $1)`,
		filter.Category).Scan(&total); err != nil {
		return nil, 0, classify(err, "postgres: count ingredients")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active AND ($1::text = '' OR category = $1)
		ORDER BY canonical_id
		LIMIT $2 OFFSET $3`,
		filter.Category, filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, classify(err, "postgres: list ingredients")
	}
	defer rows.Close()

	items, err := collectIngredients(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Conflicts returns flagged or low-confidence active records, worst first.
func (s *PostgresStore) Conflicts(ctx context.Context, threshold float64) ([]CanonicalIngredient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active AND (conflict_flag OR fusion_confidence < $1)
		ORDER BY fusion_confidence ASC, canonical_id`, threshold)
	if err != nil {
		return nil, classify(err, "postgres: list conflicts")
	}
	defer rows.Close()
	return collectIngredients(rows)
}

// AuditLog returns entries touching the filter's canonical id (as subject or
// match) and source, most recent first.
func (s *PostgresStore) AuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+`
		FROM fusion_audit_log
		WHERE ($1::text = '' OR canonical_id = $1 OR matched_canonical_id = $1)
		  AND ($2::text = '' OR source_system = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, filter.CanonicalID, filter.SourceSystem, filter.Limit)
	if err != nil {
		return nil, classify(err, "postgres: audit log")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		entries = append(entries, *e)
	}
	return entries, classify(rows.Err(), "postgres: iterate audit log")
}

// querier is satisfied by both pgx.Tx and db.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q querier
}

func (t *pgTx) Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(t.q.QueryRow(ctx,
		`SELECT `+ingredientColumns+` FROM canonical_ingredients WHERE canonical_id = $1 FOR UPDATE`,
		canonicalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "postgres: lock ingredient "+canonicalID)
	}
	return c, nil
}

func (t *pgTx) FindByExternalID(ctx context.Context, source, externalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(t.q.QueryRow(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE external_ids @> jsonb_build_object($1::text, $2::text)
		ORDER BY is_active DESC, canonical_id
		LIMIT 1`, source, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "postgres: find by external id "+source+":"+externalID)
	}
	return c, nil
}

func (t *pgTx) FindByNormalizedName(ctx context.Context, normalized string) ([]CanonicalIngredient, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active AND normalized_name = $1
		ORDER BY canonical_id`, normalized)
	if err != nil {
		return nil, classify(err, "postgres: find by normalized name")
	}
	defer rows.Close()
	return collectIngredients(rows)
}

func (t *pgTx) SearchByFragment(ctx context.Context, fragment string) ([]CanonicalIngredient, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active AND normalized_name LIKE '%' || $1 || '%'
		ORDER BY canonical_id`, escapeLike(fragment))
	if err != nil {
		return nil, classify(err, "postgres: search by fragment")
	}
	defer rows.Close()
	return collectIngredients(rows)
}

func (t *pgTx) Insert(ctx context.Context, c *CanonicalIngredient) error {
	enc, err := encodeIngredient(c)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO canonical_ingredients (
			canonical_id, canonical_name, normalized_name, aliases, category, unit,
			external_ids, source_costs, canonical_cost, fusion_confidence, fusion_method, conflict_flag,
			merge_of, merged_into, is_active, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`,
		c.CanonicalID, c.CanonicalName, c.NormalizedName, enc.aliases, c.Category, c.Unit,
		enc.externalIDs, enc.sourceCosts, c.CanonicalCost, c.FusionConfidence, string(c.FusionMethod), c.ConflictFlag,
		enc.mergeOf, c.MergedInto, c.IsActive, c.CreatedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return classify(err, "postgres: insert ingredient "+c.CanonicalID)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, c *CanonicalIngredient) error {
	enc, err := encodeIngredient(c)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx, `
		UPDATE canonical_ingredients SET
			canonical_name=$2, normalized_name=$3, aliases=$4, category=$5, unit=$6,
			external_ids=$7, source_costs=$8, canonical_cost=$9, fusion_confidence=$10,
			fusion_method=$11, conflict_flag=$12, merge_of=$13, merged_into=$14, is_active=$15,
			updated_at=now()
		WHERE canonical_id=$1
		RETURNING updated_at`,
		c.CanonicalID,
		c.CanonicalName, c.NormalizedName, enc.aliases, c.Category, c.Unit,
		enc.externalIDs, enc.sourceCosts, c.CanonicalCost, c.FusionConfidence,
		string(c.FusionMethod), c.ConflictFlag, enc.mergeOf, c.MergedInto, c.IsActive,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: update ingredient %s", c.CanonicalID)
		}
		return classify(err, "postgres: update ingredient "+c.CanonicalID)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	evidence, err := encodeEvidence(e)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO fusion_audit_log (
			entity_type, canonical_id, action, source_system, raw_external_id, raw_name,
			matched_canonical_id, confidence, fusion_method, evidence, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		e.EntityType, e.CanonicalID, string(e.Action), e.SourceSystem, e.RawExternalID, e.RawName,
		e.MatchedCanonicalID, e.Confidence, string(e.FusionMethod), evidence, e.CreatedBy,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return classify(err, "postgres: append audit")
	}
	return nil
}

func collectIngredients(rows pgx.Rows) ([]CanonicalIngredient, error) {
	var out []CanonicalIngredient
	for rows.Next() {
		c, err := scanIngredient(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ingredient")
		}
		out = append(out, *c)
	}
	return out, classify(rows.Err(), "postgres: iterate ingredients")
}

// classify maps driver errors onto the package taxonomy.
func classify(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return eris.Wrap(err, msg)
	case db.IsUniqueViolation(err, ""):
		return eris.Wrapf(ErrIdentityConflict, "%s: %v", msg, err)
	case db.IsConnectionError(err):
		return eris.Wrapf(ErrUnavailable, "%s: %v", msg, err)
	default:
		return eris.Wrap(err, msg)
	}
}
