package ingredient

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serialises all access
// through a single connection, so transactions never interleave.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_ingredients (
	canonical_id      TEXT PRIMARY KEY,
	canonical_name    TEXT NOT NULL,
	normalized_name   TEXT NOT NULL,
	aliases           TEXT NOT NULL DEFAULT '[]',
	category          TEXT NOT NULL DEFAULT '',
	unit              TEXT NOT NULL DEFAULT '',
	external_ids      TEXT NOT NULL DEFAULT '{}',
	source_costs      TEXT NOT NULL DEFAULT '{}',
	canonical_cost    REAL,
	fusion_confidence REAL NOT NULL DEFAULT 0,
	fusion_method     TEXT NOT NULL,
	conflict_flag     INTEGER NOT NULL DEFAULT 0,
	merge_of          TEXT NOT NULL DEFAULT '[]',
	merged_into       TEXT NOT NULL DEFAULT '',
	is_active         INTEGER NOT NULL DEFAULT 1,
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_ingredients_active_name
	ON canonical_ingredients (normalized_name, category) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_canonical_ingredients_category
	ON canonical_ingredients (category, canonical_id);

CREATE TABLE IF NOT EXISTS fusion_audit_log (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type          TEXT NOT NULL,
	canonical_id         TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL,
	source_system        TEXT NOT NULL DEFAULT '',
	raw_external_id      TEXT NOT NULL DEFAULT '',
	raw_name             TEXT NOT NULL DEFAULT '',
	matched_canonical_id TEXT NOT NULL DEFAULT '',
	confidence           REAL NOT NULL DEFAULT 0,
	fusion_method        TEXT NOT NULL DEFAULT '',
	evidence             TEXT NOT NULL DEFAULT '{}',
	created_by           TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fusion_audit_log_canonical ON fusion_audit_log (canonical_id);
CREATE INDEX IF NOT EXISTS idx_fusion_audit_log_source ON fusion_audit_log (source_system);

CREATE TRIGGER IF NOT EXISTS trg_fusion_audit_log_no_update
BEFORE UPDATE ON fusion_audit_log
BEGIN
	SELECT RAISE(ABORT, 'fusion_audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_fusion_audit_log_no_delete
BEFORE DELETE ON fusion_audit_log
BEGIN
	SELECT RAISE(ABORT, 'fusion_audit_log is append-only');
END;
`

// Migrate creates the registry tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(err, "sqlite: commit tx")
	}
	return nil
}

// Get returns an active record or nil.
func (s *SQLiteStore) Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(s.db.QueryRowContext(ctx,
		`SELECT `+ingredientColumns+` FROM canonical_ingredients WHERE canonical_id = ? AND is_active = 1`,
		canonicalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifySQLite(err, "sqlite: get ingredient "+canonicalID)
	}
	return c, nil
}

// List returns a page of active records ordered by canonical id.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]CanonicalIngredient, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM canonical_ingredients WHERE is_active = 1 AND (? = '' OR category = ?)`,
		filter.Category, filter.Category).Scan(&total); err != nil {
		return nil, 0, classifySQLite(err, "sqlite: count ingredients")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active = 1 AND (? = '' OR category = ?)
		ORDER BY canonical_id
		LIMIT ? OFFSET ?`,
		filter.Category, filter.Category, filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, classifySQLite(err, "sqlite: list ingredients")
	}
	defer rows.Close()

	items, err := collectSQLiteIngredients(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Conflicts returns flagged or low-confidence active records, worst first.
func (s *SQLiteStore) Conflicts(ctx context.Context, threshold float64) ([]CanonicalIngredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active = 1 AND (conflict_flag = 1 OR fusion_confidence < ?)
		ORDER BY fusion_confidence ASC, canonical_id`, threshold)
	if err != nil {
		return nil, classifySQLite(err, "sqlite: list conflicts")
	}
	defer rows.Close()
	return collectSQLiteIngredients(rows)
}

// AuditLog returns entries most recent first. Insertion order stands in for
// time because every write goes through one connection.
func (s *SQLiteStore) AuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM fusion_audit_log
		WHERE (? = '' OR canonical_id = ? OR matched_canonical_id = ?)
		  AND (? = '' OR source_system = ?)
		ORDER BY id DESC
		LIMIT ?`,
		filter.CanonicalID, filter.CanonicalID, filter.CanonicalID,
		filter.SourceSystem, filter.SourceSystem, filter.Limit)
	if err != nil {
		return nil, classifySQLite(err, "sqlite: audit log")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		entries = append(entries, *e)
	}
	return entries, classifySQLite(rows.Err(), "sqlite: iterate audit log")
}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q sqliteQuerier
}

func (t *sqliteTx) Get(ctx context.Context, canonicalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(t.q.QueryRowContext(ctx,
		`SELECT `+ingredientColumns+` FROM canonical_ingredients WHERE canonical_id = ?`, canonicalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifySQLite(err, "sqlite: get ingredient "+canonicalID)
	}
	return c, nil
}

func (t *sqliteTx) FindByExternalID(ctx context.Context, source, externalID string) (*CanonicalIngredient, error) {
	c, err := scanIngredient(t.q.QueryRowContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE EXISTS (
			SELECT 1 FROM json_each(canonical_ingredients.external_ids)
			WHERE json_each.key = ? AND json_each.value = ?
		)
		ORDER BY is_active DESC, canonical_id
		LIMIT 1`, source, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifySQLite(err, "sqlite: find by external id "+source+":"+externalID)
	}
	return c, nil
}

func (t *sqliteTx) FindByNormalizedName(ctx context.Context, normalized string) ([]CanonicalIngredient, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active = 1 AND normalized_name = ?
		ORDER BY canonical_id`, normalized)
	if err != nil {
		return nil, classifySQLite(err, "sqlite: find by normalized name")
	}
	defer rows.Close()
	return collectSQLiteIngredients(rows)
}

func (t *sqliteTx) SearchByFragment(ctx context.Context, fragment string) ([]CanonicalIngredient, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM canonical_ingredients
		WHERE is_active = 1 AND instr(normalized_name, ?) > 0
		ORDER BY canonical_id`, fragment)
	if err != nil {
		return nil, classifySQLite(err, "sqlite: search by fragment")
	}
	defer rows.Close()
	return collectSQLiteIngredients(rows)
}

func (t *sqliteTx) Insert(ctx context.Context, c *CanonicalIngredient) error {
	enc, err := encodeIngredient(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO canonical_ingredients (
			canonical_id, canonical_name, normalized_name, aliases, category, unit,
			external_ids, source_costs, canonical_cost, fusion_confidence, fusion_method, conflict_flag,
			merge_of, merged_into, is_active, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CanonicalID, c.CanonicalName, c.NormalizedName, string(enc.aliases), c.Category, c.Unit,
		string(enc.externalIDs), string(enc.sourceCosts), c.CanonicalCost, c.FusionConfidence,
		string(c.FusionMethod), c.ConflictFlag, string(enc.mergeOf), c.MergedInto, c.IsActive, c.CreatedBy,
		now, now,
	)
	if err != nil {
		return classifySQLite(err, "sqlite: insert ingredient "+c.CanonicalID)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

func (t *sqliteTx) Update(ctx context.Context, c *CanonicalIngredient) error {
	enc, err := encodeIngredient(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := t.q.ExecContext(ctx, `
		UPDATE canonical_ingredients SET
			canonical_name=?, normalized_name=?, aliases=?, category=?, unit=?,
			external_ids=?, source_costs=?, canonical_cost=?, fusion_confidence=?,
			fusion_method=?, conflict_flag=?, merge_of=?, merged_into=?, is_active=?,
			updated_at=?
		WHERE canonical_id=?`,
		c.CanonicalName, c.NormalizedName, string(enc.aliases), c.Category, c.Unit,
		string(enc.externalIDs), string(enc.sourceCosts), c.CanonicalCost, c.FusionConfidence,
		string(c.FusionMethod), c.ConflictFlag, string(enc.mergeOf), c.MergedInto, c.IsActive,
		now, c.CanonicalID,
	)
	if err != nil {
		return classifySQLite(err, "sqlite: update ingredient "+c.CanonicalID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: update ingredient %s", c.CanonicalID)
	}
	c.UpdatedAt = now
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	evidence, err := encodeEvidence(e)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO fusion_audit_log (
			entity_type, canonical_id, action, source_system, raw_external_id, raw_name,
			matched_canonical_id, confidence, fusion_method, evidence, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.CanonicalID, string(e.Action), e.SourceSystem, e.RawExternalID, e.RawName,
		e.MatchedCanonicalID, e.Confidence, string(e.FusionMethod), string(evidence), e.CreatedBy, now,
	)
	if err != nil {
		return classifySQLite(err, "sqlite: append audit")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: audit id")
	}
	e.ID, e.CreatedAt = id, now
	return nil
}

func collectSQLiteIngredients(rows *sql.Rows) ([]CanonicalIngredient, error) {
	var out []CanonicalIngredient
	for rows.Next() {
		c, err := scanIngredient(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ingredient")
		}
		out = append(out, *c)
	}
	return out, classifySQLite(rows.Err(), "sqlite: iterate ingredients")
}

func classifySQLite(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, msg)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return eris.Wrapf(ErrIdentityConflict, "%s: %v", msg, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return eris.Wrapf(ErrUnavailable, "%s: %v", msg, err)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return eris.Wrapf(ErrIdentityConflict, "%s: %v", msg, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return eris.Wrapf(ErrUnavailable, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}
