package ingredient

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ingredientColumns is the column list shared by both stores; scanIngredient
// expects exactly this order.
const ingredientColumns = `canonical_id, canonical_name, normalized_name, aliases, category, unit,
	external_ids, source_costs, canonical_cost, fusion_confidence, fusion_method, conflict_flag,
	merge_of, merged_into, is_active, created_by, created_at, updated_at`

const auditColumns = `id, entity_type, canonical_id, action, source_system, raw_external_id, raw_name,
	matched_canonical_id, confidence, fusion_method, evidence, created_by, created_at`

type scannable interface {
	Scan(dest ...any) error
}

// encodedIngredient holds the JSON-encoded collection columns of a record.
type encodedIngredient struct {
	aliases     []byte
	externalIDs []byte
	sourceCosts []byte
	mergeOf     []byte
}

func encodeIngredient(c *CanonicalIngredient) (encodedIngredient, error) {
	var (
		enc encodedIngredient
		err error
	)
	aliases := c.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	if enc.aliases, err = json.Marshal(aliases); err != nil {
		return enc, eris.Wrap(err, "ingredient: marshal aliases")
	}
	ext := c.ExternalIDs
	if ext == nil {
		ext = map[string]string{}
	}
	if enc.externalIDs, err = json.Marshal(ext); err != nil {
		return enc, eris.Wrap(err, "ingredient: marshal external ids")
	}
	costs := c.SourceCosts
	if costs == nil {
		costs = map[string]SourceCost{}
	}
	if enc.sourceCosts, err = json.Marshal(costs); err != nil {
		return enc, eris.Wrap(err, "ingredient: marshal source costs")
	}
	mergeOf := c.MergeOf
	if mergeOf == nil {
		mergeOf = []string{}
	}
	if enc.mergeOf, err = json.Marshal(mergeOf); err != nil {
		return enc, eris.Wrap(err, "ingredient: marshal merge_of")
	}
	return enc, nil
}

func scanIngredient(row scannable) (*CanonicalIngredient, error) {
	var (
		c                               CanonicalIngredient
		aliases, extIDs, costs, mergeOf []byte
		method                          string
	)
	if err := row.Scan(
		&c.CanonicalID, &c.CanonicalName, &c.NormalizedName, &aliases, &c.Category, &c.Unit,
		&extIDs, &costs, &c.CanonicalCost, &c.FusionConfidence, &method, &c.ConflictFlag,
		&mergeOf, &c.MergedInto, &c.IsActive, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.FusionMethod = Method(method)

	if err := unmarshalColumn(aliases, &c.Aliases); err != nil {
		return nil, eris.Wrapf(err, "ingredient: decode aliases for %s", c.CanonicalID)
	}
	if err := unmarshalColumn(extIDs, &c.ExternalIDs); err != nil {
		return nil, eris.Wrapf(err, "ingredient: decode external ids for %s", c.CanonicalID)
	}
	if err := unmarshalColumn(costs, &c.SourceCosts); err != nil {
		return nil, eris.Wrapf(err, "ingredient: decode source costs for %s", c.CanonicalID)
	}
	if err := unmarshalColumn(mergeOf, &c.MergeOf); err != nil {
		return nil, eris.Wrapf(err, "ingredient: decode merge_of for %s", c.CanonicalID)
	}
	if c.ExternalIDs == nil {
		c.ExternalIDs = map[string]string{}
	}
	if c.SourceCosts == nil {
		c.SourceCosts = map[string]SourceCost{}
	}
	return &c, nil
}

func scanAudit(row scannable) (*AuditEntry, error) {
	var (
		e              AuditEntry
		action, method string
		evidence       []byte
	)
	if err := row.Scan(
		&e.ID, &e.EntityType, &e.CanonicalID, &action, &e.SourceSystem, &e.RawExternalID, &e.RawName,
		&e.MatchedCanonicalID, &e.Confidence, &method, &evidence, &e.CreatedBy, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.FusionMethod = Method(method)
	if err := unmarshalColumn(evidence, &e.Evidence); err != nil {
		return nil, eris.Wrapf(err, "ingredient: decode evidence for audit %d", e.ID)
	}
	return &e, nil
}

func encodeEvidence(e *AuditEntry) ([]byte, error) {
	if e.Evidence == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(e.Evidence)
	if err != nil {
		return nil, eris.Wrap(err, "ingredient: marshal evidence")
	}
	return b, nil
}

func unmarshalColumn(data []byte, dest any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// escapeLike escapes LIKE wildcards so a fragment matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
