// Package ingredient defines the canonical ingredient registry: the golden record,
// the append-only fusion audit log, and the persistence boundary they live behind.
package ingredient

import (
	"sort"
	"time"

	"github.com/sells-group/ingredient-fusion/internal/cost"
)

// Method records how an identity decision was made.
type Method string

// Fusion methods, in descending order of confidence.
const (
	MethodExactID   Method = "exact_id"
	MethodExactName Method = "exact_name"
	MethodFuzzyName Method = "fuzzy_name"
	MethodNew       Method = "new"
	MethodManual    Method = "manual"
)

// Valid reports whether m is a known fusion method.
func (m Method) Valid() bool {
	switch m {
	case MethodExactID, MethodExactName, MethodFuzzyName, MethodNew, MethodManual:
		return true
	default:
		return false
	}
}

// Action is the kind of event recorded in the audit log.
type Action string

// Audit actions.
const (
	ActionCreateCanonical Action = "create_canonical"
	ActionAliasToExisting Action = "alias_to_existing"
	ActionMerge           Action = "merge"
	ActionCostUpdate      Action = "cost_update"
	ActionResolveConflict Action = "resolve_conflict"
	ActionRename          Action = "rename"
)

// EntityIngredient is the entity_type written on every audit entry.
const EntityIngredient = "ingredient"

// SourceCost is the latest cost observation from one source system.
type SourceCost struct {
	Cost        float64   `json:"cost"`
	Reliability float64   `json:"reliability"`
	ObservedAt  time.Time `json:"observed_at"`
}

// CanonicalIngredient is the golden record for one real-world ingredient.
type CanonicalIngredient struct {
	CanonicalID      string                `json:"canonical_id" db:"canonical_id"`
	CanonicalName    string                `json:"canonical_name" db:"canonical_name"`
	NormalizedName   string                `json:"normalized_name" db:"normalized_name"`
	Aliases          []string              `json:"aliases" db:"aliases"`
	Category         string                `json:"category,omitempty" db:"category"`
	Unit             string                `json:"unit,omitempty" db:"unit"`
	ExternalIDs      map[string]string     `json:"external_ids" db:"external_ids"`
	SourceCosts      map[string]SourceCost `json:"source_costs" db:"source_costs"`
	CanonicalCost    *float64              `json:"canonical_cost,omitempty" db:"canonical_cost"`
	FusionConfidence float64               `json:"fusion_confidence" db:"fusion_confidence"`
	FusionMethod     Method                `json:"fusion_method" db:"fusion_method"`
	ConflictFlag     bool                  `json:"conflict_flag" db:"conflict_flag"`
	MergeOf          []string              `json:"merge_of" db:"merge_of"`
	MergedInto       string                `json:"merged_into,omitempty" db:"merged_into"`
	IsActive         bool                  `json:"is_active" db:"is_active"`
	CreatedBy        string                `json:"created_by,omitempty" db:"created_by"`
	CreatedAt        time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at" db:"updated_at"`
}

// AuditEntry is one write-once row of the fusion audit log.
type AuditEntry struct {
	ID                 int64          `json:"id" db:"id"`
	EntityType         string         `json:"entity_type" db:"entity_type"`
	CanonicalID        string         `json:"canonical_id,omitempty" db:"canonical_id"`
	Action             Action         `json:"action" db:"action"`
	SourceSystem       string         `json:"source_system,omitempty" db:"source_system"`
	RawExternalID      string         `json:"raw_external_id,omitempty" db:"raw_external_id"`
	RawName            string         `json:"raw_name,omitempty" db:"raw_name"`
	MatchedCanonicalID string         `json:"matched_canonical_id,omitempty" db:"matched_canonical_id"`
	Confidence         float64        `json:"confidence" db:"confidence"`
	FusionMethod       Method         `json:"fusion_method" db:"fusion_method"`
	Evidence           map[string]any `json:"evidence,omitempty" db:"evidence"`
	CreatedBy          string         `json:"created_by,omitempty" db:"created_by"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
}

// HasAlias reports whether name is already recorded as an alias.
func (c *CanonicalIngredient) HasAlias(name string) bool {
	for _, a := range c.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// AddAlias appends name unless it is empty, already present, or the canonical name.
func (c *CanonicalIngredient) AddAlias(name string) bool {
	if name == "" || name == c.CanonicalName || c.HasAlias(name) {
		return false
	}
	c.Aliases = append(c.Aliases, name)
	return true
}

// BindExternalID records id under source unless the source is already bound.
// An existing binding is never replaced here; that only happens through merge.
func (c *CanonicalIngredient) BindExternalID(source, id string) bool {
	if c.ExternalIDs == nil {
		c.ExternalIDs = make(map[string]string)
	}
	if _, ok := c.ExternalIDs[source]; ok {
		return false
	}
	c.ExternalIDs[source] = id
	return true
}

// SetSourceCost replaces the observation for source wholesale.
func (c *CanonicalIngredient) SetSourceCost(source string, sc SourceCost) {
	if c.SourceCosts == nil {
		c.SourceCosts = make(map[string]SourceCost)
	}
	c.SourceCosts[source] = sc
}

// Observations flattens SourceCosts into reconciliation input, sorted by source.
func (c *CanonicalIngredient) Observations() []cost.Observation {
	sources := make([]string, 0, len(c.SourceCosts))
	for s := range c.SourceCosts {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	obs := make([]cost.Observation, 0, len(sources))
	for _, s := range sources {
		sc := c.SourceCosts[s]
		obs = append(obs, cost.Observation{SourceSystem: s, Cost: sc.Cost, Reliability: sc.Reliability})
	}
	return obs
}

// HasMerged reports whether id was folded into this record.
func (c *CanonicalIngredient) HasMerged(id string) bool {
	for _, m := range c.MergeOf {
		if m == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (c *CanonicalIngredient) Clone() *CanonicalIngredient {
	out := *c
	out.Aliases = append([]string(nil), c.Aliases...)
	out.MergeOf = append([]string(nil), c.MergeOf...)
	if c.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(c.ExternalIDs))
		for k, v := range c.ExternalIDs {
			out.ExternalIDs[k] = v
		}
	}
	if c.SourceCosts != nil {
		out.SourceCosts = make(map[string]SourceCost, len(c.SourceCosts))
		for k, v := range c.SourceCosts {
			out.SourceCosts[k] = v
		}
	}
	if c.CanonicalCost != nil {
		v := *c.CanonicalCost
		out.CanonicalCost = &v
	}
	return &out
}
