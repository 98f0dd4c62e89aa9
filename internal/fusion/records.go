package fusion

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
	"github.com/sells-group/ingredient-fusion/internal/textnorm"
)

// CostUpdate is a direct cost observation for a known canonical record.
type CostUpdate struct {
	SourceSystem string   `json:"source_system"`
	Cost         float64  `json:"cost"`
	Reliability  *float64 `json:"reliability,omitempty"`
	SubmittedBy  string   `json:"submitted_by,omitempty"`
}

// UpdateSourceCost replaces one source's cost on an active record and
// reconciles. Reliability defaults to the source's weight.
func (e *Engine) UpdateSourceCost(ctx context.Context, canonicalID string, upd CostUpdate) (*ingredient.CanonicalIngredient, error) {
	canonicalID, err := requireID("canonical_id", canonicalID)
	if err != nil {
		return nil, err
	}
	source, err := cleanSource(upd.SourceSystem)
	if err != nil {
		return nil, err
	}
	if err := checkCost(upd.Cost); err != nil {
		return nil, err
	}
	reliability := e.cfg.Weights.Weight(source)
	if upd.Reliability != nil {
		if err := checkUnitInterval("reliability", *upd.Reliability); err != nil {
			return nil, err
		}
		reliability = *upd.Reliability
	}
	operator := strings.TrimSpace(upd.SubmittedBy)
	if operator == "" {
		operator = source
	}

	var out *ingredient.CanonicalIngredient
	err = e.store.WithTx(ctx, func(tx ingredient.Tx) error {
		rec, err := lockActive(ctx, tx, canonicalID)
		if err != nil {
			return err
		}
		evidence := map[string]any{"cost": upd.Cost, "reliability": reliability}
		if rec.CanonicalCost != nil {
			evidence["previous_cost"] = *rec.CanonicalCost
		}

		res, err := e.observeCost(rec, source, upd.Cost, reliability)
		if err != nil {
			return err
		}
		// A direct cost observation carries no identity decision of its own.
		rec.FusionConfidence = res.Confidence
		recordCostEvidence(evidence, res)

		if err := tx.Update(ctx, rec); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
			EntityType:   ingredient.EntityIngredient,
			CanonicalID:  rec.CanonicalID,
			Action:       ingredient.ActionCostUpdate,
			SourceSystem: source,
			Confidence:   res.Confidence,
			FusionMethod: rec.FusionMethod,
			Evidence:     evidence,
			CreatedBy:    operator,
		}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveConflict clears a record's conflict flag after human review.
func (e *Engine) ResolveConflict(ctx context.Context, canonicalID, operator, note string) (*ingredient.CanonicalIngredient, error) {
	canonicalID, err := requireID("canonical_id", canonicalID)
	if err != nil {
		return nil, err
	}
	operator, err = requireID("operator", operator)
	if err != nil {
		return nil, err
	}

	var out *ingredient.CanonicalIngredient
	err = e.store.WithTx(ctx, func(tx ingredient.Tx) error {
		rec, err := lockActive(ctx, tx, canonicalID)
		if err != nil {
			return err
		}
		wasFlagged := rec.ConflictFlag
		rec.ConflictFlag = false
		if err := tx.Update(ctx, rec); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
			EntityType:   ingredient.EntityIngredient,
			CanonicalID:  rec.CanonicalID,
			Action:       ingredient.ActionResolveConflict,
			SourceSystem: MergeSource,
			Confidence:   rec.FusionConfidence,
			FusionMethod: rec.FusionMethod,
			Evidence:     map[string]any{"note": strings.TrimSpace(note), "was_flagged": wasFlagged},
			CreatedBy:    operator,
		}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("fusion: conflict resolved",
		zap.String("canonical_id", canonicalID),
		zap.String("operator", operator),
	)
	return out, nil
}

// Rename changes a record's display name. Only the record's owner may rename
// it; the previous name is kept as an alias. A name that collides with another
// active record in the same category returns ErrIdentityConflict.
func (e *Engine) Rename(ctx context.Context, canonicalID, name, operator string) (*ingredient.CanonicalIngredient, error) {
	canonicalID, err := requireID("canonical_id", canonicalID)
	if err != nil {
		return nil, err
	}
	operator, err = requireID("operator", operator)
	if err != nil {
		return nil, err
	}
	name, err = cleanName(name)
	if err != nil {
		return nil, err
	}

	var out *ingredient.CanonicalIngredient
	err = e.store.WithTx(ctx, func(tx ingredient.Tx) error {
		rec, err := lockActive(ctx, tx, canonicalID)
		if err != nil {
			return err
		}
		if rec.CreatedBy != operator {
			return eris.Wrapf(ingredient.ErrForbidden, "fusion: %s is owned by %q", canonicalID, rec.CreatedBy)
		}
		oldName := rec.CanonicalName
		if oldName == name {
			out = rec
			return nil
		}

		rec.CanonicalName = name
		rec.NormalizedName = textnorm.Normalize(name)
		rec.Aliases = removeString(rec.Aliases, name)
		rec.AddAlias(oldName)
		if err := tx.Update(ctx, rec); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
			EntityType:   ingredient.EntityIngredient,
			CanonicalID:  rec.CanonicalID,
			Action:       ingredient.ActionRename,
			SourceSystem: MergeSource,
			RawName:      name,
			Confidence:   rec.FusionConfidence,
			FusionMethod: rec.FusionMethod,
			Evidence:     map[string]any{"old_name": oldName, "new_name": name},
			CreatedBy:    operator,
		}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockActive(ctx context.Context, tx ingredient.Tx, canonicalID string) (*ingredient.CanonicalIngredient, error) {
	rec, err := tx.Get(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive {
		return nil, eris.Wrapf(ingredient.ErrNotFound, "fusion: canonical ingredient %s", canonicalID)
	}
	return rec, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
