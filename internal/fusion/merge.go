package fusion

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/cost"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// MergeSource is the source_system recorded on operator actions.
const MergeSource = cost.SourceManual

// Merge folds mergeID into keepID in one transaction and returns the surviving
// record. Both ids must name active records. Nothing is written when either
// check fails.
func (e *Engine) Merge(ctx context.Context, keepID, mergeID, reason, operator string) (*ingredient.CanonicalIngredient, error) {
	keepID, err := requireID("keep_id", keepID)
	if err != nil {
		return nil, err
	}
	mergeID, err = requireID("merge_id", mergeID)
	if err != nil {
		return nil, err
	}
	if keepID == mergeID {
		return nil, invalid("cannot merge %s into itself", keepID)
	}
	operator, err = requireID("operator", operator)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)

	var out *ingredient.CanonicalIngredient
	err = e.store.WithTx(ctx, func(tx ingredient.Tx) error {
		// Lock in id order so two opposing merges cannot deadlock.
		ids := []string{keepID, mergeID}
		sort.Strings(ids)
		locked := make(map[string]*ingredient.CanonicalIngredient, 2)
		for _, id := range ids {
			rec, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			if rec == nil || !rec.IsActive {
				return eris.Wrapf(ingredient.ErrNotFound, "fusion: merge: %s is not an active record", id)
			}
			locked[id] = rec
		}
		keep, gone := locked[keepID], locked[mergeID]

		evidence, err := e.absorb(keep, gone)
		if err != nil {
			return err
		}
		evidence["reason"] = reason

		gone.IsActive = false
		gone.MergedInto = keep.CanonicalID
		if err := tx.Update(ctx, gone); err != nil {
			return err
		}
		if err := tx.Update(ctx, keep); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
			EntityType:         ingredient.EntityIngredient,
			CanonicalID:        keep.CanonicalID,
			Action:             ingredient.ActionMerge,
			SourceSystem:       MergeSource,
			RawName:            gone.CanonicalName,
			MatchedCanonicalID: gone.CanonicalID,
			Confidence:         keep.FusionConfidence,
			FusionMethod:       ingredient.MethodManual,
			Evidence:           evidence,
			CreatedBy:          operator,
		}); err != nil {
			return err
		}
		out = keep
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("fusion: merged canonical ingredients",
		zap.String("keep_id", keepID),
		zap.String("merge_id", mergeID),
		zap.String("operator", operator),
	)
	return out, nil
}

// absorb unions gone into keep. External ids keep the surviving binding on a
// source collision; source costs keep the more recent observation, with ties
// going to keep.
func (e *Engine) absorb(keep, gone *ingredient.CanonicalIngredient) (map[string]any, error) {
	var extCollisions, costCollisions []string

	for _, src := range sortedKeys(gone.ExternalIDs) {
		if !keep.BindExternalID(src, gone.ExternalIDs[src]) && keep.ExternalIDs[src] != gone.ExternalIDs[src] {
			extCollisions = append(extCollisions, src)
		}
	}

	keep.AddAlias(gone.CanonicalName)
	for _, a := range gone.Aliases {
		keep.AddAlias(a)
	}

	for _, src := range sortedKeys(gone.SourceCosts) {
		theirs := gone.SourceCosts[src]
		ours, ok := keep.SourceCosts[src]
		if !ok {
			keep.SetSourceCost(src, theirs)
			continue
		}
		costCollisions = append(costCollisions, src)
		if theirs.ObservedAt.After(ours.ObservedAt) {
			keep.SetSourceCost(src, theirs)
		}
	}

	if !keep.HasMerged(gone.CanonicalID) {
		keep.MergeOf = append(keep.MergeOf, gone.CanonicalID)
	}
	for _, id := range gone.MergeOf {
		if !keep.HasMerged(id) {
			keep.MergeOf = append(keep.MergeOf, id)
		}
	}

	keep.FusionMethod = ingredient.MethodManual
	keep.ConflictFlag = false
	keep.FusionConfidence = 1.0
	evidence := map[string]any{
		"merged_name":         gone.CanonicalName,
		"merged_external_ids": gone.ExternalIDs,
	}
	if len(keep.SourceCosts) > 0 {
		res, err := cost.Reconcile(keep.Observations())
		if err != nil {
			return nil, eris.Wrapf(ingredient.ErrInvalidInput, "fusion: merge reconcile: %v", err)
		}
		v := res.Cost
		keep.CanonicalCost = &v
		keep.FusionConfidence = math.Min(1.0, res.Confidence)
		recordCostEvidence(evidence, res)
	}
	if len(extCollisions) > 0 {
		evidence["external_id_collisions"] = extCollisions
	}
	if len(costCollisions) > 0 {
		evidence["source_cost_collisions"] = costCollisions
	}
	return evidence, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
