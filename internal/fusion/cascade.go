package fusion

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/cost"
	"github.com/sells-group/ingredient-fusion/internal/identity"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
	"github.com/sells-group/ingredient-fusion/internal/textnorm"
)

// maxMergeHops bounds how far an exact-id lookup follows merged_into links.
const maxMergeHops = 8

// match is the outcome of one cascade step.
type match struct {
	record     *ingredient.CanonicalIngredient
	method     ingredient.Method
	confidence float64
	evidence   map[string]any
}

// resolveTx runs the cascade inside tx and applies its side effects.
func (e *Engine) resolveTx(ctx context.Context, tx ingredient.Tx, req ResolveRequest) (*ResolveResult, error) {
	normalized := textnorm.Normalize(req.Name)

	m, err := e.cascade(ctx, tx, req, normalized)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return e.create(ctx, tx, req, normalized)
	}

	// Re-read through the locking path before mutating; a record merged away
	// since the lookup sends the caller round the retry loop.
	locked, err := tx.Get(ctx, m.record.CanonicalID)
	if err != nil {
		return nil, err
	}
	if locked == nil || !locked.IsActive {
		return nil, eris.Wrapf(ingredient.ErrIdentityConflict, "fusion: %s changed during resolve", m.record.CanonicalID)
	}
	m.record = locked
	return e.applyHit(ctx, tx, req, m)
}

// cascade returns the first hit of exact-id, exact-name and fuzzy-name, or nil.
func (e *Engine) cascade(ctx context.Context, tx ingredient.Tx, req ResolveRequest, normalized string) (*match, error) {
	if m, err := e.matchExternalID(ctx, tx, req); err != nil || m != nil {
		return m, err
	}
	if m, err := e.matchExactName(ctx, tx, req, normalized); err != nil || m != nil {
		return m, err
	}
	return e.matchFuzzyName(ctx, tx, req, normalized)
}

func (e *Engine) matchExternalID(ctx context.Context, tx ingredient.Tx, req ResolveRequest) (*match, error) {
	rec, err := tx.FindByExternalID(ctx, req.SourceSystem, req.ExternalID)
	if err != nil || rec == nil {
		return nil, err
	}

	evidence := map[string]any{"rule": string(ingredient.MethodExactID), "external_id": req.ExternalID}
	if !rec.IsActive {
		bound := rec.CanonicalID
		for hops := 0; rec != nil && !rec.IsActive && rec.MergedInto != "" && hops < maxMergeHops; hops++ {
			if rec, err = tx.Get(ctx, rec.MergedInto); err != nil {
				return nil, err
			}
		}
		if rec == nil || !rec.IsActive {
			zap.L().Debug("fusion: external id bound to retired record",
				zap.String("source_system", req.SourceSystem),
				zap.String("external_id", req.ExternalID),
				zap.String("canonical_id", bound),
			)
			return nil, nil
		}
		evidence["via_merged"] = bound
	}

	zap.L().Debug("fusion: matched by external id",
		zap.String("source_system", req.SourceSystem),
		zap.String("external_id", req.ExternalID),
		zap.String("canonical_id", rec.CanonicalID),
	)
	return &match{record: rec, method: ingredient.MethodExactID, confidence: 1.0, evidence: evidence}, nil
}

func (e *Engine) matchExactName(ctx context.Context, tx ingredient.Tx, req ResolveRequest, normalized string) (*match, error) {
	cands, err := tx.FindByNormalizedName(ctx, normalized)
	if err != nil || len(cands) == 0 {
		return nil, err
	}

	pick := &cands[0]
	sameCategory := false
	for i := range cands {
		if cands[i].Category == req.Category {
			pick, sameCategory = &cands[i], true
			break
		}
	}

	zap.L().Debug("fusion: matched by normalized name",
		zap.String("normalized_name", normalized),
		zap.String("canonical_id", pick.CanonicalID),
		zap.Bool("same_category", sameCategory),
	)
	return &match{
		record:     pick,
		method:     ingredient.MethodExactName,
		confidence: e.cfg.ExactNameConfidence,
		evidence: map[string]any{
			"rule":            string(ingredient.MethodExactName),
			"normalized_name": normalized,
			"same_category":   sameCategory,
			"candidates":      len(cands),
		},
	}, nil
}

// matchFuzzyName scans records sharing the leading two runes of the name and
// ranks them by bigram Jaccard. The best same-category candidate wins when it
// clears the threshold; otherwise the best overall.
func (e *Engine) matchFuzzyName(ctx context.Context, tx ingredient.Tx, req ResolveRequest, normalized string) (*match, error) {
	fragment := textnorm.PrefixFragment(normalized)
	if fragment == "" {
		return nil, nil
	}
	cands, err := tx.SearchByFragment(ctx, fragment)
	if err != nil || len(cands) == 0 {
		return nil, err
	}

	var (
		bestSame, bestAny           *ingredient.CanonicalIngredient
		bestSameScore, bestAnyScore float64
	)
	for i := range cands {
		c := &cands[i]
		score := textnorm.Jaccard(normalized, c.NormalizedName)
		if score > bestAnyScore {
			bestAny, bestAnyScore = c, score
		}
		if c.Category == req.Category && score > bestSameScore {
			bestSame, bestSameScore = c, score
		}
	}

	pick, score, sameCategory := bestSame, bestSameScore, true
	if pick == nil || score < e.cfg.FuzzyThreshold {
		pick, score, sameCategory = bestAny, bestAnyScore, bestAny != nil && bestAny.Category == req.Category
	}
	if pick == nil || score < e.cfg.FuzzyThreshold {
		zap.L().Debug("fusion: no fuzzy candidate above threshold",
			zap.String("normalized_name", normalized),
			zap.Int("candidates", len(cands)),
			zap.Float64("best_score", bestAnyScore),
		)
		return nil, nil
	}

	zap.L().Debug("fusion: matched by fuzzy name",
		zap.String("normalized_name", normalized),
		zap.String("canonical_id", pick.CanonicalID),
		zap.Float64("score", score),
	)
	return &match{
		record:     pick,
		method:     ingredient.MethodFuzzyName,
		confidence: score * e.cfg.FuzzyConfidenceFactor,
		evidence: map[string]any{
			"rule":           string(ingredient.MethodFuzzyName),
			"score":          score,
			"threshold":      e.cfg.FuzzyThreshold,
			"matched_name":   pick.CanonicalName,
			"same_category":  sameCategory,
			"candidates":     len(cands),
			"prefix_scanned": fragment,
		},
	}, nil
}

// create mints a new canonical record for req.
func (e *Engine) create(ctx context.Context, tx ingredient.Tx, req ResolveRequest, normalized string) (*ResolveResult, error) {
	weight := e.cfg.Weights.Weight(req.SourceSystem)

	candidate := identity.Generate(req.Name, req.Category)
	id, err := identity.EnsureUnique(ctx, tx, candidate, normalized)
	if err != nil {
		return nil, err
	}

	rec := &ingredient.CanonicalIngredient{
		CanonicalID:      id,
		CanonicalName:    req.Name,
		NormalizedName:   normalized,
		Category:         req.Category,
		Unit:             req.Unit,
		ExternalIDs:      map[string]string{req.SourceSystem: req.ExternalID},
		SourceCosts:      map[string]ingredient.SourceCost{},
		FusionConfidence: weight,
		FusionMethod:     ingredient.MethodNew,
		IsActive:         true,
		CreatedBy:        req.SubmittedBy,
	}
	evidence := map[string]any{
		"rule":            string(ingredient.MethodNew),
		"normalized_name": normalized,
		"source_weight":   weight,
		"candidate_id":    candidate,
	}
	if id != candidate {
		evidence["disambiguated"] = true
	}
	if req.Cost != nil {
		res, err := e.observeCost(rec, req.SourceSystem, *req.Cost, weight)
		if err != nil {
			return nil, err
		}
		recordCostEvidence(evidence, res)
	}

	if err := tx.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
		EntityType:    ingredient.EntityIngredient,
		CanonicalID:   rec.CanonicalID,
		Action:        ingredient.ActionCreateCanonical,
		SourceSystem:  req.SourceSystem,
		RawExternalID: req.ExternalID,
		RawName:       req.Name,
		Confidence:    rec.FusionConfidence,
		FusionMethod:  ingredient.MethodNew,
		Evidence:      evidence,
		CreatedBy:     req.SubmittedBy,
	}); err != nil {
		return nil, err
	}

	zap.L().Info("fusion: created canonical ingredient",
		zap.String("canonical_id", rec.CanonicalID),
		zap.String("name", rec.CanonicalName),
		zap.String("source_system", req.SourceSystem),
	)
	return &ResolveResult{
		CanonicalID:   rec.CanonicalID,
		CanonicalName: rec.CanonicalName,
		Confidence:    rec.FusionConfidence,
		Method:        ingredient.MethodNew,
		IsNew:         true,
		Evidence:      evidence,
	}, nil
}

// applyHit records the sighting on the matched record.
func (e *Engine) applyHit(ctx context.Context, tx ingredient.Tx, req ResolveRequest, m *match) (*ResolveResult, error) {
	rec := m.record

	if rec.BindExternalID(req.SourceSystem, req.ExternalID) {
		m.evidence["bound_external_id"] = true
	} else if bound := rec.ExternalIDs[req.SourceSystem]; bound != req.ExternalID {
		// Never rebind silently; a merge is the only way to move a binding.
		m.evidence["existing_external_id"] = bound
	}
	if m.method == ingredient.MethodFuzzyName && rec.AddAlias(req.Name) {
		m.evidence["alias_added"] = req.Name
	}
	if rec.Unit == "" && req.Unit != "" {
		rec.Unit = req.Unit
	}

	confidence := m.confidence
	if req.Cost != nil {
		res, err := e.observeCost(rec, req.SourceSystem, *req.Cost, e.cfg.Weights.Weight(req.SourceSystem))
		if err != nil {
			return nil, err
		}
		recordCostEvidence(m.evidence, res)
		confidence = math.Min(confidence, res.Confidence)
	} else if len(rec.SourceCosts) > 0 {
		res, err := cost.Reconcile(rec.Observations())
		if err != nil {
			return nil, eris.Wrapf(ingredient.ErrInvalidInput, "fusion: stored costs for %s: %v", rec.CanonicalID, err)
		}
		confidence = math.Min(confidence, res.Confidence)
	}
	rec.FusionConfidence = confidence
	if rec.FusionMethod != ingredient.MethodManual {
		rec.FusionMethod = m.method
	}

	if err := tx.Update(ctx, rec); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, &ingredient.AuditEntry{
		EntityType:         ingredient.EntityIngredient,
		CanonicalID:        rec.CanonicalID,
		Action:             ingredient.ActionAliasToExisting,
		SourceSystem:       req.SourceSystem,
		RawExternalID:      req.ExternalID,
		RawName:            req.Name,
		MatchedCanonicalID: rec.CanonicalID,
		Confidence:         m.confidence,
		FusionMethod:       m.method,
		Evidence:           m.evidence,
		CreatedBy:          req.SubmittedBy,
	}); err != nil {
		return nil, err
	}

	return &ResolveResult{
		CanonicalID:   rec.CanonicalID,
		CanonicalName: rec.CanonicalName,
		Confidence:    m.confidence,
		Method:        m.method,
		Evidence:      m.evidence,
	}, nil
}

// observeCost replaces source's observation on rec and reconciles. The
// record's confidence drops to the composite when that is lower, and the
// conflict flag is raised (never lowered) when the composite is below the
// conflict threshold.
func (e *Engine) observeCost(rec *ingredient.CanonicalIngredient, source string, value, reliability float64) (cost.Result, error) {
	rec.SetSourceCost(source, ingredient.SourceCost{Cost: value, Reliability: reliability, ObservedAt: e.now()})
	res, err := cost.Reconcile(rec.Observations())
	if err != nil {
		return cost.Result{}, eris.Wrapf(ingredient.ErrInvalidInput, "fusion: reconcile %s: %v", rec.CanonicalID, err)
	}
	canonical := res.Cost
	rec.CanonicalCost = &canonical
	rec.FusionConfidence = math.Min(rec.FusionConfidence, res.Confidence)
	if res.Confidence < e.cfg.ConflictConfidence {
		rec.ConflictFlag = true
	}
	return res, nil
}

func recordCostEvidence(evidence map[string]any, res cost.Result) {
	evidence["canonical_cost"] = res.Cost
	evidence["cost_confidence"] = res.Confidence
	evidence["max_deviation"] = res.MaxDeviation
	if res.Penalized {
		evidence["cost_penalized"] = true
	}
}
