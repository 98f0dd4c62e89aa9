package cost

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Reconciliation thresholds.
const (
	// ConflictDeviation is the relative deviation above which observations disagree.
	ConflictDeviation = 0.20
	// MinConsistencyPenalty floors the penalty applied to disagreeing observations.
	MinConsistencyPenalty = 0.5
	// ConflictConfidence is the composite confidence below which a record is flagged.
	ConflictConfidence = 0.6
)

// ErrInvalidObservation is returned for negative, NaN or infinite inputs.
var ErrInvalidObservation = eris.New("cost: invalid observation")

// Observation is one source's cost for a canonical ingredient.
type Observation struct {
	SourceSystem string  `json:"source_system"`
	Cost         float64 `json:"cost"`
	Reliability  float64 `json:"reliability"`
}

// Result is the reconciled cost and its composite confidence.
type Result struct {
	Cost         float64 `json:"cost"`
	Confidence   float64 `json:"confidence"`
	MaxDeviation float64 `json:"max_deviation"`
	Penalized    bool    `json:"penalized"`
}

// Conflict reports whether the composite confidence falls below ConflictConfidence.
func (r Result) Conflict() bool {
	return r.Confidence < ConflictConfidence
}

// Reconcile combines observations into a reliability-weighted cost.
//
// Observations are sorted by source, cost and reliability before reducing, so the
// result does not depend on the order the caller collected them in (typically map
// iteration). Empty input yields a zero result; when every reliability is zero the
// first sorted observation's cost is returned with zero confidence.
func Reconcile(obs []Observation) (Result, error) {
	if len(obs) == 0 {
		return Result{}, nil
	}
	for _, o := range obs {
		if !finite(o.Cost) || o.Cost < 0 {
			return Result{}, eris.Wrapf(ErrInvalidObservation, "cost %v from %s", o.Cost, o.SourceSystem)
		}
		if !finite(o.Reliability) || o.Reliability < 0 || o.Reliability > 1 {
			return Result{}, eris.Wrapf(ErrInvalidObservation, "reliability %v from %s", o.Reliability, o.SourceSystem)
		}
	}

	sorted := make([]Observation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.SourceSystem != b.SourceSystem {
			return a.SourceSystem < b.SourceSystem
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Reliability < b.Reliability
	})

	var weighted, totalWeight float64
	for _, o := range sorted {
		weighted += o.Cost * o.Reliability
		totalWeight += o.Reliability
	}
	if totalWeight == 0 {
		return Result{Cost: sorted[0].Cost}, nil
	}
	avgCost := weighted / totalWeight

	var maxDev float64
	if avgCost > 0 {
		for _, o := range sorted {
			if dev := math.Abs(o.Cost-avgCost) / avgCost; dev > maxDev {
				maxDev = dev
			}
		}
	}

	confidence := totalWeight / float64(len(sorted))
	penalized := false
	if maxDev > ConflictDeviation {
		confidence *= math.Max(MinConsistencyPenalty, 1-maxDev)
		penalized = true
	}
	confidence = math.Min(confidence, 1.0)

	return Result{
		Cost:         avgCost,
		Confidence:   confidence,
		MaxDeviation: maxDev,
		Penalized:    penalized,
	}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
