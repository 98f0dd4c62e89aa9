// Package fusion resolves raw ingredient references from source systems onto
// canonical registry records.
package fusion

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ingredient-fusion/internal/cost"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// Config holds the matching thresholds and batch behaviour of an Engine.
type Config struct {
	FuzzyThreshold        float64
	FuzzyConfidenceFactor float64
	ExactNameConfidence   float64
	ConflictConfidence    float64
	MaxCreateAttempts     int
	StrictBatch           bool
	BatchRatePerSec       float64
	Weights               cost.Weights
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:        0.65,
		FuzzyConfidenceFactor: 0.92,
		ExactNameConfidence:   0.98,
		ConflictConfidence:    cost.ConflictConfidence,
		MaxCreateAttempts:     3,
		Weights:               cost.DefaultWeights(),
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = d.FuzzyThreshold
	}
	if c.FuzzyConfidenceFactor <= 0 {
		c.FuzzyConfidenceFactor = d.FuzzyConfidenceFactor
	}
	if c.ExactNameConfidence <= 0 {
		c.ExactNameConfidence = d.ExactNameConfidence
	}
	if c.ConflictConfidence <= 0 {
		c.ConflictConfidence = d.ConflictConfidence
	}
	if c.MaxCreateAttempts <= 0 {
		c.MaxCreateAttempts = d.MaxCreateAttempts
	}
	if c.Weights.Sources == nil {
		c.Weights = d.Weights
	}
	if c.Weights.Unknown <= 0 {
		c.Weights.Unknown = cost.DefaultUnknownWeight
	}
	return c
}

// Engine runs the fusion cascade against a Store. It keeps no state between
// calls, so any number of engines may share one database.
type Engine struct {
	store   ingredient.Store
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates an Engine.
func New(store ingredient.Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if cfg.BatchRatePerSec > 0 {
		burst := int(cfg.BatchRatePerSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.BatchRatePerSec), burst)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ResolveRequest is one raw ingredient reference observed in a source system.
type ResolveRequest struct {
	SourceSystem string   `json:"source_system"`
	ExternalID   string   `json:"external_id"`
	Name         string   `json:"name"`
	Category     string   `json:"category,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Cost         *float64 `json:"cost,omitempty"`
	SubmittedBy  string   `json:"submitted_by,omitempty"`
}

// ResolveResult is the identity decision for a ResolveRequest.
type ResolveResult struct {
	CanonicalID   string            `json:"canonical_id"`
	CanonicalName string            `json:"canonical_name"`
	Confidence    float64           `json:"confidence"`
	Method        ingredient.Method `json:"method"`
	IsNew         bool              `json:"is_new"`
	Evidence      map[string]any    `json:"evidence,omitempty"`
}

// ResolveOrCreate maps req onto a canonical record, creating one when the
// cascade finds no match. A creation that loses a race to a concurrent writer
// surfaces from the store as ErrIdentityConflict; the whole cascade is then
// re-run in a fresh transaction, where the winner's record is found by name.
func (e *Engine) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	req, err := cleanRequest(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		var res *ResolveResult
		err := e.store.WithTx(ctx, func(tx ingredient.Tx) error {
			r, err := e.resolveTx(ctx, tx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ingredient.ErrIdentityConflict) {
			return nil, err
		}
		if attempt >= e.cfg.MaxCreateAttempts {
			return nil, eris.Wrapf(err, "fusion: resolve %s:%s gave up after %d attempts",
				req.SourceSystem, req.ExternalID, attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "fusion: resolve")
		}
		zap.L().Warn("fusion: identity conflict, retrying as lookup",
			zap.String("source_system", req.SourceSystem),
			zap.String("external_id", req.ExternalID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
