package fusion

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// BatchItemResult is the outcome of one item of a batch, in input order.
type BatchItemResult struct {
	Index  int            `json:"index"`
	Result *ResolveResult `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Err    error          `json:"-"`
}

// OK reports whether the item resolved.
func (r BatchItemResult) OK() bool {
	return r.Err == nil
}

// BatchResolve resolves reqs in input order.
//
// By default each item runs in its own transaction and a failing item is
// reported in its slot without affecting the rest. With StrictBatch the whole
// batch runs in one transaction and any failure rolls every item back. The
// returned error is non-nil only when the batch as a whole could not run: a
// cancelled context, or any failure in strict mode.
func (e *Engine) BatchResolve(ctx context.Context, reqs []ResolveRequest) ([]BatchItemResult, error) {
	if e.cfg.StrictBatch {
		return e.batchStrict(ctx, reqs)
	}

	results := make([]BatchItemResult, len(reqs))
	for i, req := range reqs {
		results[i].Index = i
		if err := e.wait(ctx); err != nil {
			for j := i; j < len(reqs); j++ {
				results[j] = failed(j, err)
			}
			return results, eris.Wrap(err, "fusion: batch cancelled")
		}

		res, err := e.ResolveOrCreate(ctx, req)
		if err != nil {
			zap.L().Warn("fusion: batch item failed",
				zap.Int("index", i),
				zap.String("source_system", req.SourceSystem),
				zap.String("external_id", req.ExternalID),
				zap.Error(err),
			)
			results[i] = failed(i, err)
			continue
		}
		results[i].Result = res
	}
	return results, nil
}

func (e *Engine) batchStrict(ctx context.Context, reqs []ResolveRequest) ([]BatchItemResult, error) {
	cleaned := make([]ResolveRequest, len(reqs))
	for i, req := range reqs {
		c, err := cleanRequest(req)
		if err != nil {
			return nil, eris.Wrapf(err, "fusion: strict batch item %d", i)
		}
		cleaned[i] = c
	}

	for attempt := 1; ; attempt++ {
		results := make([]BatchItemResult, len(cleaned))
		err := e.store.WithTx(ctx, func(tx ingredient.Tx) error {
			for i, req := range cleaned {
				if err := e.wait(ctx); err != nil {
					return err
				}
				res, err := e.resolveTx(ctx, tx, req)
				if err != nil {
					return eris.Wrapf(err, "fusion: strict batch item %d", i)
				}
				results[i] = BatchItemResult{Index: i, Result: res}
			}
			return nil
		})
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, ingredient.ErrIdentityConflict) || attempt >= e.cfg.MaxCreateAttempts {
			return nil, err
		}
		zap.L().Warn("fusion: identity conflict in strict batch, retrying",
			zap.Int("items", len(cleaned)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (e *Engine) wait(ctx context.Context) error {
	if e.limiter == nil {
		return ctx.Err()
	}
	return e.limiter.Wait(ctx)
}

func failed(i int, err error) BatchItemResult {
	return BatchItemResult{Index: i, Error: err.Error(), Err: err}
}
