package fusion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

func batchRequests() []ResolveRequest {
	return []ResolveRequest{
		{SourceSystem: "pinzhi", ExternalID: "1", Name: "草鱼片", Category: "seafood", Cost: costOf(3500)},
		{SourceSystem: "pinzhi", ExternalID: "2", Name: "", Category: "seafood"},
		{SourceSystem: "tiancai", ExternalID: "9", Name: "草鱼片", Category: "seafood", Cost: costOf(3600)},
	}
}

func TestBatchResolve_PartialFailure(t *testing.T) {
	e, _ := newTestEngine(t)

	results, err := e.BatchResolve(context.Background(), batchRequests())
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.True(t, results[0].OK())
	assert.True(t, results[0].Result.IsNew)
	assert.False(t, results[1].OK())
	assert.True(t, errors.Is(results[1].Err, ingredient.ErrInvalidInput))
	assert.NotEmpty(t, results[1].Error)
	assert.True(t, results[2].OK())
	assert.Equal(t, results[0].Result.CanonicalID, results[2].Result.CanonicalID)
	assert.Equal(t, ingredient.MethodExactName, results[2].Result.Method)
}

func TestBatchResolve_StrictRejectsWholeBatch(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.StrictBatch = true
	e := New(st, cfg)

	_, err := e.BatchResolve(context.Background(), batchRequests())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingredient.ErrInvalidInput))
	assert.Equal(t, 0, activeCount(t, e))
}

func TestBatchResolve_StrictCommitsTogether(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.StrictBatch = true
	e := New(st, cfg)

	reqs := batchRequests()
	reqs[1].Name = "虾仁"
	results, err := e.BatchResolve(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, results[0].Result.CanonicalID, results[2].Result.CanonicalID, "items see earlier items in the same transaction")
	assert.Equal(t, 2, activeCount(t, e))
}

func TestBatchResolve_StrictRollsBackOnStoreFailure(t *testing.T) {
	cs := &conflictingStore{Store: newTestStore(t)}
	cfg := DefaultConfig()
	cfg.StrictBatch = true
	e := New(cs, cfg)

	_, err := e.BatchResolve(context.Background(), batchRequests()[:1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingredient.ErrIdentityConflict))
	assert.Equal(t, cfg.MaxCreateAttempts, cs.attempts)
}

func TestBatchResolve_CancelledContextReportsEveryItem(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.BatchResolve(ctx, batchRequests())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.OK())
	}
}

func TestBatchResolve_RateLimited(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.BatchRatePerSec = 1000
	e := New(st, cfg)
	require.NotNil(t, e.limiter)

	results, err := e.BatchResolve(context.Background(), batchRequests())
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestBatchResolve_Empty(t *testing.T) {
	e, _ := newTestEngine(t)
	results, err := e.BatchResolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
