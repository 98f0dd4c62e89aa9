package fusion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

func TestMerge(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P1", Name: "草鱼片", Category: "seafood", Cost: costOf(3500)})
	require.NoError(t, err)
	b, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "tiancai", ExternalID: "T9", Name: "鲩鱼片", Category: "seafood", Cost: costOf(3600)})
	require.NoError(t, err)
	require.True(t, b.IsNew)
	require.NotEqual(t, a.CanonicalID, b.CanonicalID)

	kept, err := e.Merge(ctx, a.CanonicalID, b.CanonicalID, "same fish, regional name", "ops@kitchen")
	require.NoError(t, err)
	assert.Equal(t, ingredient.MethodManual, kept.FusionMethod)
	assert.False(t, kept.ConflictFlag)
	assert.Equal(t, []string{b.CanonicalID}, kept.MergeOf)
	assert.Contains(t, kept.Aliases, "鲩鱼片")
	assert.Equal(t, "T9", kept.ExternalIDs["tiancai"])
	require.NotNil(t, kept.CanonicalCost)
	assert.InDelta(t, (3500*0.85+3600*0.80)/(0.85+0.80), *kept.CanonicalCost, 1e-6)

	// Lookups bound to the absorbed record now land on the survivor.
	res, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "tiancai", ExternalID: "T9", Name: "鲩鱼片"})
	require.NoError(t, err)
	assert.Equal(t, a.CanonicalID, res.CanonicalID)
	assert.Equal(t, ingredient.MethodExactID, res.Method)

	_, err = e.GetMapping(ctx, b.CanonicalID)
	assert.True(t, errors.Is(err, ingredient.ErrNotFound))
	page, err := e.ListMappings(ctx, "", 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, a.CanonicalID, page.Items[0].CanonicalID)

	// The manual method survives later sightings.
	rec, err := e.GetMapping(ctx, a.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, ingredient.MethodManual, rec.FusionMethod)

	entries, err := e.GetAuditLog(ctx, ingredient.AuditFilter{CanonicalID: b.CanonicalID})
	require.NoError(t, err)
	var merges []ingredient.AuditEntry
	for _, en := range entries {
		if en.Action == ingredient.ActionMerge {
			merges = append(merges, en)
		}
	}
	require.Len(t, merges, 1)
	assert.Equal(t, a.CanonicalID, merges[0].CanonicalID)
	assert.Equal(t, b.CanonicalID, merges[0].MatchedCanonicalID)
	assert.Equal(t, "ops@kitchen", merges[0].CreatedBy)
	assert.Equal(t, "same fish, regional name", merges[0].Evidence["reason"])
}

func TestMerge_CollidingExternalIDsFollowMergedInto(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P1", Name: "牛腩", Category: "meat"})
	require.NoError(t, err)
	b, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P2", Name: "肋条", Category: "meat"})
	require.NoError(t, err)

	kept, err := e.Merge(ctx, a.CanonicalID, b.CanonicalID, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, "P1", kept.ExternalIDs["pinzhi"], "keep wins on collision")

	res, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P2", Name: "肋条"})
	require.NoError(t, err)
	assert.Equal(t, a.CanonicalID, res.CanonicalID)
	assert.Equal(t, ingredient.MethodExactID, res.Method)
	assert.Equal(t, b.CanonicalID, res.Evidence["via_merged"])
}

func TestMerge_ChainCarriesMergeOf(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i, name := range []string{"土豆", "马铃薯", "洋芋"} {
		res, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: string(rune('a' + i)), Name: name, Category: "veg"})
		require.NoError(t, err)
		ids = append(ids, res.CanonicalID)
	}
	_, err := e.Merge(ctx, ids[1], ids[2], "", "ops")
	require.NoError(t, err)
	kept, err := e.Merge(ctx, ids[0], ids[1], "", "ops")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[1], ids[2]}, kept.MergeOf)
	assert.Subset(t, kept.Aliases, []string{"马铃薯", "洋芋"})

	res, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "c", Name: "洋芋"})
	require.NoError(t, err)
	assert.Equal(t, ids[0], res.CanonicalID, "two hops through merged_into")
}

func TestMerge_ClearsConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "草鱼片", Category: "seafood", Cost: costOf(3500)})
	require.NoError(t, err)
	_, err = e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "meituan", ExternalID: "2", Name: "草鱼片", Category: "seafood", Cost: costOf(7000)})
	require.NoError(t, err)
	b, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "3", Name: "鲩鱼", Category: "seafood"})
	require.NoError(t, err)

	kept, err := e.Merge(ctx, a.CanonicalID, b.CanonicalID, "", "ops")
	require.NoError(t, err)
	assert.False(t, kept.ConflictFlag)
}

func TestMerge_Errors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "1", Name: "葱", Category: "veg"})
	require.NoError(t, err)

	_, err = e.Merge(ctx, a.CanonicalID, a.CanonicalID, "", "ops")
	assert.True(t, errors.Is(err, ingredient.ErrInvalidInput))

	_, err = e.Merge(ctx, a.CanonicalID, "ING-GEN-ffffff", "", "ops")
	assert.True(t, errors.Is(err, ingredient.ErrNotFound))

	_, err = e.Merge(ctx, a.CanonicalID, "", "", "ops")
	assert.True(t, errors.Is(err, ingredient.ErrInvalidInput))

	_, err = e.Merge(ctx, a.CanonicalID, "ING-GEN-ffffff", "", "")
	assert.True(t, errors.Is(err, ingredient.ErrInvalidInput))

	// Failed merges leave no trace.
	rec, err := e.GetMapping(ctx, a.CanonicalID)
	require.NoError(t, err)
	assert.Empty(t, rec.MergeOf)
	entries, err := e.GetAuditLog(ctx, ingredient.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAbsorb_SourceCostCollisionKeepsNewest(t *testing.T) {
	e := New(nil, DefaultConfig())
	now := e.now()
	keep := &ingredient.CanonicalIngredient{
		CanonicalID: "A",
		SourceCosts: map[string]ingredient.SourceCost{"pinzhi": {Cost: 10, Reliability: 0.85, ObservedAt: now}},
		ExternalIDs: map[string]string{"pinzhi": "1"},
	}
	gone := &ingredient.CanonicalIngredient{
		CanonicalID:   "B",
		CanonicalName: "b",
		SourceCosts: map[string]ingredient.SourceCost{
			"pinzhi":  {Cost: 12, Reliability: 0.85, ObservedAt: now.Add(1)},
			"tiancai": {Cost: 11, Reliability: 0.80, ObservedAt: now},
		},
		ExternalIDs: map[string]string{"pinzhi": "2", "tiancai": "9"},
	}

	evidence, err := e.absorb(keep, gone)
	require.NoError(t, err)
	assert.InDelta(t, 12, keep.SourceCosts["pinzhi"].Cost, 1e-9)
	assert.InDelta(t, 11, keep.SourceCosts["tiancai"].Cost, 1e-9)
	assert.Equal(t, "1", keep.ExternalIDs["pinzhi"])
	assert.Equal(t, "9", keep.ExternalIDs["tiancai"])
	assert.Equal(t, []string{"pinzhi"}, evidence["external_id_collisions"])
	assert.Equal(t, []string{"pinzhi"}, evidence["source_cost_collisions"])
}

func TestMerge_AuditFailureRollsBack(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P1", Name: "草鱼片", Category: "seafood"})
	require.NoError(t, err)
	b, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "tiancai", ExternalID: "T9", Name: "鲩鱼片", Category: "seafood"})
	require.NoError(t, err)

	failing := New(auditFailingStore{Store: st}, DefaultConfig())
	_, err = failing.Merge(ctx, a.CanonicalID, b.CanonicalID, "same fish", "ops")
	require.Error(t, err)

	kept, err := e.GetMapping(ctx, a.CanonicalID)
	require.NoError(t, err)
	assert.Empty(t, kept.MergeOf)
	assert.NotContains(t, kept.ExternalIDs, "tiancai")
	assert.Equal(t, ingredient.MethodNew, kept.FusionMethod)

	gone, err := e.GetMapping(ctx, b.CanonicalID)
	require.NoError(t, err)
	assert.True(t, gone.IsActive)
	assert.Empty(t, gone.MergedInto)

	entries, err := e.GetAuditLog(ctx, ingredient.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMerge_NoCostsKeepsFullConfidence(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "pinzhi", ExternalID: "P1", Name: "葱", Category: "veg"})
	require.NoError(t, err)
	b, err := e.ResolveOrCreate(ctx, ResolveRequest{SourceSystem: "meituan", ExternalID: "M1", Name: "青葱", Category: "veg"})
	require.NoError(t, err)

	kept, err := e.Merge(ctx, a.CanonicalID, b.CanonicalID, "", "ops")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, kept.FusionConfidence, 1e-9)
	assert.Nil(t, kept.CanonicalCost)
}
