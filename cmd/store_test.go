package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingredient-fusion/internal/config"
)

func TestEngineConfig(t *testing.T) {
	f := config.Defaults().Fusion
	f.StrictBatch = true
	f.BatchRatePerSec = 25
	f.SourceWeights = map[string]float64{"hualala": 0.7}

	ec := engineConfig(f)
	assert.InDelta(t, 0.65, ec.FuzzyThreshold, 1e-9)
	assert.InDelta(t, 0.92, ec.FuzzyConfidenceFactor, 1e-9)
	assert.InDelta(t, 0.98, ec.ExactNameConfidence, 1e-9)
	assert.Equal(t, 3, ec.MaxCreateAttempts)
	assert.True(t, ec.StrictBatch)
	assert.InDelta(t, 25, ec.BatchRatePerSec, 1e-9)
	assert.InDelta(t, 0.7, ec.Weights.Weight("hualala"), 1e-9)
	assert.InDelta(t, 0.85, ec.Weights.Weight("pinzhi"), 1e-9)
	assert.InDelta(t, 0.5, ec.Weights.Weight("unheard_of"), 1e-9)
}

func TestInitStore(t *testing.T) {
	c := config.Defaults()
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(t.TempDir(), "fusion.db")

	st, err := initStore(context.Background(), c)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	c.Store.Driver = "mysql"
	_, err = initStore(context.Background(), c)
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]string{"name": "草鱼片 & 葱"}))
	assert.Contains(t, buf.String(), "草鱼片 & 葱")
}
