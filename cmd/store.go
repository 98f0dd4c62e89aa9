package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingredient-fusion/internal/config"
	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

func initStore(ctx context.Context, c *config.Config) (ingredient.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.SQLitePath
		if dsn == "" {
			dsn = "fusion.db"
		}
		return ingredient.NewSQLite(dsn)
	case "postgres":
		return ingredient.NewPostgres(ctx, c.Store.DatabaseURL, &ingredient.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// engineConfig maps the fusion section of the config file onto the engine.
func engineConfig(f config.FusionConfig) fusion.Config {
	return fusion.Config{
		FuzzyThreshold:        f.FuzzyThreshold,
		FuzzyConfidenceFactor: f.FuzzyConfidenceFactor,
		ExactNameConfidence:   f.ExactNameConfidence,
		ConflictConfidence:    f.ConflictConfidence,
		MaxCreateAttempts:     f.MaxCreateAttempts,
		StrictBatch:           f.StrictBatch,
		BatchRatePerSec:       f.BatchRatePerSec,
		Weights:               f.Weights(),
	}
}

// engineEnv bundles the store and engine opened for one command run.
type engineEnv struct {
	Store  ingredient.Store
	Engine *fusion.Engine
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine validates the config for mode, opens the store, and builds the
// engine. The caller must Close the returned env.
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return &engineEnv{Store: st, Engine: fusion.New(st, engineConfig(cfg.Fusion))}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return eris.Wrap(enc.Encode(v), "encode output")
}
