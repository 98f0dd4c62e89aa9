// Package config loads fusion-cli configuration and initialises logging.
package config

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingredient-fusion/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Fusion FusionConfig `yaml:"fusion" mapstructure:"fusion"`
	Import ImportConfig `yaml:"import" mapstructure:"import"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// FusionConfig holds the matching thresholds and source weights.
type FusionConfig struct {
	FuzzyThreshold        float64            `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	FuzzyConfidenceFactor float64            `yaml:"fuzzy_confidence_factor" mapstructure:"fuzzy_confidence_factor"`
	ExactNameConfidence   float64            `yaml:"exact_name_confidence" mapstructure:"exact_name_confidence"`
	ConflictConfidence    float64            `yaml:"conflict_confidence" mapstructure:"conflict_confidence"`
	MaxCreateAttempts     int                `yaml:"max_create_attempts" mapstructure:"max_create_attempts"`
	StrictBatch           bool               `yaml:"strict_batch" mapstructure:"strict_batch"`
	BatchRatePerSec       float64            `yaml:"batch_rate_per_sec" mapstructure:"batch_rate_per_sec"`
	UnknownSourceWeight   float64            `yaml:"unknown_source_weight" mapstructure:"unknown_source_weight"`
	SourceWeights         map[string]float64 `yaml:"source_weights" mapstructure:"source_weights"`
}

// ImportConfig configures the import command.
type ImportConfig struct {
	Concurrency   int `yaml:"concurrency" mapstructure:"concurrency"`
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "fusion.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("fusion.fuzzy_threshold", 0.65)
	v.SetDefault("fusion.fuzzy_confidence_factor", 0.92)
	v.SetDefault("fusion.exact_name_confidence", 0.98)
	v.SetDefault("fusion.conflict_confidence", cost.ConflictConfidence)
	v.SetDefault("fusion.max_create_attempts", 3)
	v.SetDefault("fusion.strict_batch", false)
	v.SetDefault("fusion.batch_rate_per_sec", 0)
	v.SetDefault("fusion.unknown_source_weight", cost.DefaultUnknownWeight)
	v.SetDefault("fusion.source_weights", cost.DefaultWeights().Sources)
	v.SetDefault("import.concurrency", 4)
	v.SetDefault("import.retry_attempts", 3)
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Defaults returns the configuration with every default applied and no file
// or environment overrides.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// WriteExample writes the default configuration as YAML.
func WriteExample(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Defaults()); err != nil {
		return eris.Wrap(err, "config: encode example")
	}
	return eris.Wrap(enc.Close(), "config: flush example")
}

// Weights returns the source reliability table described by the config.
func (f FusionConfig) Weights() cost.Weights {
	return cost.DefaultWeights().WithOverrides(f.SourceWeights, f.UnknownSourceWeight)
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "cli".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 {
			errs = append(errs, "store.max_conns must be >= 1")
		}
		if c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, "store.min_conns must be between 0 and store.max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	f := c.Fusion
	for name, v := range map[string]float64{
		"fuzzy_threshold":         f.FuzzyThreshold,
		"fuzzy_confidence_factor": f.FuzzyConfidenceFactor,
		"exact_name_confidence":   f.ExactNameConfidence,
		"conflict_confidence":     f.ConflictConfidence,
		"unknown_source_weight":   f.UnknownSourceWeight,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, "fusion."+name+" must be in (0, 1]")
		}
	}
	for source, w := range f.SourceWeights {
		if w <= 0 || w > 1 {
			errs = append(errs, "fusion.source_weights."+source+" must be in (0, 1]")
		}
	}
	if f.MaxCreateAttempts < 1 {
		errs = append(errs, "fusion.max_create_attempts must be >= 1")
	}
	if f.BatchRatePerSec < 0 {
		errs = append(errs, "fusion.batch_rate_per_sec must be >= 0")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "cli":
		if c.Import.Concurrency < 1 || c.Import.Concurrency > 64 {
			errs = append(errs, "import.concurrency must be between 1 and 64")
		}
		if c.Import.RetryAttempts < 1 {
			errs = append(errs, "import.retry_attempts must be >= 1")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
