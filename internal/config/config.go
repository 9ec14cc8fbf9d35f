package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/metis/internal/forge"
	"github.com/conorfennell/metis/internal/review"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a
// double underscore: METIS_GENERATOR__API_KEY sets generator.api_key.
const EnvPrefix = "METIS_"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Review    ReviewConfig    `koanf:"review"`
	Generator GeneratorConfig `koanf:"generator"`
	Sync      SyncConfig      `koanf:"sync"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// ReviewConfig tunes the spaced-repetition curve.
type ReviewConfig struct {
	// Intervals maps a review level to days until the next review.
	Intervals map[int]int `koanf:"intervals" validate:"required,dive,keys,min=0,endkeys,min=1"`
	// Overflow is "base" (levels past the table reuse level 0) or "max".
	Overflow string `koanf:"overflow" validate:"oneof=base max"`
}

// GeneratorConfig points at the generative-text API used for forging.
type GeneratorConfig struct {
	Endpoint string        `koanf:"endpoint" validate:"required,url"`
	Model    string        `koanf:"model" validate:"required"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout" validate:"min=0"`
}

// SyncConfig controls where git sources are cloned.
type SyncConfig struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "metis.db"},
		Review: ReviewConfig{
			Intervals: review.DefaultIntervals(),
			Overflow:  string(review.OverflowBase),
		},
		Generator: GeneratorConfig{
			Endpoint: forge.DefaultEndpoint,
			Model:    forge.DefaultModel,
			Timeout:  60 * time.Second,
		},
		Sync: SyncConfig{ReposDir: "repos"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":       "server.addr",
	"db":         "database.path",
	"repos-dir":  "sync.repos_dir",
	"log-level":  "log.level",
	"log-format": "log.format",
	"model":      "generator.model",
}

// RegisterFlags adds the configuration flags to the flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("addr", d.Server.Addr, "HTTP listen address")
	flags.String("db", d.Database.Path, "Path to the SQLite database file")
	flags.String("repos-dir", d.Sync.ReposDir, "Directory git sources are cloned into")
	flags.String("log-level", d.Log.Level, "Log level: debug, info, warn or error")
	flags.String("log-format", d.Log.Format, "Log format: text or json")
	flags.String("model", d.Generator.Model, "Generative model used for forging")
}

// Load layers the YAML file named by --config, METIS_ environment
// variables and explicitly set flags over the defaults, then validates.
// flags may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	var path string
	if flags != nil {
		path, _ = flags.GetString("config")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		flagKey := func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	applyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a configuration for out-of-range values.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := review.NewScheduler(cfg.Review.Intervals, review.Overflow(cfg.Review.Overflow)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyDefaults fills zero fields. The interval table is replaced as a
// whole rather than merged, so a configured curve never inherits levels.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = d.Database.Path
	}
	if len(cfg.Review.Intervals) == 0 {
		cfg.Review.Intervals = d.Review.Intervals
	}
	if cfg.Review.Overflow == "" {
		cfg.Review.Overflow = d.Review.Overflow
	}
	if cfg.Generator.Endpoint == "" {
		cfg.Generator.Endpoint = d.Generator.Endpoint
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = d.Generator.Model
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = d.Generator.Timeout
	}
	if cfg.Sync.ReposDir == "" {
		cfg.Sync.ReposDir = d.Sync.ReposDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
