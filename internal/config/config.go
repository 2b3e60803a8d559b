package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from SENSORA_* environment variables at startup.
type Config struct {
	Addr          string `env:"SENSORA_ADDR"            envDefault:":8080"`
	SQLitePath    string `env:"SENSORA_SQLITE_PATH"     envDefault:"./data/sensora.db"`
	MigrationsDir string `env:"SENSORA_MIGRATIONS_DIR"`
	StaticDir     string `env:"SENSORA_STATIC_DIR"`
	// DevFrontendURL proxies non-API paths to a frontend dev server when no
	// static dir is set.
	DevFrontendURL string        `env:"SENSORA_DEV_FRONTEND_URL"`
	JWTSecret      string        `env:"SENSORA_JWT_SECRET"      envDefault:"sensora-dev-secret"`
	TokenTTL       time.Duration `env:"SENSORA_TOKEN_TTL"       envDefault:"12h"`
	LogMode        string        `env:"SENSORA_LOG_MODE"        envDefault:"dev"`
	Commit         string        `env:"SENSORA_COMMIT"`
	BuildTime      string        `env:"SENSORA_BUILD_TIME"`

	// EvaluatorPositions is the size of the fixed evaluator roster.
	EvaluatorPositions  int           `env:"SENSORA_EVALUATOR_POSITIONS"  envDefault:"12"`
	RandomizationDesign string        `env:"SENSORA_RANDOMIZATION_DESIGN" envDefault:"shuffle"`
	InFlightTTL         time.Duration `env:"SENSORA_INFLIGHT_TTL"         envDefault:"30s"`
	RedisAddr           string        `env:"SENSORA_REDIS_ADDR"`
	RedisPrefix         string        `env:"SENSORA_REDIS_PREFIX"         envDefault:"sensora:"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.EvaluatorPositions < 1 {
		return fmt.Errorf("SENSORA_EVALUATOR_POSITIONS must be >= 1, got %d", c.EvaluatorPositions)
	}
	switch strings.ToLower(c.RandomizationDesign) {
	case "shuffle", "williams":
	default:
		return fmt.Errorf("unknown SENSORA_RANDOMIZATION_DESIGN %q", c.RandomizationDesign)
	}
	if c.InFlightTTL <= 0 {
		return fmt.Errorf("SENSORA_INFLIGHT_TTL must be positive")
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("SENSORA_SQLITE_PATH is required")
	}
	return nil
}
