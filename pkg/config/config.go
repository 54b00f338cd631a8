package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
	"gopkg.in/yaml.v3"
)

// Config holds all pit configuration.
type Config struct {
	Listen    string               `yaml:"listen"`
	DBPath    string               `yaml:"db_path"`
	Providers []ProviderConfig     `yaml:"providers"`
	Router    RouterConfig         `yaml:"router"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Pools     PoolsConfig          `yaml:"pools"`
	Engine    EngineConfig         `yaml:"engine"`
	Catalog   CatalogConfig        `yaml:"catalog"`
	Anomaly   models.AnomalyConfig `yaml:"anomaly"`
	Log       LogConfig            `yaml:"log"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a bout-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream generation provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// LedgerConfig controls per-user credit accounting.
type LedgerConfig struct {
	CreditsEnabled  bool  `yaml:"credits_enabled"`
	StartingCredits int64 `yaml:"starting_credits"`
}

// PoolsConfig holds the two shared promotional pools.
type PoolsConfig struct {
	Intro models.IntroPoolPolicy `yaml:"intro"`
	Daily models.DailyPoolPolicy `yaml:"daily"`
}

// EngineConfig controls the turn orchestrator.
type EngineConfig struct {
	DefaultModel   string          `yaml:"default_model"`
	ShareLineModel string          `yaml:"share_line_model"`
	RunTimeout     time.Duration   `yaml:"run_timeout"`
	StaleAfter     time.Duration   `yaml:"stale_after"`
	FirstTokenWarn time.Duration   `yaml:"first_token_warn"`
	ShareLine      bool            `yaml:"share_line"`
	ContextWindows map[string]int  `yaml:"context_windows"`
	Pricing        []PricingConfig `yaml:"pricing"`
}

// PricingConfig overrides the built-in price of a model, in GBP per 1M tokens.
type PricingConfig struct {
	Model  string  `yaml:"model"`
	Input  float64 `yaml:"input_per_million"`
	Output float64 `yaml:"output_per_million"`
}

// CatalogConfig points at an optional preset catalog file (YAML or TOML).
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "pit.db",
		Ledger: LedgerConfig{
			CreditsEnabled:  true,
			StartingCredits: 500,
		},
		Pools: PoolsConfig{
			Intro: models.IntroPoolPolicy{
				InitialCredits:  15000,
				DrainPerMinute:  1,
				SignupCredits:   100,
				ReferralCredits: 50,
			},
			Daily: models.DailyPoolPolicy{
				MaxBouts:      500,
				SpendCapMicro: 200_000,
			},
		},
		Engine: EngineConfig{
			DefaultModel:   "claude-haiku-4-5-20251001",
			RunTimeout:     5 * time.Minute,
			StaleAfter:     10 * time.Minute,
			FirstTokenWarn: 2 * time.Second,
			ShareLine:      true,
		},
		Anomaly: models.AnomalyConfig{
			Enabled:       true,
			DBPath:        "pit-anomalies.db",
			RetentionDays: 90,
			MaxExcerpt:    2000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when set and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.StartingCredits < 0 {
		return fmt.Errorf("invalid config: ledger.starting_credits must be >= 0")
	}
	if c.Pools.Daily.MaxBouts < 0 || c.Pools.Daily.SpendCapMicro < 0 {
		return fmt.Errorf("invalid config: pools.daily ceilings must be >= 0")
	}
	if c.Pools.Intro.InitialCredits < 0 || c.Pools.Intro.DrainPerMinute < 0 {
		return fmt.Errorf("invalid config: pools.intro values must be >= 0")
	}
	if c.Engine.RunTimeout <= 0 {
		return fmt.Errorf("invalid config: engine.run_timeout must be positive")
	}
	for _, p := range c.Providers {
		if p.Type != "" && p.Type != "openai" && p.Type != "anthropic" {
			return fmt.Errorf("invalid config: provider %q has unknown type %q", p.Name, p.Type)
		}
	}
	if c.Engine.DefaultModel == "" {
		return fmt.Errorf("invalid config: engine.default_model is required")
	}
	for _, m := range []string{c.Engine.DefaultModel, c.Engine.ShareLineModel} {
		if m != "" && !c.priced(m) {
			return fmt.Errorf("invalid config: model %q has no price; add it to engine.pricing", m)
		}
	}
	return nil
}

// priced reports whether bouts on model can be metered. Router aliases are
// billed under the alias, so they need their own engine.pricing entry.
func (c *Config) priced(model string) bool {
	if _, ok := pricing.DefaultPrices[model]; ok {
		return true
	}
	for _, p := range c.Engine.Pricing {
		if p.Model == model {
			return true
		}
	}
	return false
}
