// Package config loads daemon configuration from config.yaml with
// ARBITER_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Tenants   []TenantConfig  `koanf:"tenants"`
	Admission AdmissionConfig `koanf:"admission"`
	Cache     CacheConfig     `koanf:"cache"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Providers []ProviderConfig `koanf:"providers"`
	Breaker   BreakerConfig   `koanf:"circuit_breaker"`
}

type ServerConfig struct {
	Port int `koanf:"port"`

	// ShutdownGrace is how long in-flight calls may continue after a
	// shutdown signal before being cancelled.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`

	// IdleTimeout closes a connection whose peer stops answering
	// keepalive pings, destroying its session.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, redis
	SQLite SQLiteConfig `koanf:"sqlite"`
	Redis  RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type TenantConfig struct {
	ID         string   `koanf:"id"`
	Name       string   `koanf:"name"`
	TokenHashes []string `koanf:"token_hashes"`
}

type AdmissionConfig struct {
	// GlobalLimit bounds concurrently executing tool calls daemon-wide.
	GlobalLimit int `koanf:"global_limit"`

	// ClassLimits bounds concurrency per provider class (backend name).
	ClassLimits map[string]int `koanf:"class_limits"`

	// QueueTimeout is how long an admitted call may wait for a slot
	// before failing with busy.
	QueueTimeout time.Duration `koanf:"queue_timeout"`

	// ProgressInterval is the period between progress notifications for
	// outstanding calls, after ProgressGrace has elapsed.
	ProgressInterval time.Duration `koanf:"progress_interval"`
	ProgressGrace    time.Duration `koanf:"progress_grace"`
}

type CacheConfig struct {
	// TTL bounds how long results are served from cache.
	TTL time.Duration `koanf:"ttl"`

	// MaxEntries bounds each cache index.
	MaxEntries int `koanf:"max_entries"`
}

type WorkflowConfig struct {
	// BaseTimeout is the per-call wall clock budget before multipliers.
	BaseTimeout time.Duration `koanf:"base_timeout"`

	// SynthesisMultiplier extends the budget for final synthesis steps.
	SynthesisMultiplier float64 `koanf:"synthesis_multiplier"`

	// DepthMultipliers extend the budget per requested thinking mode.
	DepthMultipliers map[string]float64 `koanf:"depth_multipliers"`

	// FindingsTTL bounds how long consolidated findings survive in the
	// store between steps.
	FindingsTTL time.Duration `koanf:"findings_ttl"`

	// DefaultModel is the model tools request when the caller names none.
	DefaultModel string `koanf:"default_model"`
}

type EmbeddingConfig struct {
	// MaxFiles caps how many referenced files a synthesis context may
	// embed; overflow files are dropped with a recorded warning.
	MaxFiles int `koanf:"max_files"`

	// MaxTotalBytes caps the total embedded content size.
	MaxTotalBytes int `koanf:"max_total_bytes"`
}

type ProviderConfig struct {
	Name    string `koanf:"name"`
	Type    string `koanf:"type"` // openai, anthropic
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`

	// AllowSubstitution lets the router swap in an equivalent
	// same-family model when a requested capability is unsupported.
	// When false the router degrades the request instead.
	AllowSubstitution *bool `koanf:"allow_substitution"`
}

// SubstitutionEnabled resolves the option with its default (enabled).
func (p ProviderConfig) SubstitutionEnabled() bool {
	if p.AllowSubstitution == nil {
		return true
	}
	return *p.AllowSubstitution
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	FailureWindow    time.Duration `koanf:"failure_window"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (when present) and applies ARBITER_ environment
// overrides, then fills defaults and substitutes ${VAR} references in
// provider API keys.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("ARBITER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ARBITER_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	def := map[string]any{
		"server.port":                   8660,
		"server.shutdown_grace":         "30s",
		"server.idle_timeout":           "5m",
		"storage.type":                  "memory",
		"admission.global_limit":        24,
		"admission.queue_timeout":       "45s",
		"admission.progress_interval":   "8s",
		"admission.progress_grace":      "10s",
		"cache.ttl":                     "10m",
		"cache.max_entries":             4096,
		"workflow.base_timeout":         "90s",
		"workflow.synthesis_multiplier": 2.0,
		"workflow.findings_ttl":         "3h",
		"workflow.default_model":        "gpt-4.1",
		"embedding.max_files":           20,
		"embedding.max_total_bytes":     100_000,
		"circuit_breaker.failure_threshold": 5,
		"circuit_breaker.failure_window":    "60s",
		"circuit_breaker.cooldown":          "30s",
	}
	for key, v := range def {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
	if !k.Exists("workflow.depth_multipliers") {
		k.Set("workflow.depth_multipliers", map[string]float64{
			"minimal": 1.0,
			"low":     1.0,
			"medium":  1.0,
			"high":    1.5,
			"max":     2.0,
		})
	}
}

func (c *Config) validate() error {
	if c.Admission.GlobalLimit < 1 {
		return fmt.Errorf("admission.global_limit must be >= 1, got %d", c.Admission.GlobalLimit)
	}
	for class, limit := range c.Admission.ClassLimits {
		if limit < 1 {
			return fmt.Errorf("admission.class_limits.%s must be >= 1, got %d", class, limit)
		}
	}
	if c.Embedding.MaxFiles < 1 {
		return fmt.Errorf("embedding.max_files must be >= 1, got %d", c.Embedding.MaxFiles)
	}
	if c.Embedding.MaxTotalBytes < 1 {
		return fmt.Errorf("embedding.max_total_bytes must be >= 1, got %d", c.Embedding.MaxTotalBytes)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// DepthMultiplier resolves the wall-clock multiplier for a thinking mode,
// defaulting to 1.0 for unknown modes.
func (c *Config) DepthMultiplier(mode string) float64 {
	if m, ok := c.Workflow.DepthMultipliers[mode]; ok && m > 0 {
		return m
	}
	return 1.0
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
