// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/llmbridge/internal/provider"
)

// envPrefix marks environment variables that override config values.
// Nesting uses a double underscore so keys that contain a single
// underscore survive the mapping:
//
//	LLMBRIDGE_SERVER__PORT                  -> server.port
//	LLMBRIDGE_PROVIDERS__OPENAI__API_KEY    -> providers.openai.api_key
const envPrefix = "LLMBRIDGE_"

// Config is the top-level configuration for the llmbridge gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Retry     RetryConfig               `koanf:"retry"`
	Defaults  DefaultsConfig            `koanf:"defaults"`
	Catalog   CatalogConfig             `koanf:"catalog"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error") and
// format ("json" or "console").
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ProviderConfig holds the settings for a single LLM provider.
//
// Models is optional. When it is set, ListModels returns it verbatim and
// never calls the vendor's model endpoint.
type ProviderConfig struct {
	APIKey                string        `koanf:"api_key"`
	BaseURL               string        `koanf:"base_url"`
	DefaultModel          string        `koanf:"default_model"`
	Models                []string      `koanf:"models"`
	ResponseHeaderTimeout time.Duration `koanf:"response_header_timeout"`
}

// RetryConfig mirrors provider.RetryPolicy.
type RetryConfig struct {
	MaxRetries         int           `koanf:"max_retries"`
	UnavailableRetries int           `koanf:"unavailable_retries"`
	BaseDelay          time.Duration `koanf:"base_delay"`
	MaxDelay           time.Duration `koanf:"max_delay"`
	MaxTotalWait       time.Duration `koanf:"max_total_wait"`
}

// Policy converts the config block into the policy the adapters use.
func (r RetryConfig) Policy() provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxRetries:         r.MaxRetries,
		UnavailableRetries: r.UnavailableRetries,
		BaseDelay:          r.BaseDelay,
		MaxDelay:           r.MaxDelay,
		MaxTotalWait:       r.MaxTotalWait,
	}
}

// DefaultsConfig holds the request-level defaults applied to any optional
// field a caller leaves unset.
type DefaultsConfig struct {
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
	TopP        float64 `koanf:"top_p"`
}

// CatalogConfig points at the optional shared model catalog. An empty
// RedisURL keeps model lists in-process only.
type CatalogConfig struct {
	RedisURL string        `koanf:"redis_url"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

// vendorDefaults fills in what an operator rarely wants to type: the
// public endpoint, a sensible default model, and the conventional
// environment variable that holds the key.
var vendorDefaults = map[string]struct {
	baseURL string
	model   string
	keyEnv  string
}{
	provider.OpenAI:    {"https://api.openai.com/v1", "gpt-4o-mini", "OPENAI_API_KEY"},
	provider.Anthropic: {"https://api.anthropic.com/v1", "claude-3-5-haiku-latest", "ANTHROPIC_API_KEY"},
	provider.Gemini:    {"https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash", "GEMINI_API_KEY"},
}

// defaults are applied only for keys that neither the file nor the
// environment set, so an explicit zero (e.g. max_retries: 0) is kept.
var defaults = map[string]any{
	"server.port":               8080,
	"server.read_timeout":       "30s",
	"server.write_timeout":      "5m",
	"server.shutdown_timeout":   "15s",
	"log.level":                 "info",
	"log.format":                "json",
	"retry.max_retries":         3,
	"retry.unavailable_retries": 2,
	"retry.base_delay":          "250ms",
	"retry.max_delay":           "8s",
	"retry.max_total_wait":      "30s",
	"defaults.temperature":      0.7,
	"defaults.max_tokens":       1024,
	"defaults.top_p":            1.0,
	"catalog.prefix":            "llmbridge:models",
	"catalog.ttl":               "1h",
}

// Load reads configuration from a YAML file (skipped when path is empty),
// layers environment variable overrides on top, fills defaults, and
// returns a validated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("setting default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.resolveProviders()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveProviders makes sure every supported vendor has an entry, expands
// ${VAR_NAME} placeholders in API keys, and falls back to the vendor's
// conventional environment variable when no key was configured.
func (c *Config) resolveProviders() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}

	for name, vd := range vendorDefaults {
		p := c.Providers[name]

		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			p.APIKey = os.Getenv(p.APIKey[2 : len(p.APIKey)-1])
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(vd.keyEnv)
		}
		p.APIKey = strings.TrimSpace(p.APIKey)

		if p.BaseURL == "" {
			p.BaseURL = vd.baseURL
		}
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		if p.DefaultModel == "" {
			p.DefaultModel = vd.model
		}
		if p.ResponseHeaderTimeout == 0 {
			p.ResponseHeaderTimeout = 60 * time.Second
		}

		c.Providers[name] = p
	}
}

// Validate checks the loaded configuration and reports every problem at
// once rather than stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d must be a valid TCP port", c.Server.Port))
	}

	for name := range c.Providers {
		if !slices.Contains(provider.IDs(), name) {
			problems = append(problems, fmt.Sprintf("providers.%s is not a supported provider (want one of %s)",
				name, strings.Join(provider.IDs(), ", ")))
		}
	}

	if c.Retry.MaxRetries < 0 || c.Retry.UnavailableRetries < 0 {
		problems = append(problems, "retry counts must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.MaxTotalWait < 0 {
		problems = append(problems, "retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		problems = append(problems, "retry.base_delay must not exceed retry.max_delay")
	}

	if c.Defaults.Temperature < 0 || c.Defaults.Temperature > 2 {
		problems = append(problems, "defaults.temperature must be within [0, 2]")
	}
	if c.Defaults.MaxTokens <= 0 {
		problems = append(problems, "defaults.max_tokens must be positive")
	}
	if c.Defaults.TopP <= 0 || c.Defaults.TopP > 1 {
		problems = append(problems, "defaults.top_p must be within (0, 1]")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError lists every configuration problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
