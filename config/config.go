// Package config loads the process configuration. Values are layered:
// built-in defaults, then an optional YAML file, then environment variables.
// The result is validated once and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
)

// Supported model provider kinds.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultOpenAIBaseURL is the default LLM_BASE_URL. It is not passed to
// Anthropic providers.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// Provider is one model backend candidate.
type Provider struct {
	Name    string      `yaml:"name"`
	Kind    string      `yaml:"kind"`
	Model   string      `yaml:"model"`
	APIKey  core.Secret `yaml:"api-key"`
	BaseURL string      `yaml:"base-url"`
}

// Config is the process configuration.
type Config struct {
	LLMProvider string      `yaml:"llm-provider" env:"LLM_PROVIDER"`
	LLMAPIKey   core.Secret `yaml:"llm-api-key" env:"LLM_API_KEY"`
	LLMModel    string      `yaml:"llm-model" env:"LLM_MODEL"`
	LLMBaseURL  string      `yaml:"llm-base-url" env:"LLM_BASE_URL"`
	// Fallbacks are tried after the primary provider, in order.
	Fallbacks []Provider `yaml:"fallback-providers"`

	TavilyAPIKey    core.Secret `yaml:"tavily-api-key" env:"TAVILY_API_KEY"`
	SearchBaseURL   string      `yaml:"search-base-url" env:"SEARCH_BASE_URL"`
	SearchRateLimit int         `yaml:"search-rate-limit" env:"SEARCH_RATE_LIMIT"`

	GmailCredentialsPath string `yaml:"gmail-credentials-path" env:"GMAIL_CREDENTIALS_PATH"`
	GmailTokenPath       string `yaml:"gmail-token-path" env:"GMAIL_TOKEN_PATH"`
	GmailEndpoint        string `yaml:"gmail-endpoint" env:"GMAIL_ENDPOINT"`

	MaxTurns           int           `yaml:"max-turns" env:"MAX_TURNS"`
	MaxDelegationTurns int           `yaml:"max-delegation-turns" env:"MAX_DELEGATION_TURNS"`
	MaxConcurrentRuns  int           `yaml:"max-concurrent-runs" env:"MAX_CONCURRENT_RUNS"`
	RetryMaxAttempts   int           `yaml:"retry-max-attempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay     time.Duration `yaml:"retry-base-delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay      time.Duration `yaml:"retry-max-delay" env:"RETRY_MAX_DELAY"`
	CallTimeout        time.Duration `yaml:"call-timeout" env:"CALL_TIMEOUT"`
	ModelTimeout       time.Duration `yaml:"model-timeout" env:"MODEL_TIMEOUT"`
	BlacklistWindow    time.Duration `yaml:"blacklist-window" env:"BLACKLIST_WINDOW"`
	RefreshMargin      time.Duration `yaml:"refresh-margin" env:"REFRESH_MARGIN"`

	LogLevel  string `yaml:"log-level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log-format" env:"LOG_FORMAT"`

	// JournalPath enables the SQLite event journal when set.
	JournalPath string `yaml:"journal-path" env:"JOURNAL_PATH"`
	HTTPAddr    string `yaml:"http-addr" env:"HTTP_ADDR"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		LLMProvider:          ProviderOpenAI,
		LLMModel:             "gpt-4o",
		LLMBaseURL:           DefaultOpenAIBaseURL,
		SearchRateLimit:      10,
		GmailCredentialsPath: "credentials/credentials.json",
		GmailTokenPath:       "credentials/token.json",
		MaxTurns:             10,
		MaxDelegationTurns:   8,
		MaxConcurrentRuns:    10,
		RetryMaxAttempts:     3,
		RetryBaseDelay:       500 * time.Millisecond,
		RetryMaxDelay:        30 * time.Second,
		CallTimeout:          30 * time.Second,
		ModelTimeout:         2 * time.Minute,
		BlacklistWindow:      time.Minute,
		RefreshMargin:        5 * time.Minute,
		LogLevel:             "info",
		LogFormat:            "console",
		HTTPAddr:             ":8080",
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty) and the environment, and validates it.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config file %q: %w", path, err)
		}

		if err := yaml.Unmarshal(content, &c); err != nil {
			return c, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse environment: %w", err)
	}

	if err := c.Validate(); err != nil {
		return c, err
	}

	return c, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	required := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	required("LLM_API_KEY", c.LLMAPIKey.Reveal())
	required("TAVILY_API_KEY", c.TavilyAPIKey.Reveal())
	required("GMAIL_CREDENTIALS_PATH", c.GmailCredentialsPath)
	required("GMAIL_TOKEN_PATH", c.GmailTokenPath)

	for i, p := range c.Providers() {
		if p.Kind != ProviderOpenAI && p.Kind != ProviderAnthropic {
			errs = append(errs, fmt.Errorf("provider %d (%s): unsupported kind %q", i, p.Name, p.Kind))
		}

		if p.Model == "" {
			errs = append(errs, fmt.Errorf("provider %d (%s): model is required", i, p.Name))
		}
	}

	positive := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", name))
		}
	}

	positive("MAX_TURNS", c.MaxTurns)
	positive("MAX_DELEGATION_TURNS", c.MaxDelegationTurns)
	positive("MAX_CONCURRENT_RUNS", c.MaxConcurrentRuns)
	positive("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	positive("SEARCH_RATE_LIMIT", c.SearchRateLimit)

	for name, d := range map[string]time.Duration{
		"RETRY_BASE_DELAY": c.RetryBaseDelay,
		"RETRY_MAX_DELAY":  c.RetryMaxDelay,
		"CALL_TIMEOUT":     c.CallTimeout,
		"MODEL_TIMEOUT":    c.ModelTimeout,
		"BLACKLIST_WINDOW": c.BlacklistWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be smaller than RETRY_BASE_DELAY"))
	}

	if c.RefreshMargin < 0 {
		errs = append(errs, errors.New("REFRESH_MARGIN must not be negative"))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	switch c.LogFormat {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json, text or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Providers returns the model candidates in priority order: the primary
// LLM_* provider followed by the configured fallbacks. Fallbacks without an
// API key share the primary key.
func (c Config) Providers() []Provider {
	out := []Provider{{
		Name:    c.LLMProvider,
		Kind:    c.LLMProvider,
		Model:   c.LLMModel,
		APIKey:  c.LLMAPIKey,
		BaseURL: c.LLMBaseURL,
	}}

	for i, p := range c.Fallbacks {
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s-%d", p.Kind, i+1)
		}

		if p.APIKey.IsZero() {
			p.APIKey = c.LLMAPIKey
		}

		out = append(out, p)
	}

	for i := range out {
		if out[i].Kind == ProviderAnthropic && out[i].BaseURL == DefaultOpenAIBaseURL {
			out[i].BaseURL = ""
		}
	}

	return out
}

// Logger builds the configured logger.
func (c Config) Logger() logging.Logger {
	cfg := logging.DefaultLoggerConfig()
	cfg.Format = c.LogFormat

	if lvl, err := logging.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = lvl
	}

	return logging.NewLogger(cfg)
}

// Summary describes the configuration with secrets masked.
func (c Config) Summary() map[string]any {
	providers := make([]map[string]any, 0, len(c.Fallbacks)+1)
	for _, p := range c.Providers() {
		providers = append(providers, map[string]any{
			"name":     p.Name,
			"kind":     p.Kind,
			"model":    p.Model,
			"base_url": p.BaseURL,
			"api_key":  p.APIKey,
		})
	}

	return map[string]any{
		"providers":              providers,
		"tavily_api_key":         c.TavilyAPIKey,
		"gmail_credentials_path": c.GmailCredentialsPath,
		"gmail_token_path":       c.GmailTokenPath,
		"max_turns":              c.MaxTurns,
		"max_delegation_turns":   c.MaxDelegationTurns,
		"retry_max_attempts":     c.RetryMaxAttempts,
		"call_timeout":           c.CallTimeout.String(),
		"model_timeout":          c.ModelTimeout.String(),
		"blacklist_window":       c.BlacklistWindow.String(),
		"journal_path":           c.JournalPath,
		"http_addr":              c.HTTPAddr,
		"log_level":              c.LogLevel,
	}
}
