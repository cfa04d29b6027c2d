package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	APIStyleOpenAI = "openai"
	APIStyleClaude = "claude"
)

const (
	defaultPort         = 8080
	defaultWriteTimeout = 5 * time.Minute
	defaultTimeout      = 60 * time.Second
	defaultMaxCalls     = 50
	defaultPeriod       = 60 * time.Second
	defaultAttempts     = 3
	defaultBackoffBase  = time.Second
)

var defaultBaseURLs = map[string]string{
	APIStyleClaude: "https://api.anthropic.com",
	APIStyleOpenAI: "https://api.openai.com/v1",
}

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequestsPerSecond caps inbound requests per client IP. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig captures authentication, routing and throttling for one
// provider credential.
type ProviderConfig struct {
	Name      string            `yaml:"name"`
	APIStyle  string            `yaml:"api_style"`
	APIKey    string            `yaml:"api_key"`
	BaseURL   string            `yaml:"base_url"`
	Models    []string          `yaml:"models"`
	Aliases   map[string]string `yaml:"aliases"`
	Headers   Headers           `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Retry     RetryConfig       `yaml:"retry"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// RateLimitConfig bounds calls to a provider within a rolling period.
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Period   time.Duration `yaml:"period"`
}

// RetryConfig controls retries on upstream timeouts and 429 responses.
type RetryConfig struct {
	Attempts    int           `yaml:"attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// Load reads YAML configuration from disk, expands ${VAR} references and
// validates the result. When envFile is set, it is loaded into the process
// environment first; a missing file is not an error.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates an already expanded YAML document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIStyle = strings.ToLower(strings.TrimSpace(p.APIStyle))
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[p.APIStyle]
		}
		if p.Timeout == 0 {
			p.Timeout = defaultTimeout
		}
		if p.RateLimit.MaxCalls == 0 {
			p.RateLimit.MaxCalls = defaultMaxCalls
		}
		if p.RateLimit.Period == 0 {
			p.RateLimit.Period = defaultPeriod
		}
		if p.Retry.Attempts == 0 {
			p.Retry.Attempts = defaultAttempts
		}
		if p.Retry.BackoffBase == 0 {
			p.Retry.BackoffBase = defaultBackoffBase
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must not be negative, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must not be negative, got %v", c.Server.RequestsPerSecond)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", "text", "json", c.Log.Format)
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, provider := range c.Providers {
		if strings.TrimSpace(provider.Name) == "" {
			return fmt.Errorf("providers[%d]: name must be provided", i)
		}
		if _, dup := seen[provider.Name]; dup {
			return fmt.Errorf("provider %s: configured more than once", provider.Name)
		}
		seen[provider.Name] = struct{}{}

		if err := validateProvider(provider); err != nil {
			return err
		}
	}

	return nil
}

// SlogLevel maps the configured level name onto a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

func validateProvider(provider ProviderConfig) error {
	name := provider.Name
	if err := validateAPIStyle(name, provider.APIStyle); err != nil {
		return err
	}
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	known := make(map[string]struct{}, len(provider.Models))
	for _, model := range provider.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if _, dup := known[model]; dup {
			return fmt.Errorf("provider %s: model %q listed twice", name, model)
		}
		known[model] = struct{}{}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
		if _, ok := known[alias]; ok {
			return fmt.Errorf("provider %s: alias %q conflicts with a configured model", name, alias)
		}
		if _, ok := known[target]; !ok {
			return fmt.Errorf("provider %s: alias %q references unknown model %q", name, alias, target)
		}
	}

	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must be positive, got %s", name, provider.Timeout)
	}
	if provider.RateLimit.MaxCalls < 0 || provider.RateLimit.Period < 0 {
		return fmt.Errorf("provider %s: rate_limit values must be positive", name)
	}
	if provider.Retry.Attempts < 0 || provider.Retry.BackoffBase < 0 {
		return fmt.Errorf("provider %s: retry values must be positive", name)
	}

	return nil
}

func validateAPIStyle(providerName, style string) error {
	switch style {
	case APIStyleOpenAI, APIStyleClaude:
		return nil
	default:
		return fmt.Errorf("provider %s: api_style %q must be one of %q or %q", providerName, style, APIStyleOpenAI, APIStyleClaude)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
