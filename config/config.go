// Package config defines the taskrelay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskrelay/logging"
)

// Config is the top-level configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Log          LogConfig          `json:"log" yaml:"log"`
	Dispatcher   DispatcherConfig   `json:"dispatcher" yaml:"dispatcher"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Capabilities []CapabilityConfig `json:"capabilities" yaml:"capabilities"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g. ":8080"
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source"`
}

// DispatcherConfig bounds admission and retention.
type DispatcherConfig struct {
	MaxConcurrent int64         `json:"max_concurrent" yaml:"max_concurrent"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
	TaskTimeout   time.Duration `json:"task_timeout,omitempty" yaml:"task_timeout"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// WorkerConfig holds defaults shared by every capability.
type WorkerConfig struct {
	TurnTimeout     time.Duration `json:"turn_timeout" yaml:"turn_timeout"`
	MaxTurns        int           `json:"max_turns" yaml:"max_turns"`
	FailOnToolError bool          `json:"fail_on_tool_error,omitempty" yaml:"fail_on_tool_error"`
}

// GatewayConfig controls OAuth-gated tool access.
type GatewayConfig struct {
	StateTTL             time.Duration    `json:"state_ttl" yaml:"state_ttl"`
	AuthorizationTimeout time.Duration    `json:"authorization_timeout" yaml:"authorization_timeout"`
	HandleTTL            time.Duration    `json:"handle_ttl" yaml:"handle_ttl"`
	SigningKey           string           `json:"-" yaml:"signing_key"`
	RedirectBaseURL      string           `json:"redirect_base_url" yaml:"redirect_base_url"`
	Vault                VaultConfig      `json:"vault" yaml:"vault"`
	Providers            []ProviderConfig `json:"providers,omitempty" yaml:"providers"`
}

// VaultConfig selects the credential store.
type VaultConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory or sqlite
	Path   string `json:"path,omitempty" yaml:"path"`
	Secret string `json:"-" yaml:"secret"`
}

// ProviderConfig defines an OAuth 2.0 authorization provider.
type ProviderConfig struct {
	Name         string   `json:"name" yaml:"name"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"-" yaml:"client_secret"`
	AuthURL      string   `json:"auth_url" yaml:"auth_url"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes"`
	Offline      bool     `json:"offline,omitempty" yaml:"offline"`
}

// CapabilityConfig registers one capability tag backed by a model.
type CapabilityConfig struct {
	Tag          string            `json:"tag" yaml:"tag"`
	Description  string            `json:"description,omitempty" yaml:"description"`
	Model        ModelConfig       `json:"model" yaml:"model"`
	Instructions string            `json:"instructions" yaml:"instructions"`
	Vars         map[string]string `json:"vars,omitempty" yaml:"vars"`
	Tools        []string          `json:"tools,omitempty" yaml:"tools"`
	TurnTimeout  time.Duration     `json:"turn_timeout,omitempty" yaml:"turn_timeout"`
	MaxTurns     int               `json:"max_turns,omitempty" yaml:"max_turns"`
}

// ModelConfig selects the model behind a capability.
type ModelConfig struct {
	Provider    string   `json:"provider" yaml:"provider"` // "mock", "anthropic", "openai"
	Name        string   `json:"name,omitempty" yaml:"name"`
	APIKey      string   `json:"-" yaml:"api_key"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url"`
	MaxTokens   int64    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent: 4,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
		Worker: WorkerConfig{
			TurnTimeout: 2 * time.Minute,
			MaxTurns:    25,
		},
		Gateway: GatewayConfig{
			StateTTL:             10 * time.Minute,
			AuthorizationTimeout: 10 * time.Minute,
			HandleTTL:            time.Hour,
			Vault:                VaultConfig{Driver: "memory"},
		},
		Capabilities: []CapabilityConfig{
			{
				Tag:          "echo",
				Description:  "Answers with a canned mock response.",
				Model:        ModelConfig{Provider: "mock"},
				Instructions: "You are a helpful assistant.",
			},
		},
	}
}

// Load reads a YAML config file, expands $VAR and ${VAR} references from
// the environment and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig. A capabilities list in data
// replaces the default one.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}

	if c.Dispatcher.MaxConcurrent < 1 {
		errs = append(errs, errors.New("dispatcher.max_concurrent must be at least 1"))
	}

	if c.Worker.TurnTimeout <= 0 {
		errs = append(errs, errors.New("worker.turn_timeout must be positive"))
	}

	errs = append(errs, c.Gateway.validate()...)

	if len(c.Capabilities) == 0 {
		errs = append(errs, errors.New("capabilities: at least one is required"))
	}

	seen := make(map[string]bool, len(c.Capabilities))
	for i, capCfg := range c.Capabilities {
		switch {
		case capCfg.Tag == "":
			errs = append(errs, fmt.Errorf("capabilities[%d]: missing tag", i))
		case seen[capCfg.Tag]:
			errs = append(errs, fmt.Errorf("capabilities[%d]: duplicate tag %q", i, capCfg.Tag))
		}
		seen[capCfg.Tag] = true

		switch capCfg.Model.Provider {
		case "mock":
		case "anthropic", "openai":
			if capCfg.Model.Name == "" {
				errs = append(errs, fmt.Errorf("capabilities[%d]: model.name is required for %s", i, capCfg.Model.Provider))
			}
		default:
			errs = append(errs, fmt.Errorf("capabilities[%d]: unsupported model provider %q", i, capCfg.Model.Provider))
		}
	}

	return errors.Join(errs...)
}

func (g GatewayConfig) validate() []error {
	var errs []error

	switch g.Vault.Driver {
	case "memory":
	case "sqlite":
		if g.Vault.Path == "" {
			errs = append(errs, errors.New("gateway.vault.path is required for sqlite"))
		}
		if g.Vault.Secret == "" {
			errs = append(errs, errors.New("gateway.vault.secret is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.vault.driver: unsupported %q", g.Vault.Driver))
	}

	if len(g.Providers) > 0 && g.RedirectBaseURL == "" {
		errs = append(errs, errors.New("gateway.redirect_base_url is required when providers are configured"))
	}

	names := make(map[string]bool, len(g.Providers))
	for i, p := range g.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("gateway.providers[%d]: missing name", i))
			continue
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("gateway.providers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true

		if p.ClientID == "" || p.AuthURL == "" || p.TokenURL == "" {
			errs = append(errs, fmt.Errorf("gateway.providers[%d]: client_id, auth_url and token_url are required", i))
		}
	}

	return errs
}

// LoggingConfig converts the log section for logging.New.
func (c *Config) LoggingConfig() *logging.Config {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}

	return &logging.Config{
		Level:     level,
		Format:    c.Log.Format,
		Output:    os.Stderr,
		AddSource: c.Log.AddSource,
		Component: "taskrelayd",
	}
}
