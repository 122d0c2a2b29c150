// Package config handles Persona configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLoops is the per-turn model-call budget when agent.max_loops
// is unset.
const DefaultMaxLoops = 5

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/persona/config.yaml,
// /etc/persona/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "persona", "config.yaml"))
	}

	paths = append(paths, "/etc/persona/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Persona configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Profile   ProfileConfig   `yaml:"profile"`
	Leads     LeadsConfig     `yaml:"leads"`
	Notify    NotifyConfig    `yaml:"notify"`
	API       APIConfig       `yaml:"api"`
	Tracing   TracingConfig   `yaml:"tracing"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`

	// JSONMode asks Ollama to constrain output to a JSON object, which
	// matches the action protocol the agent expects.
	JSONMode    bool          `yaml:"json_mode"`
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig controls the tool-calling loop.
type AgentConfig struct {
	// PersonaName is the person the agent speaks as.
	PersonaName string `yaml:"persona_name"`
	// MaxLoops bounds model calls per turn. Default 5.
	MaxLoops int `yaml:"max_loops"`
}

// ProfileConfig locates the structured profile document.
type ProfileConfig struct {
	// Path is a JSON or YAML profile document.
	Path string `yaml:"path"`
	// Watch invalidates the cached profile when the file changes.
	Watch bool `yaml:"watch"`
	// ShareURL is encoded by the profile QR endpoint. Optional.
	ShareURL string `yaml:"share_url"`
}

// LeadsConfig defines where recruiter leads are persisted. Either sink
// may be disabled by leaving its path empty, but at least one is required.
type LeadsConfig struct {
	Database string `yaml:"database"`
	CSVPath  string `yaml:"csv_path"`
}

// NotifyConfig holds optional lead notification channels.
type NotifyConfig struct {
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Email EmailConfig `yaml:"email"`
}

// MQTTConfig configures the MQTT lead publisher.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// EmailConfig configures lead notification email.
type EmailConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	From string     `yaml:"from"`
	To   []string   `yaml:"to"`
}

// Configured reports whether email notification can be sent.
func (c EmailConfig) Configured() bool {
	return c.SMTP.Host != "" && c.From != "" && len(c.To) > 0
}

// SMTPConfig holds SMTP server connection parameters.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // Default: 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection. When false, implicit TLS
	// (port 465) is used.
	StartTLS bool `yaml:"starttls"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles the turn endpoint. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TracingConfig enables OpenTelemetry span export to stderr.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for local development against
// an Ollama instance on localhost.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "llama3"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Agent.MaxLoops == 0 {
		c.Agent.MaxLoops = DefaultMaxLoops
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Profile.Path == "" {
		c.Profile.Path = "profile.json"
	}
	if c.Leads.Database == "" && c.Leads.CSVPath == "" {
		c.Leads.Database = filepath.Join(c.DataDir, "leads.db")
		c.Leads.CSVPath = filepath.Join(c.DataDir, "leads", "recruiter_leads.csv")
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "persona/leads"
	}
	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = "persona"
	}
	if c.Notify.Email.SMTP.Port == 0 {
		c.Notify.Email.SMTP.Port = 587
	}
	if c.API.RateLimit.RequestsPerMinute > 0 && c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = c.API.RateLimit.RequestsPerMinute
	}
}

// Validate reports every configuration problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.MaxLoops < 1 {
		errs = append(errs, fmt.Errorf("agent.max_loops must be at least 1, got %d", c.Agent.MaxLoops))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if !c.Anthropic.Configured() {
				errs = append(errs, fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q has unknown provider %q", m.Name, m.Provider))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Notify.MQTT.Configured() {
		if !strings.Contains(c.Notify.MQTT.Broker, "://") {
			errs = append(errs, fmt.Errorf("notify.mqtt.broker %q must be a URL (mqtt://host:port)", c.Notify.MQTT.Broker))
		}
	}
	if c.API.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("api.rate_limit.requests_per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

// ProviderFor returns the provider configured for model, defaulting
// to ollama.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
