package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/limits"
	"github.com/tributary-ai/aicentral-gateway/internal/security"
	"github.com/tributary-ai/aicentral-gateway/internal/telemetry"
)

// Selector types
const (
	SelectorSingle               = "single"
	SelectorRandom               = "random"
	SelectorPriorityWithFallback = "priority_with_fallback"
	SelectorHighestCapacity      = "highest_capacity"
)

// Step types
const (
	StepBulkhead         = "bulkhead"
	StepRequestRateLimit = "fixed_window_rate_limiter"
	StepTokenRateLimit   = "token_rate_limiter"
	StepUsageLogger      = "usage_logger"
)

// Config represents the complete gateway configuration
type Config struct {
	Server            ServerConfig             `yaml:"server"`
	Logging           LoggingConfig            `yaml:"logging"`
	Dispatch          endpoints.RetryPolicy    `yaml:"dispatch"`
	Telemetry         telemetry.RecorderConfig `yaml:"telemetry"`
	Endpoints         []endpoints.Config       `yaml:"endpoints"`
	EndpointSelectors []SelectorConfig         `yaml:"endpoint_selectors"`
	AuthProviders     []AuthProviderConfig     `yaml:"auth_providers"`
	Steps             []StepConfig             `yaml:"steps"`
	Pipelines         []PipelineConfig         `yaml:"pipelines"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxRequestSize  int64         `yaml:"max_request_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SelectorConfig declares an endpoint selector over configured endpoint ids
type SelectorConfig struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Endpoints []string `yaml:"endpoints"` // single, random, highest_capacity
	Priority  []string `yaml:"priority"`  // priority_with_fallback
	Fallback  []string `yaml:"fallback"`  // priority_with_fallback
}

// AuthProviderConfig declares a named auth gate
type AuthProviderConfig struct {
	Name            string `yaml:"name"`
	security.Config `yaml:",inline"`
}

// StepConfig declares a named pipeline step
type StepConfig struct {
	Name      string                 `yaml:"name"`
	Type      string                 `yaml:"type"`
	Bulkhead  limits.BulkheadConfig  `yaml:"bulkhead"`
	RateLimit limits.RateLimitConfig `yaml:"rate_limit"`
}

// PipelineConfig binds a route to an auth provider, steps and a selector
type PipelineConfig struct {
	Name             string   `yaml:"name"`
	Host             string   `yaml:"host"`
	PathPrefix       string   `yaml:"path_prefix"`
	AuthProvider     string   `yaml:"auth_provider"`
	Steps            []string `yaml:"steps"`
	EndpointSelector string   `yaml:"endpoint_selector"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:            "8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    300 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1MB
		MaxRequestSize:  25 << 20,
		ShutdownTimeout: 30 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Dispatch = endpoints.DefaultRetryPolicy()

	c.Telemetry = telemetry.RecorderConfig{
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("AICENTRAL_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("AICENTRAL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("AICENTRAL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	// Backend keys stay out of the config file
	for i := range c.Endpoints {
		if key := os.Getenv(EndpointKeyEnv(c.Endpoints[i].ID)); key != "" {
			c.Endpoints[i].Auth.APIKey = key
			if c.Endpoints[i].Auth.Mode == "" {
				c.Endpoints[i].Auth.Mode = endpoints.AuthModeAPIKey
			}
		}
	}
}

// EndpointKeyEnv returns the environment variable holding an endpoint's API key
func EndpointKeyEnv(endpointID string) string {
	id := strings.ToUpper(endpointID)
	id = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, id)
	return "AICENTRAL_ENDPOINT_" + id + "_API_KEY"
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Dispatch.BackoffType != "" && c.Dispatch.BackoffType != "exponential" && c.Dispatch.BackoffType != "linear" {
		return fmt.Errorf("invalid dispatch backoff type: %s", c.Dispatch.BackoffType)
	}

	endpointIDs := make(map[string]bool)
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("every endpoint needs an id")
		}
		if endpointIDs[ep.ID] {
			return fmt.Errorf("duplicate endpoint id: %s", ep.ID)
		}
		endpointIDs[ep.ID] = true

		// Type tags are resolved against the component registry at assembly
		if ep.Type == "" {
			return fmt.Errorf("endpoint %s: type is required", ep.ID)
		}
		if ep.URL == "" {
			return fmt.Errorf("endpoint %s: url is required", ep.ID)
		}
		if len(ep.ModelMappings) == 0 {
			return fmt.Errorf("endpoint %s: at least one model mapping is required", ep.ID)
		}
		if ep.Auth.Mode == endpoints.AuthModeAPIKey && ep.Auth.APIKey == "" {
			return fmt.Errorf("endpoint %s: api key is required (set %s)", ep.ID, EndpointKeyEnv(ep.ID))
		}
	}

	selectorNames := make(map[string]bool)
	for _, sel := range c.EndpointSelectors {
		if sel.Name == "" || selectorNames[sel.Name] {
			return fmt.Errorf("endpoint selector names must be unique and non-empty: %q", sel.Name)
		}
		selectorNames[sel.Name] = true

		switch sel.Type {
		case SelectorSingle:
			if len(sel.Endpoints) != 1 {
				return fmt.Errorf("endpoint selector %s: single needs exactly one endpoint", sel.Name)
			}
		case SelectorRandom, SelectorHighestCapacity:
			if len(sel.Endpoints) == 0 {
				return fmt.Errorf("endpoint selector %s: at least one endpoint is required", sel.Name)
			}
		case SelectorPriorityWithFallback:
			if len(sel.Priority) == 0 {
				return fmt.Errorf("endpoint selector %s: at least one priority endpoint is required", sel.Name)
			}
		case "":
			return fmt.Errorf("endpoint selector %s: type is required", sel.Name)
		}

		for _, ids := range [][]string{sel.Endpoints, sel.Priority, sel.Fallback} {
			for _, id := range ids {
				if !endpointIDs[id] {
					return fmt.Errorf("endpoint selector %s: unknown endpoint %q", sel.Name, id)
				}
			}
		}
	}

	authNames := make(map[string]bool)
	for _, auth := range c.AuthProviders {
		if auth.Name == "" || authNames[auth.Name] {
			return fmt.Errorf("auth provider names must be unique and non-empty: %q", auth.Name)
		}
		authNames[auth.Name] = true
	}

	stepNames := make(map[string]bool)
	for _, step := range c.Steps {
		if step.Name == "" || stepNames[step.Name] {
			return fmt.Errorf("step names must be unique and non-empty: %q", step.Name)
		}
		stepNames[step.Name] = true

		if step.Type == "" {
			return fmt.Errorf("step %s: type is required", step.Name)
		}
	}

	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline must be configured")
	}

	pipelineNames := make(map[string]bool)
	for _, p := range c.Pipelines {
		if p.Name == "" || pipelineNames[p.Name] {
			return fmt.Errorf("pipeline names must be unique and non-empty: %q", p.Name)
		}
		pipelineNames[p.Name] = true

		if !selectorNames[p.EndpointSelector] {
			return fmt.Errorf("pipeline %s: unknown endpoint selector %q", p.Name, p.EndpointSelector)
		}
		if p.AuthProvider != "" && !authNames[p.AuthProvider] {
			return fmt.Errorf("pipeline %s: unknown auth provider %q", p.Name, p.AuthProvider)
		}
		for _, step := range p.Steps {
			if !stepNames[step] {
				return fmt.Errorf("pipeline %s: unknown step %q", p.Name, step)
			}
		}
	}

	return nil
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
