package config

import (
	"encoding/json"
	"fmt"

	"github.com/harun/toolgate/internal/logger"
	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/filter"
	"github.com/harun/toolgate/pkg/provider"
	"github.com/harun/toolgate/pkg/sandbox"
	"github.com/harun/toolgate/pkg/toolexecutor"
	"github.com/harun/toolgate/pkg/trust"
	"github.com/harun/toolgate/pkg/validator"
)

// Config represents the main toolgate configuration
type Config struct {
	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Spawn validation
	Validator validator.Config `json:"validator" mapstructure:"validator"`

	// External tool providers
	Servers  []provider.Entry `json:"servers" mapstructure:"servers"`
	Registry provider.Config  `json:"registry" mapstructure:"registry"`

	// Pipeline stages
	Policy   PolicyConfig        `json:"policy" mapstructure:"policy"`
	Trust    trust.Config        `json:"trust" mapstructure:"trust"`
	Anomaly  anomaly.Config      `json:"anomaly" mapstructure:"anomaly"`
	Filter   filter.Config       `json:"filter" mapstructure:"filter"`
	Audit    audit.Config        `json:"audit" mapstructure:"audit"`
	Executor toolexecutor.Config `json:"executor" mapstructure:"executor"`

	// Built-in tools
	Sandbox   sandbox.Config  `json:"sandbox" mapstructure:"sandbox"`
	CoreTools CoreToolsConfig `json:"core_tools" mapstructure:"core_tools"`

	// MCP front end
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Observability
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// PolicyConfig locates the permission policy file
type PolicyConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// CoreToolsConfig controls the built-in local tools
type CoreToolsConfig struct {
	Enabled       bool     `json:"enabled" mapstructure:"enabled"`
	Exec          bool     `json:"exec" mapstructure:"exec"`
	Disabled      []string `json:"disabled" mapstructure:"disabled"`
	ScrapeRetries int      `json:"scrape_retries" mapstructure:"scrape_retries"`
}

// GatewayConfig is the identity given to MCP clients of the gateway
type GatewayConfig struct {
	ActorID string `json:"actor_id" mapstructure:"actor_id"`
	Role    string `json:"role" mapstructure:"role"`
}

// MetricsConfig holds the Prometheus listener settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// Audit sink names
const (
	SinkFile   = "file"
	SinkSQLite = "sqlite"
	SinkMemory = "memory"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	logging := logger.DefaultConfig()
	logging.Console = false

	return &Config{
		Logging:   logging,
		DataDir:   "",
		Validator: validator.DefaultConfig(),
		Servers:   []provider.Entry{},
		Registry:  provider.DefaultConfig(),
		Policy: PolicyConfig{
			Watch: true,
		},
		Trust:    trust.DefaultConfig(),
		Anomaly:  anomaly.DefaultConfig(),
		Filter:   filter.DefaultConfig(),
		Audit:    audit.DefaultConfig(),
		Executor: toolexecutor.DefaultConfig(),
		Sandbox:  sandbox.DefaultConfig(),
		CoreTools: CoreToolsConfig{
			Enabled:       true,
			Exec:          false,
			Disabled:      []string{},
			ScrapeRetries: 2,
		},
		Gateway: GatewayConfig{
			ActorID: "mcp-client",
			Role:    "agent",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "toolgate",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Server returns the server entry with the given id.
func (c *Config) Server(id string) (provider.Entry, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return provider.Entry{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("server %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}

	if err := v.ValidateRegistry(c.Registry); err != nil {
		return err
	}
	if err := c.Trust.Validate(); err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	if err := v.ValidateAnomaly(c.Anomaly); err != nil {
		return err
	}
	if c.Filter.MaxBytes < 0 {
		return fmt.Errorf("filter: max_bytes must be >= 0")
	}
	if err := v.ValidateAudit(c.Audit); err != nil {
		return err
	}
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor: default_timeout must be positive")
	}
	if c.Executor.BlockOnFlagged && c.Executor.FlaggedCooldown <= 0 {
		return fmt.Errorf("executor: flagged_cooldown must be positive when block_on_flagged is set")
	}
	if err := sandbox.ValidateConfig(c.Sandbox); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if c.CoreTools.ScrapeRetries < 0 {
		return fmt.Errorf("core_tools: scrape_retries must be >= 0")
	}
	if c.Gateway.ActorID == "" || c.Gateway.Role == "" {
		return fmt.Errorf("gateway: actor_id and role are required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		return fmt.Errorf("tracing: service_name is required when tracing is enabled")
	}

	return nil
}
