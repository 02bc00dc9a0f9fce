package config

import (
	"fmt"
	"strings"

	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/provider"
	"github.com/harun/toolgate/pkg/tool"
)

// Validator validates configuration sections
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a log level name. Empty means info.
func (v *Validator) ValidateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return nil
	}
	return fmt.Errorf("logging: invalid level %q (must be: debug, info, warn, error)", level)
}

// ValidateRegistry validates retry and lifecycle settings
func (v *Validator) ValidateRegistry(cfg provider.Config) error {
	r := cfg.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("registry: retry.max_attempts must be at least 1")
	}
	if r.BaseBackoff < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("registry: retry backoff must be >= 0")
	}
	if r.MaxBackoff > 0 && r.BaseBackoff > r.MaxBackoff {
		return fmt.Errorf("registry: retry.base_backoff (%s) exceeds max_backoff (%s)", r.BaseBackoff, r.MaxBackoff)
	}
	if r.JitterFraction < 0 || r.JitterFraction >= 1 {
		return fmt.Errorf("registry: retry.jitter_fraction must be within [0,1)")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("registry: handshake_timeout must be positive")
	}
	if cfg.CloseGrace < 0 || cfg.HealthInterval < 0 {
		return fmt.Errorf("registry: close_grace and health_interval must be >= 0")
	}
	return nil
}

// ValidateAnomaly validates detector thresholds
func (v *Validator) ValidateAnomaly(cfg anomaly.Config) error {
	if cfg.WindowSize <= 0 {
		return fmt.Errorf("anomaly: window_size must be positive")
	}
	if cfg.MaxAge <= 0 || cfg.BurstWindow <= 0 {
		return fmt.Errorf("anomaly: max_age and burst_window must be positive")
	}
	if cfg.MinSamples < 1 {
		return fmt.Errorf("anomaly: min_samples must be at least 1")
	}
	if cfg.BurstSuspicious <= 0 || cfg.BurstFlagged < cfg.BurstSuspicious {
		return fmt.Errorf("anomaly: burst thresholds must satisfy 0 < suspicious <= flagged")
	}
	if cfg.ZSuspicious <= 0 || cfg.ZFlagged < cfg.ZSuspicious {
		return fmt.Errorf("anomaly: z thresholds must satisfy 0 < suspicious <= flagged")
	}
	return nil
}

// ValidateAudit validates the sink and durable classes
func (v *Validator) ValidateAudit(cfg audit.Config) error {
	switch cfg.Sink {
	case SinkFile, SinkSQLite, SinkMemory:
	default:
		return fmt.Errorf("audit: invalid sink %q (must be: file, sqlite, memory)", cfg.Sink)
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("audit: buffer_size must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("audit: write_timeout must be positive")
	}
	for _, class := range cfg.DurableClasses {
		if !tool.IsValidClass(class) {
			return fmt.Errorf("audit: unknown risk class %q in durable_classes", class)
		}
	}
	return nil
}
