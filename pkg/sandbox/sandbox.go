// Package sandbox runs allowlisted commands on the host for the exec tool.
// Every request passes the validator before a process is started.
package sandbox

import (
	"context"
	"time"
)

// Config defines host runner limits
type Config struct {
	// Timeout bounds a command when the request sets none
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxOutputBytes caps captured stdout and stderr each
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`

	// Path is the PATH given to every command
	Path string `json:"path" mapstructure:"path"`

	// Home is the HOME given to every command
	Home string `json:"home" mapstructure:"home"`
}

// ExecuteRequest represents a command to run
type ExecuteRequest struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Stdin      []byte            `json:"stdin"`
	Timeout    time.Duration     `json:"timeout"`
}

// ExecuteResult represents a finished command
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Runner executes commands
type Runner interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// DefaultConfig returns host runner defaults
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 1 << 20,
		Path:           "/usr/local/bin:/usr/bin:/bin",
		Home:           "/tmp",
	}
}

// ValidateConfig validates a runner configuration
func ValidateConfig(cfg Config) error {
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes < 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}
