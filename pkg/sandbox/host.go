package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/validator"
)

// HostSandbox runs validated commands as host processes with a minimal
// environment.
type HostSandbox struct {
	config    Config
	validator *validator.Validator
}

// NewHostSandbox creates a host runner. v is applied to every request.
func NewHostSandbox(config Config, v *validator.Validator) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if v == nil {
		return nil, errors.New("validator is required")
	}
	defaults := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxOutputBytes == 0 {
		config.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Home == "" {
		config.Home = defaults.Home
	}

	return &HostSandbox{config: config, validator: v}, nil
}

// GetConfig returns the runner configuration
func (h *HostSandbox) GetConfig() Config {
	return h.config
}

// Execute validates and runs a command. A non-zero exit is a result, not an
// error.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := h.validator.Check(validator.Request{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Dir:     req.WorkingDir,
	}); err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.config.Timeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = h.buildEnvironment(req.Env)

	stdout := &limitedBuffer{limit: h.config.MaxOutputBytes}
	stderr := &limitedBuffer{limit: h.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run %s: %w", req.Command, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed on host")

	return result, nil
}

// buildEnvironment starts from PATH and HOME and adds the request's
// variables in a stable order.
func (h *HostSandbox) buildEnvironment(env map[string]string) []string {
	result := []string{
		"PATH=" + h.config.Path,
		"HOME=" + h.config.Home,
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return result
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
