package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/validator"
)

func newTestSandbox(t *testing.T, cfg Config, roots ...string) *HostSandbox {
	t.Helper()
	vcfg := validator.DefaultConfig()
	vcfg.AllowedCommands = []string{"echo", "sh", "cat", "sleep"}
	vcfg.Roots = roots
	sb, err := NewHostSandbox(cfg, validator.New(vcfg))
	require.NoError(t, err)
	return sb
}

func TestNewHostSandbox(t *testing.T) {
	sb := newTestSandbox(t, Config{})
	assert.Equal(t, DefaultConfig(), sb.GetConfig())

	_, err := NewHostSandbox(Config{Timeout: -1}, validator.New(validator.DefaultConfig()))
	assert.ErrorIs(t, err, ErrInvalidTimeout)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = NewHostSandbox(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))
	assert.ErrorIs(t, ValidateConfig(Config{MaxOutputBytes: -1}), ErrInvalidOutputLimit)
}

func TestHostSandbox_Execute(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	tests := []struct {
		name     string
		req      ExecuteRequest
		exitCode int
		stdout   string
	}{
		{
			name:   "simple command",
			req:    ExecuteRequest{Command: "echo", Args: []string{"hello", "world"}},
			stdout: "hello world\n",
		},
		{
			name:     "non-zero exit is a result",
			req:      ExecuteRequest{Command: "sh", Args: []string{"-c", "exit 42"}},
			exitCode: 42,
		},
		{
			name:   "stdin",
			req:    ExecuteRequest{Command: "cat", Stdin: []byte("test input")},
			stdout: "test input",
		},
		{
			name: "env",
			req: ExecuteRequest{
				Command: "sh",
				Args:    []string{"-c", "echo $TEST_VAR"},
				Env:     map[string]string{"TEST_VAR": "test_value"},
			},
			stdout: "test_value\n",
		},
		{
			name:   "minimal environment",
			req:    ExecuteRequest{Command: "sh", Args: []string{"-c", "echo $HOME"}},
			stdout: "/tmp\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Timeout = 5 * time.Second
			result, err := sb.Execute(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.exitCode, result.ExitCode)
			assert.Equal(t, tt.stdout, string(result.Stdout))
		})
	}
}

func TestHostSandbox_Execute_Timeout(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	result, err := sb.Execute(context.Background(), ExecuteRequest{
		Command: "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})

	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, -1, result.ExitCode)
}

func TestHostSandbox_Execute_Rejected(t *testing.T) {
	root := t.TempDir()
	sb := newTestSandbox(t, DefaultConfig(), root)

	tests := []struct {
		name string
		req  ExecuteRequest
	}{
		{name: "command not allowed", req: ExecuteRequest{Command: "rm", Args: []string{"-rf", "x"}}},
		{name: "blocked env", req: ExecuteRequest{Command: "echo", Env: map[string]string{"LD_PRELOAD": "/tmp/x.so"}}},
		{name: "path argument escapes root", req: ExecuteRequest{Command: "cat", Args: []string{"../../etc/passwd"}}},
		{name: "working dir outside root", req: ExecuteRequest{Command: "echo", WorkingDir: "/etc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tool.ErrValidation)
		})
	}
}

func TestHostSandbox_Execute_OutputLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutputBytes = 8
	sb := newTestSandbox(t, cfg)

	result, err := sb.Execute(context.Background(), ExecuteRequest{
		Command: "echo",
		Args:    []string{strings.Repeat("a", 64)},
	})
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", string(result.Stdout))
	assert.True(t, result.Truncated)
}
