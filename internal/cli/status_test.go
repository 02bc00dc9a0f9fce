package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without PID file", func(t *testing.T) {
		cfgPath, _ := writeTestConfig(t, nil)

		out, _, err := runCLI(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running with live PID", func(t *testing.T) {
		cfgPath, dir := writeTestConfig(t, nil)
		pid := os.Getpid()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "toolgate.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0644))

		out, _, err := runCLI(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, fmt.Sprintf("PID: %d", pid))
		assert.Contains(t, out, "Uptime:")
	})

	t.Run("garbage PID file reads as stopped", func(t *testing.T) {
		cfgPath, dir := writeTestConfig(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "toolgate.pid"), []byte("nope"), 0644))

		out, _, err := runCLI(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
