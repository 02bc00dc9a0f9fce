package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := runCLI(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Stop a toolgate gateway")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		cfgPath, _ := writeTestConfig(t, nil)

		_, _, err := runCLI(t, "stop", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}
