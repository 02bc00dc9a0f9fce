package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/provider"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"", "debug", "INFO", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateRegistry(t *testing.T) {
	v := NewValidator()

	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, v.ValidateRegistry(provider.DefaultConfig()))
	})

	t.Run("base above max backoff", func(t *testing.T) {
		cfg := provider.DefaultConfig()
		cfg.Retry.BaseBackoff = 10 * time.Second
		cfg.Retry.MaxBackoff = time.Second
		assert.Error(t, v.ValidateRegistry(cfg))
	})

	t.Run("jitter out of range", func(t *testing.T) {
		cfg := provider.DefaultConfig()
		cfg.Retry.JitterFraction = 1.5
		assert.Error(t, v.ValidateRegistry(cfg))
	})

	t.Run("zero handshake timeout", func(t *testing.T) {
		cfg := provider.DefaultConfig()
		cfg.HandshakeTimeout = 0
		assert.Error(t, v.ValidateRegistry(cfg))
	})
}

func TestValidateAnomaly(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAnomaly(anomaly.DefaultConfig()))

	cfg := anomaly.DefaultConfig()
	cfg.WindowSize = 0
	assert.Error(t, v.ValidateAnomaly(cfg))

	cfg = anomaly.DefaultConfig()
	cfg.ZFlagged = 1
	assert.Error(t, v.ValidateAnomaly(cfg))
}

func TestValidateAudit(t *testing.T) {
	v := NewValidator()

	for _, sink := range []string{SinkFile, SinkSQLite, SinkMemory} {
		cfg := audit.DefaultConfig()
		cfg.Sink = sink
		assert.NoError(t, v.ValidateAudit(cfg), sink)
	}

	cfg := audit.DefaultConfig()
	cfg.DurableClasses = []string{"exec", "write"}
	assert.NoError(t, v.ValidateAudit(cfg))

	cfg.BufferSize = 0
	assert.Error(t, v.ValidateAudit(cfg))
}
