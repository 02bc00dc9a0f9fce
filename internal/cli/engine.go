package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/toolgate/internal/config"
	"github.com/harun/toolgate/internal/daemon"
	"github.com/harun/toolgate/internal/logger"
)

// loadConfig loads the file named by --config. An explicit --log-level also
// turns on console logging, which goes to stderr.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
		cfg.Logging.Console = true
	}
	return cfg, nil
}

// openEngine builds the engine from the loaded config. Callers release it
// with closeEngine.
func openEngine(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return d, nil
}

func closeEngine(d *daemon.Daemon) {
	_ = d.Close()
	_ = d.GetLogger().Close()
}
