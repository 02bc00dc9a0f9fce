package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/toolgate/internal/config"
	"github.com/harun/toolgate/pkg/permission"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and starter policy",
	Long: `Write the default configuration to the --config path (or
$HOME/.toolgate/toolgate.json) and a starter permission policy that lets the
"agent" role read local files, scrape pages and call any remote tool.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

// StarterPolicy is the policy written by init.
func StarterPolicy() permission.Policy {
	return permission.Policy{
		Default: permission.EffectDeny,
		Rules: []permission.Rule{
			{
				Roles:   []string{"agent"},
				Origins: []string{"local"},
				Tools:   []string{"read_file", "list_dir", "scrape"},
				Effect:  permission.EffectAllow,
			},
			{
				Roles:   []string{"agent"},
				Origins: []string{"remote:*"},
				Effect:  permission.EffectAllow,
			},
		},
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	cfg := config.DefaultConfig()
	if cfgFile != "" {
		// Keep the data next to an explicitly placed config file.
		cfg.DataDir = filepath.Dir(configPath)
	}
	if err := config.ApplyPaths(cfg); err != nil {
		return err
	}

	if err := writeUnlessExists(configPath, func() error { return loader.Save(cfg) }); err != nil {
		return err
	}
	fmt.Fprintf(out, "config: %s\n", configPath)

	data, err := yaml.Marshal(StarterPolicy())
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	if err := writeUnlessExists(cfg.Policy.Path, func() error {
		if err := os.MkdirAll(filepath.Dir(cfg.Policy.Path), 0755); err != nil {
			return fmt.Errorf("failed to create policy directory: %w", err)
		}
		return os.WriteFile(cfg.Policy.Path, data, 0644)
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "policy: %s\n", cfg.Policy.Path)

	return nil
}

func writeUnlessExists(path string, write func() error) error {
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return write()
}
