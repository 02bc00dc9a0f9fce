package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/toolgate/pkg/permission"
	"github.com/harun/toolgate/pkg/validator"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration without starting anything",
	Long: `Validate the configuration, run every configured server through the
spawn validator and parse the permission policy. No process is started.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintln(out, "config: ok")

	failed := 0
	v := validator.New(cfg.Validator)
	for _, entry := range cfg.Servers {
		verdict := v.Validate(entry.SpawnRequest())
		if verdict.Allowed {
			fmt.Fprintf(out, "server %s: ok\n", entry.ID)
			continue
		}
		failed++
		fmt.Fprintf(out, "server %s: rejected: %s\n", entry.ID, verdict.Reason)
	}

	if _, err := os.Stat(cfg.Policy.Path); os.IsNotExist(err) {
		fmt.Fprintf(out, "policy %s: missing, every call will be denied\n", cfg.Policy.Path)
	} else if p, err := permission.LoadFile(cfg.Policy.Path); err != nil {
		failed++
		fmt.Fprintf(out, "policy: %v\n", err)
	} else {
		fmt.Fprintf(out, "policy %s: ok (%d rules, default %s)\n", cfg.Policy.Path, len(p.Rules), p.Default)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
