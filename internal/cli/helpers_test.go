package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/internal/config"
)

const testPolicy = `
default: deny
rules:
  - roles: ["agent"]
    origins: ["local"]
    tools: ["read_file", "list_dir", "write_file"]
    effect: allow
`

// resetFlags clears values left behind by an earlier Execute on the shared
// command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// writeTestConfig writes a config rooted at a temp dir with an in-memory
// audit sink and returns its path and the data dir.
func writeTestConfig(t *testing.T, mutate func(cfg *config.Config)) (string, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Audit.Sink = config.SinkMemory
	cfg.Validator.Roots = []string{dir}
	cfg.Policy.Path = filepath.Join(dir, "policy.yaml")
	cfg.Policy.Watch = false
	if mutate != nil {
		mutate(cfg)
	}

	require.NoError(t, os.WriteFile(cfg.Policy.Path, []byte(testPolicy), 0644))

	path := filepath.Join(dir, "toolgate.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, dir
}
