package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolgate/pkg/tool"
)

var (
	execArgs    string
	execActor   string
	execRole    string
	execTimeout time.Duration
	execJSON    bool
)

var execCmd = &cobra.Command{
	Use:   "exec <tool>",
	Short: "Run one tool call through the pipeline",
	Long: `Run one tool call through the full pipeline and print the filtered
output. Remote tools are addressed as <server>.<tool>; only that server is
connected. Rejections print the typed pipeline error.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execArgs, "args", "{}", "tool arguments as a JSON object")
	execCmd.Flags().StringVar(&execActor, "actor", "cli", "actor id")
	execCmd.Flags().StringVar(&execRole, "role", "agent", "actor role")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "call timeout (default from executor.default_timeout)")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the full output as JSON")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	name := args[0]

	callArgs := map[string]interface{}{}
	if strings.TrimSpace(execArgs) != "" {
		if err := json.Unmarshal([]byte(execArgs), &callArgs); err != nil {
			return fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}

	d, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(d)

	ctx := cmd.Context()
	if i := strings.Index(name, "."); i > 0 {
		if _, ok := d.GetConfig().Server(name[:i]); ok {
			if err := d.Registry().Connect(ctx, name[:i]); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
		}
	}

	out, err := d.Executor().Execute(ctx, tool.Call{
		Tool:    name,
		Args:    callArgs,
		Actor:   tool.Actor{ID: execActor, Role: execRole},
		Timeout: execTimeout,
	})
	if err != nil {
		var execErr *tool.ExecutionError
		if errors.As(err, &execErr) && execJSON {
			_ = writeJSON(cmd, map[string]interface{}{
				"call_id": execErr.CallID,
				"kind":    execErr.Kind,
				"error":   execErr.Error(),
			})
		}
		return err
	}

	if execJSON {
		if err := writeJSON(cmd, out); err != nil {
			return err
		}
	} else if out.Content != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out.Content)
	}

	if !out.Success {
		if !execJSON && out.Error != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), out.Error)
		}
		return fmt.Errorf("tool %s reported failure [call %s]", name, out.CallID)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
