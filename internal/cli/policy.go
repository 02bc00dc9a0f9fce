package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolgate/pkg/permission"
	"github.com/harun/toolgate/pkg/tool"
)

var (
	evalRole   string
	evalOrigin string
	evalTool   string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect permission policy files",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Parse and validate a policy file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval <file>",
	Short: "Evaluate one role/origin/tool triple against a policy file",
	Long: `Evaluate a permission check offline. --origin is "local" or
"remote:<server>"; --tool is the bare tool name.`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyEval,
}

func init() {
	policyEvalCmd.Flags().StringVar(&evalRole, "role", "agent", "actor role")
	policyEvalCmd.Flags().StringVar(&evalOrigin, "origin", "local", "tool origin")
	policyEvalCmd.Flags().StringVar(&evalTool, "tool", "", "tool name")
	_ = policyEvalCmd.MarkFlagRequired("tool")

	policyCmd.AddCommand(policyCheckCmd)
	policyCmd.AddCommand(policyEvalCmd)
	rootCmd.AddCommand(policyCmd)
}

func loadChecker(path string) (*permission.Checker, error) {
	p, err := permission.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return permission.NewChecker(p)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	c, err := loadChecker(args[0])
	if err != nil {
		return err
	}
	p := c.Policy()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, default %s)\n", args[0], len(p.Rules), p.Default)
	return nil
}

func runPolicyEval(cmd *cobra.Command, args []string) error {
	c, err := loadChecker(args[0])
	if err != nil {
		return err
	}
	origin, err := tool.ParseOrigin(evalOrigin)
	if err != nil {
		return err
	}

	desc := tool.Descriptor{Name: evalTool, Origin: origin, ProviderID: origin.Provider}
	decision := c.Check(tool.Actor{ID: "cli", Role: evalRole}, desc)

	verdict := "deny"
	if decision.Allowed {
		verdict = "allow"
	}
	rule := "default"
	if decision.Rule >= 0 {
		rule = fmt.Sprintf("rule %d", decision.Rule)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)", verdict, desc.QualifiedName(), rule)
	if decision.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), ": %s", decision.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
