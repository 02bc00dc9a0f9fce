package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog",
	Long: `Connect every configured server and print the tool catalog:
built-in tools plus the tools of every provider that became ready.`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print descriptors as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	d, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(d)

	if err := d.Connect(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	descs := d.Executor().ListTools()
	out := cmd.OutOrStdout()

	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tORIGIN\tCLASS\tDESCRIPTION")
	for _, desc := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", desc.QualifiedName(), desc.Origin, desc.Class, firstLine(desc.Description))
	}
	return w.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
