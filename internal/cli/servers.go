package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var serversJSON bool

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Connect configured servers and show their status",
	Long: `Connect every configured server with the registry's retry policy
and print each entry's availability, session state and tool count.`,
	Args: cobra.NoArgs,
	RunE: runServers,
}

func init() {
	serversCmd.Flags().BoolVar(&serversJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(serversCmd)
}

func runServers(cmd *cobra.Command, args []string) error {
	d, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(d)

	// Failures are reported per entry below.
	_ = d.Connect(cmd.Context())

	status := d.Registry().Status()
	if serversJSON {
		return writeJSON(cmd, status)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAVAILABILITY\tSTATE\tATTEMPTS\tTOOLS\tLAST ERROR")
	for _, s := range status {
		state := s.State
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", s.ID, s.Availability, state, s.Attempts, s.Tools, s.LastError)
	}
	return w.Flush()
}
