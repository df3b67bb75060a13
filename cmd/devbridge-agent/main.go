// Command devbridge-agent is a small CLI wrapping devbridge.Client, for
// demoing enrollment/connection against a real desktop and for manual
// testing. Flag/config shape is grounded on
// JonasGessner-scion/go/scion-pki/certs/renew.go's `&cobra.Command{Use,
// Short, RunE}` pattern, with github.com/spf13/viper layered on top for
// flag and environment binding (no config file is read).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "devbridge-agent",
		Short: "Run a devbridge device-side bridge core against a desktop",
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newDemoCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// version is fixed rather than injected via -ldflags, since this CLI is
// a demo harness, not a distributed binary.
const version = "0.1.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devbridge-agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
