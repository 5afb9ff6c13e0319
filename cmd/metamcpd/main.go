// Command metamcpd is the MetaMCP core daemon: it aggregates upstream MCP
// servers into namespace endpoints and serves a control-plane-facing admin
// surface alongside them.
//
// Grounded on fentz26-Neona's cmd/neona/main.go: a cobra root command with
// no RunE of its own, delegating everything to its subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "metamcpd",
	Short: "MetaMCP core daemon",
	Long:  "metamcpd aggregates upstream MCP servers into namespace endpoints and exposes them as single MCP servers downstream.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
