package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// cli is the control-plane client, initialized in PersistentPreRunE.
	cli *client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// socketPath is the daemon's control socket path.
	socketPath string
)

// rootCmd is the top-level cobra command for corebfdctl.
var rootCmd = &cobra.Command{
	Use:   "corebfdctl",
	Short: "CLI client for the corebfd daemon",
	Long:  "corebfdctl communicates with the corebfd daemon over its Unix control socket to manage BFD sessions.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		cli = newClient(socketPath)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/corebfd/control.sock",
		"corebfd daemon control socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
