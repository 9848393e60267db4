// Command ts is the Task Spooler client: a thin exerciser of internal/wire
// and internal/clientutil that talks to a running tsd over its unix socket.
// One cobra subcommand per request; the small round-trip commands share
// job_ops.go, the rest have a file each.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/wire"
)

// Version is stamped at build time, mirroring cmd/version.go's convention.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ts:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ts",
		Short: "ts submits and inspects jobs on a per-user tsd queue",
	}
	root.AddCommand(
		runCmd(),
		listCmd(),
		infoCmd(),
		removeCmd(),
		waitCmd(),
		urgentCmd(),
		killServerCmd(),
		clearCmd(),
		statsCmd(),
		maxSlotsCmd(),
		gpuWaitCmd(),
		lastIDCmd(),
		countRunningCmd(),
		killAllCmd(),
		historyCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version and protocol revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("ts %s (protocol %d)\n", Version, wire.ProtocolVersion)
			return nil
		},
	}
}
