package main

import (
	"time"

	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/ui"
	"github.com/spf13/cobra"
)

const defaultTimeout = 2 * time.Second

var (
	socketPath string
	timeout    time.Duration
	noColor    bool
	noStyle    bool

	client *ipc.Client
)

var rootCmd = &cobra.Command{
	Use:   "nvfanctl",
	Short: "Control the nvfanctld fan daemon.",
	Long: `nvfanctl talks to a running nvfanctld over its local socket.
It shows the current status, sets or clears a manual fan speed override,
lists the journal of accepted commands, stops the daemon and renders the
configured fan curve.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Setup(noColor, noStyle)
		client = ipc.NewClient(socketPath, timeout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", ipc.DefaultSocketPath, "daemon socket path")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", defaultTimeout, "timeout for one request")
	rootCmd.PersistentFlags().BoolVarP(&noColor, "no-color", "", false, "Disable all terminal output coloration")
	rootCmd.PersistentFlags().BoolVarP(&noStyle, "no-style", "", false, "Disable all terminal output styling")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(curveCmd)
}
