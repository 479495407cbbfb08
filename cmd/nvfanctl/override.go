package main

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/nvfanctl/internal/ui"
	"github.com/spf13/cobra"
)

var overrideCmd = &cobra.Command{
	Use:   "override <percentage>",
	Short: "Pin every fan to a fixed speed ([0..100])",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		percentage, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("percentage must be a whole number, got %q", args[0])
		}

		if err := client.SetOverride(cmd.Context(), percentage); err != nil {
			return err
		}

		ui.Success("Fan speed override set to %d%%", percentage)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Return to automatic curve control",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ClearOverride(cmd.Context()); err != nil {
			return err
		}

		ui.Success("Override cleared, following the fan curve")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the daemon and hand the fans back to the driver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Shutdown(cmd.Context()); err != nil {
			return err
		}

		ui.Success("Daemon is shutting down")
		return nil
	},
}
