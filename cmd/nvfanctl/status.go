package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/ui"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const (
	minRefresh     = 100 * time.Millisecond
	maxRefresh     = 10 * time.Second
	defaultRefresh = time.Second
)

var (
	watch   bool
	refresh time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !watch {
			out, err := fetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			ui.Printfln("%s", out)
			return nil
		}

		if refresh < minRefresh || refresh > maxRefresh {
			return fmt.Errorf("refresh interval must be between %s and %s, got %s", minRefresh, maxRefresh, refresh)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return watchStatus(ctx)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh the status until interrupted")
	statusCmd.Flags().DurationVarP(&refresh, "interval", "i", defaultRefresh, "Refresh interval for --watch (0.1s to 10s)")
}

func fetchStatus(ctx context.Context) (string, error) {
	status, err := client.Status(ctx)
	if err != nil {
		return "", err
	}

	return ui.RenderStatus(status)
}

func watchStatus(ctx context.Context) error {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return err
	}
	defer func() { _ = area.Stop() }()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		out, err := fetchStatus(ctx)
		if err != nil {
			return err
		}
		area.Update(out)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
