package main

import (
	"fmt"

	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/ui"
	"github.com/spf13/cobra"
)

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List the control commands the daemon accepted, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if journalLimit < 1 || journalLimit > ipc.MaxJournalLimit {
			return fmt.Errorf("limit must be between 1 and %d, got %d", ipc.MaxJournalLimit, journalLimit)
		}

		entries, err := client.Journal(cmd.Context(), journalLimit)
		if err != nil {
			return err
		}

		out, err := ui.RenderJournal(entries)
		if err != nil {
			return err
		}
		ui.Printfln("%s", out)

		return nil
	},
}

func init() {
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", ipc.DefaultJournalLimit, "Number of entries to list")
}
