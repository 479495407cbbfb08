package ui

import (
	"fmt"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"github.com/pterm/pterm"
)

// RenderJournal formats journal entries as a table in the order given, in
// local time.
func RenderJournal(entries []ipc.JournalEntry) (string, error) {
	if len(entries) == 0 {
		return "No journal entries", nil
	}

	rows := pterm.TableData{{"Time", "Action", "Speed"}}
	for _, e := range entries {
		speed := ""
		if e.Speed != nil {
			speed = fmt.Sprintf("%d%%", *e.Speed)
		}
		rows = append(rows, []string{e.Time.Local().Format(time.DateTime), e.Action, speed})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
}
