package daemon

import (
	"context"

	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/journal"
)

// ipcJournal serves the journal to IPC clients in its wire form.
type ipcJournal struct {
	journal.Journal
}

func (j ipcJournal) Recent(ctx context.Context, limit int) ([]ipc.JournalEntry, error) {
	entries, err := j.Journal.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]ipc.JournalEntry, len(entries))
	for i, e := range entries {
		out[i] = ipc.JournalEntry{Time: e.Time, Action: e.Action, Speed: e.Speed}
	}

	return out, nil
}
