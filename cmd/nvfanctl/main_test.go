package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryJournal struct {
	mu      sync.Mutex
	entries []ipc.JournalEntry
}

func (j *memoryJournal) Record(_ context.Context, action string, speed *int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append([]ipc.JournalEntry{{Time: time.Now(), Action: action, Speed: speed}}, j.entries...)

	return nil
}

func (j *memoryJournal) Recent(_ context.Context, limit int) ([]ipc.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]ipc.JournalEntry(nil), j.entries[:min(limit, len(j.entries))]...), nil
}

func serve(t *testing.T) (*state.Store, string) {
	t.Helper()

	return serveWith(t, nil)
}

func serveWith(t *testing.T, j ipc.Journal) (*state.Store, string) {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "nvfanctl.sock")
	store := state.NewStore(gpu.DeviceInfo{Name: "test GPU", FanCount: 1}, []curve.Point{
		{Temperature: 40, Speed: 30},
		{Temperature: 80, Speed: 100},
	})

	server := ipc.NewServer(ipc.ServerConfig{SocketPath: socket, Journal: j}, store)
	require.NoError(t, server.Listen())
	go func() { _ = server.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return store, socket
}

func execute(socket string, args ...string) error {
	rootCmd.SetArgs(append([]string{"--socket", socket, "--no-style"}, args...))
	return rootCmd.Execute()
}

func TestOverrideAndClear(t *testing.T) {
	store, socket := serve(t)

	require.NoError(t, execute(socket, "override", "70"))
	assert.Equal(t, state.OverrideMode(70), store.Mode())

	require.NoError(t, execute(socket, "clear"))
	assert.Equal(t, state.AutomaticMode(), store.Mode())
}

func TestOverrideRejectsInvalidPercentage(t *testing.T) {
	store, socket := serve(t)

	err := execute(socket, "override", "150")
	require.Error(t, err)
	assert.Equal(t, ipc.ReasonInvalidPercentage, ipc.Reason(err))
	assert.Equal(t, state.AutomaticMode(), store.Mode())

	err = execute(socket, "override", "fast")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole number")
}

func TestStatusAndCurve(t *testing.T) {
	_, socket := serve(t)

	require.NoError(t, execute(socket, "status"))
	require.NoError(t, execute(socket, "curve"))
}

func TestJournal(t *testing.T) {
	j := &memoryJournal{}
	_, socket := serveWith(t, j)
	t.Cleanup(func() { journalLimit = ipc.DefaultJournalLimit })

	require.NoError(t, execute(socket, "override", "65"))
	require.NoError(t, execute(socket, "journal", "--limit", "5"))

	entries, err := j.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ipc.ActionOverride, entries[0].Action)

	err = execute(socket, "journal", "--limit", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between")
}

func TestStatusWatchIntervalBounds(t *testing.T) {
	_, socket := serve(t)
	t.Cleanup(func() { watch, refresh = false, defaultRefresh })

	err := execute(socket, "status", "--watch", "--interval", "20s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between")
}

func TestUnreachableDaemon(t *testing.T) {
	err := execute(filepath.Join(t.TempDir(), "missing.sock"), "status")
	require.Error(t, err)
}
