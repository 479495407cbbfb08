package journal_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/journal"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T, path string) journal.Journal {
	t.Helper()

	j, err := journal.New(journal.Config{Enabled: true, DBPath: path}, logger.New("journal"))
	require.NoError(t, err)

	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "state", "journal.db"))
	defer j.Close()
	ctx := context.Background()

	speed := 70
	require.NoError(t, j.Record(ctx, "override", &speed))
	require.NoError(t, j.Record(ctx, "override_clear", nil))
	require.NoError(t, j.Record(ctx, "shutdown", nil))

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "shutdown", entries[0].Action)
	assert.Equal(t, "override_clear", entries[1].Action)
	assert.Nil(t, entries[1].Speed)

	entries, err = j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[2].Speed)
	assert.Equal(t, 70, *entries[2].Speed)
	assert.False(t, entries[2].Time.IsZero())
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	defer j.Close()

	err := j.Record(context.Background(), "", nil)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j := openJournal(t, path)
	require.NoError(t, j.Record(ctx, "shutdown", nil))
	require.NoError(t, j.Close())

	j = openJournal(t, path)
	defer j.Close()

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOutdatedSchemaIsBackedUpAndRecreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE commands (legacy TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j := openJournal(t, path)
	defer j.Close()

	require.NoError(t, j.Record(context.Background(), "shutdown", nil))

	backups, err := filepath.Glob(filepath.Join(dir, "journal_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestDisabledJournalIsNoop(t *testing.T) {
	j, err := journal.New(journal.Config{Enabled: false}, logger.New("journal"))
	require.NoError(t, err)

	require.NoError(t, j.Record(context.Background(), "shutdown", nil))
	entries, err := j.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, j.Close())
}

func TestEnabledJournalNeedsPath(t *testing.T) {
	_, err := journal.New(journal.Config{Enabled: true}, logger.New("journal"))

	assert.True(t, errors.HasCode(err, journal.ErrInvalidDBPath))
	assert.True(t, errors.HasCode(err, errors.ErrConfig))
}
