package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func newRepository(cfg Config, log logger.Logger) (*repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData("create_directory")
	}

	// WAL keeps readers from blocking the daemon's inserts
	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData("open_database")
	}
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData("schema_version")
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Journal opened")

	return &repository{db: db, logger: log, now: time.Now}, nil
}

func (r *repository) insert(ctx context.Context, action string, speed *int) error {
	var value sql.NullInt64
	if speed != nil {
		value = sql.NullInt64{Int64: int64(*speed), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, insertCommandSQL, r.now().UnixMilli(), action, value)

	return err
}

func (r *repository) recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, recentCommandsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			recorded int64
			speed    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &recorded, &e.Action, &speed); err != nil {
			return nil, err
		}

		e.Time = time.UnixMilli(recorded)
		if speed.Valid {
			s := int(speed.Int64)
			e.Speed = &s
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *repository) close() error {
	errFactory := errors.New()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to checkpoint journal WAL")
	}

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	r.logger.Info().Msg("Journal closed")

	return nil
}
