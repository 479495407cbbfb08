package journal

import (
	"context"
	"time"
)

// Journal records control commands accepted by the daemon.
type Journal interface {
	Record(ctx context.Context, action string, speed *int) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Entry is one accepted command. Speed is set for overrides only.
type Entry struct {
	ID     int64
	Time   time.Time
	Action string
	Speed  *int
}
