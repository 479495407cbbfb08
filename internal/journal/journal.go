// Package journal keeps an audit trail of the control commands the daemon
// accepted: overrides, override clears and shutdown requests.
package journal

import (
	"context"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/logger"
)

type service struct {
	repo *repository
}

type noopJournal struct{}

// New opens the journal, or returns a no-op journal when it is disabled.
func New(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op journal")
		return &noopJournal{}, nil
	}

	repo, err := newRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, action string, speed *int) error {
	errFactory := errors.New()

	if action == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "journal action must not be empty")
	}

	if err := s.repo.insert(ctx, action, speed); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	entries, err := s.repo.recent(ctx, limit)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return entries, nil
}

func (s *service) Close() error {
	return s.repo.close()
}

func (*noopJournal) Record(context.Context, string, *int) error {
	return nil
}

func (*noopJournal) Recent(context.Context, int) ([]Entry, error) {
	return nil, nil
}

func (*noopJournal) Close() error {
	return nil
}
