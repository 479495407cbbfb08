package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, "Failed to read sensor", errFactory.New(errors.ErrSensor).Error())
	assert.Equal(t, "bad curve", errFactory.WithMessage(errors.ErrConfig, "bad curve").Error())
	assert.Equal(t, "Invalid argument provided: 150",
		errFactory.WithData(errors.ErrInvalidArgument, 150).Error())
	assert.Equal(t, "Daemon unreachable: dial failed",
		errFactory.Wrap(errors.ErrConnection, fmt.Errorf("dial failed")).Error())
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()
	inner := errFactory.New(errors.ErrTimeout)
	outer := errFactory.Wrap(errors.ErrSensor, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrSensor))
	assert.True(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(outer, errors.ErrActuation))
	assert.Equal(t, errors.ErrSensor, errors.CodeOf(outer))

	joined := errors.Join(fmt.Errorf("plain"), errFactory.New(errors.ErrActuation))
	assert.True(t, errors.HasCode(joined, errors.ErrActuation))
	assert.False(t, errors.HasCode(nil, errors.ErrActuation))
}

func TestIsMatchesCode(t *testing.T) {
	errFactory := errors.New()
	err := fmt.Errorf("tick: %w", errFactory.Wrap(errors.ErrActuation, fmt.Errorf("busy")))

	assert.True(t, errors.Is(err, errFactory.New(errors.ErrActuation)))
	assert.False(t, errors.Is(err, errFactory.New(errors.ErrSensor)))
}
