package logger_test

import (
	"bytes"
	"os"
	"os/exec"
	"testing"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, ok := logger.ParseLevel("debug")
	assert.True(t, ok)
	assert.Equal(t, logger.DebugLevel, level)

	level, ok = logger.ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, logger.WarnLevel, level)

	_, ok = logger.ParseLevel("verbose")
	assert.False(t, ok)
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	log := logger.New("control").With("tick")
	log.Info().Int("speed", 40).Msg("Fan speed changed")

	out := buf.String()
	assert.Contains(t, out, "Fan speed changed")
	assert.Contains(t, out, "component=control.tick")
	assert.Contains(t, out, "speed=40")
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	logger.ErrorWithCode(errors.New().New(errors.ErrSensor)).Msg("Tick failed")

	assert.Contains(t, buf.String(), "error_code=sensor_error")
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.WarnLevel, true)
	defer logger.SetLogLevel(logger.DebugLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("hidden too")

	assert.Empty(t, buf.String())
}

// TestFatalWithCode runs itself in a child process, since a fatal event
// exits.
func TestFatalWithCode(t *testing.T) {
	if os.Getenv("NVFANCTL_FATAL_CHILD") == "1" {
		logger.InitWithWriter(os.Stderr, logger.InfoLevel, true)
		logger.FatalWithCode(errors.New().New(errors.ErrAlreadyRunning)).Msg("Failed to acquire PID file")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestFatalWithCode$")
	cmd.Env = append(os.Environ(), "NVFANCTL_FATAL_CHILD=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "Failed to acquire PID file")
	assert.Contains(t, stderr.String(), "error_code="+string(errors.ErrAlreadyRunning))
}
