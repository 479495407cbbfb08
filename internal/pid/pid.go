// Package pid guards against two daemons running at once.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/natefinch/atomic"
)

// File is a PID file owned by this process once Acquire succeeds.
type File struct {
	path string
}

func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Acquire writes the current process ID. A file left by a process that is
// no longer running is replaced; a live one fails with ErrAlreadyRunning.
func (f *File) Acquire() error {
	errFactory := errors.New()

	if running, pid := f.running(); running {
		return errFactory.WithData(errors.ErrAlreadyRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	pid := strconv.Itoa(os.Getpid())
	if err := atomic.WriteFile(f.path, strings.NewReader(pid)); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Release removes the PID file if it still holds this process ID.
func (f *File) Release() error {
	errFactory := errors.New()

	pid, err := read(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if pid != os.Getpid() {
		return nil
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// running reports whether the file names a live process other than this one.
func (f *File) running() (bool, int) {
	pid, err := read(f.path)
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// EPERM still means the process exists
	err = process.Signal(syscall.Signal(0))
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true, pid
	}

	return false, 0
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}

	return pid, nil
}
