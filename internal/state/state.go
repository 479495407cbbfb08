// Package state holds the control state shared between the control loop and
// the IPC server.
package state

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
)

type ModeKind string

const (
	Automatic      ModeKind = "automatic"
	ManualOverride ModeKind = "manual_override"
)

// Mode is the requested fan governance. Speed is only meaningful for
// ManualOverride.
type Mode struct {
	Kind  ModeKind
	Speed gpu.FanSpeed
}

// AutomaticMode returns the curve-driven mode.
func AutomaticMode() Mode {
	return Mode{Kind: Automatic}
}

// OverrideMode returns a manual override pinned at speed.
func OverrideMode(speed gpu.FanSpeed) Mode {
	return Mode{Kind: ManualOverride, Speed: speed}
}

// Validate rejects unknown kinds and override speeds outside 0..100.
func (m Mode) Validate() error {
	errFactory := errors.New()

	switch m.Kind {
	case Automatic:
		return nil
	case ManualOverride:
		if m.Speed < gpu.MinFanSpeed || m.Speed > gpu.MaxFanSpeed {
			return errFactory.WithMessage(errors.ErrInvalidArgument,
				fmt.Sprintf("override speed must be between %d and %d, got %d",
					gpu.MinFanSpeed, gpu.MaxFanSpeed, m.Speed))
		}
		return nil
	default:
		return errFactory.WithMessage(errors.ErrInvalidArgument, fmt.Sprintf("unknown mode %q", m.Kind))
	}
}

func (m Mode) String() string {
	if m.Kind == ManualOverride {
		return fmt.Sprintf("%s(%d%%)", m.Kind, m.Speed)
	}

	return string(m.Kind)
}

type Phase string

const (
	Initializing Phase = "initializing"
	Running      Phase = "running"
	ShuttingDown Phase = "shutting_down"
)

// TickUpdate is everything the control loop learned in one tick. It is
// published as a unit.
type TickUpdate struct {
	Phase Phase

	// HasTemperature is false until the first successful read.
	HasTemperature     bool
	Temperature        gpu.Temperature
	AverageTemperature float64

	CommandedSpeeds []gpu.FanSpeed
	MeasuredSpeeds  []gpu.FanSpeed

	// Runtime is the last telemetry the device answered with.
	Runtime gpu.Runtime

	Ticks           uint64
	SensorErrors    uint64
	ActuationErrors uint64
}

// Snapshot is a point-in-time copy of the whole control state.
type Snapshot struct {
	TickUpdate

	Mode      Mode
	Device    gpu.DeviceInfo
	Curve     []curve.Point
	StartedAt time.Time
	UpdatedAt time.Time
}

// Uptime is the time since the store was created, measured at now.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// Store is the single value shared by the control loop and the IPC
// server. Telemetry is written only through Publish and the mode only through
// RequestMode.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
	now     func() time.Time
}

// NewStore creates a store in the initializing phase with automatic mode.
func NewStore(device gpu.DeviceInfo, points []curve.Point) *Store {
	return newStore(device, points, time.Now)
}

func newStore(device gpu.DeviceInfo, points []curve.Point, now func() time.Time) *Store {
	started := now()

	s := &Store{now: now}
	s.current = Snapshot{
		TickUpdate: TickUpdate{Phase: Initializing},
		Mode:       AutomaticMode(),
		Device:     device,
		Curve:      append([]curve.Point(nil), points...),
		StartedAt:  started,
		UpdatedAt:  started,
	}

	return s
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.current
	snap.CommandedSpeeds = cloneSpeeds(s.current.CommandedSpeeds)
	snap.MeasuredSpeeds = cloneSpeeds(s.current.MeasuredSpeeds)
	snap.Runtime = s.current.Runtime.Clone()
	snap.Curve = append([]curve.Point(nil), s.current.Curve...)

	return snap
}

// Publish replaces the telemetry of the previous tick. Readers observe either
// the old or the new update, never a mix.
func (s *Store) Publish(update TickUpdate) {
	update.CommandedSpeeds = cloneSpeeds(update.CommandedSpeeds)
	update.MeasuredSpeeds = cloneSpeeds(update.MeasuredSpeeds)
	update.Runtime = update.Runtime.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.TickUpdate = update
	s.current.UpdatedAt = s.now()
}

// RequestMode validates mode and makes it current. On error the state is
// left untouched.
func (s *Store) RequestMode(mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	if mode.Kind == Automatic {
		mode.Speed = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Mode = mode

	return nil
}

// Mode returns the currently requested mode.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current.Mode
}

func cloneSpeeds(speeds []gpu.FanSpeed) []gpu.FanSpeed {
	if speeds == nil {
		return nil
	}

	return append(make([]gpu.FanSpeed, 0, len(speeds)), speeds...)
}
