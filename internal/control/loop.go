// Package control runs the periodic sample, decide and actuate cycle that
// governs the GPU fans.
package control

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/asecurityteam/rolling"
)

const (
	defaultIOTimeout     = 500 * time.Millisecond
	defaultWindowSize    = 5
	releaseTimeoutFactor = 4
)

type Options struct {
	Interval   time.Duration
	Hysteresis curve.Hysteresis
	// IOTimeout bounds every device call, including the release on exit.
	IOTimeout time.Duration
	// Window is the number of samples in the reported average temperature.
	Window int
	Logger logger.Logger
}

// Loop owns the hysteresis anchor and the last commanded speed. Neither is
// shared; the rest of the system sees the loop only through the store.
type Loop struct {
	device gpu.Device
	curve  *curve.Curve
	store  *state.Store
	opts   Options
	logger logger.Logger

	mode   state.Mode
	anchor *curve.Anchor

	target          gpu.FanSpeed
	hasTarget       bool
	actuationFailed bool
	commanded       []gpu.FanSpeed
	measured        []gpu.FanSpeed

	temperature    gpu.Temperature
	hasTemperature bool
	window         *rolling.PointPolicy
	runtime        gpu.Runtime

	ticks           uint64
	sensorErrors    uint64
	actuationErrors uint64
}

// New builds a loop. Options are validated here so Run never starts with a
// zero interval.
func New(device gpu.Device, c *curve.Curve, store *state.Store, opts Options) (*Loop, error) {
	errFactory := errors.New()

	if opts.Interval <= 0 {
		return nil, errFactory.WithMessage(errors.ErrConfig,
			fmt.Sprintf("control interval must be positive, got %s", opts.Interval))
	}
	if err := opts.Hysteresis.Validate(); err != nil {
		return nil, err
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	if opts.Window < 1 {
		opts.Window = defaultWindowSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("control")
	}

	return &Loop{
		device:    device,
		curve:     c,
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		mode:      state.AutomaticMode(),
		commanded: make([]gpu.FanSpeed, device.FanCount()),
		window:    rolling.NewPointPolicy(rolling.NewWindow(opts.Window)),
	}, nil
}

// Run queries the device once, then ticks every interval until ctx is
// cancelled. Fan control is handed back to the driver exactly once before Run
// returns, whatever the reason for returning.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if releaseErr := l.release(ctx); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	if err := l.initialize(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.logger.Info().
		Dur("interval", l.opts.Interval).
		Int("hysteresis", l.opts.Hysteresis.Band).
		Int("min_step", l.opts.Hysteresis.MinStep).
		Msg("Control loop started")

	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// initialize fails startup unless the sensors answer once.
func (l *Loop) initialize(ctx context.Context) error {
	errFactory := errors.New()

	temp, err := l.readTemperature(ctx)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	speeds, err := l.readFanSpeeds(ctx)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	l.logger.Debug().
		Int("temperature", int(temp)).
		Interface("fan_speeds", speeds).
		Msg("Initial device query")

	l.observe(temp)
	l.measured = speeds
	l.publish(state.Running)

	return nil
}

// Tick runs one sample, decide and actuate cycle and publishes the outcome.
// Device calls are not cut short by ctx cancellation, so a tick that has
// started always finishes within its I/O timeouts.
func (l *Loop) Tick(ctx context.Context) {
	l.ticks++
	l.observeMode(l.store.Mode())

	temp, err := l.readTemperature(ctx)
	if err != nil {
		l.sensorFailed(err)
		return
	}
	l.observe(temp)

	speeds, err := l.readFanSpeeds(ctx)
	if err != nil {
		l.sensorFailed(err)
		return
	}
	l.measured = speeds

	target := l.decide(temp)

	if !l.hasTarget || target != l.target || l.actuationFailed {
		l.actuate(ctx, target)
	}

	l.refreshRuntime(ctx)

	l.logger.Debug().
		Uint64("tick", l.ticks).
		Int("temperature", int(temp)).
		Int("target", int(target)).
		Interface("measured", l.measured).
		Str("mode", l.mode.String()).
		Msg("")

	l.publish(state.Running)
}

func (l *Loop) observeMode(mode state.Mode) {
	if mode == l.mode {
		return
	}

	if l.mode.Kind == state.ManualOverride && mode.Kind == state.Automatic {
		// drop the anchor so the curve is evaluated fresh
		l.anchor = nil
	}

	l.logger.Info().
		Str("from", l.mode.String()).
		Str("to", mode.String()).
		Msg("Fan mode changed")

	l.mode = mode
}

func (l *Loop) decide(temp gpu.Temperature) gpu.FanSpeed {
	if l.mode.Kind == state.ManualOverride {
		return l.mode.Speed
	}

	d := l.curve.Evaluate(int(temp), l.anchor, l.opts.Hysteresis)
	l.anchor = &d.Anchor

	if d.Held {
		l.logger.Debug().
			Int("held", d.Speed).
			Int("target", d.Target).
			Msg("Hysteresis holding fan speed")
	}

	return gpu.FanSpeed(d.Speed)
}

// actuate commands every fan, trying the rest even when one fails.
func (l *Loop) actuate(ctx context.Context, target gpu.FanSpeed) {
	var errs []error
	for i := range l.commanded {
		if err := l.setFanSpeed(ctx, i, target); err != nil {
			errs = append(errs, err)
			continue
		}
		l.commanded[i] = target
	}

	from := l.target
	l.target = target
	l.hasTarget = true

	if len(errs) > 0 {
		l.actuationFailed = true
		l.actuationErrors++
		l.logger.ErrorWithCode(errors.Join(errs...)).
			Int("target", int(target)).
			Uint64("actuation_errors", l.actuationErrors).
			Msg("Failed to command fans, retrying next tick")
		return
	}

	l.actuationFailed = false
	l.logger.Debug().Msgf("Fan speed changed from %d to %d", from, target)
}

// refreshRuntime keeps the previous readings when the device does not
// answer. Telemetry never counts as a sensor failure.
func (l *Loop) refreshRuntime(ctx context.Context) {
	ctx, cancel := l.ioContext(ctx)
	defer cancel()

	runtime, err := l.device.ReadRuntime(ctx)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Runtime telemetry unavailable")
		return
	}
	l.runtime = runtime
}

func (l *Loop) sensorFailed(err error) {
	l.sensorErrors++
	l.logger.ErrorWithCode(err).
		Uint64("sensor_errors", l.sensorErrors).
		Msg("Sensor read failed, keeping commanded fan speed")
	l.publish(state.Running)
}

func (l *Loop) observe(temp gpu.Temperature) {
	l.temperature = temp
	l.hasTemperature = true
	l.window.Append(float64(temp))
}

func (l *Loop) publish(phase state.Phase) {
	update := state.TickUpdate{
		Phase:           phase,
		HasTemperature:  l.hasTemperature,
		Temperature:     l.temperature,
		MeasuredSpeeds:  l.measured,
		Runtime:         l.runtime,
		Ticks:           l.ticks,
		SensorErrors:    l.sensorErrors,
		ActuationErrors: l.actuationErrors,
	}
	if l.hasTarget {
		update.CommandedSpeeds = l.commanded
	}
	if l.hasTemperature {
		update.AverageTemperature = l.window.Reduce(rolling.Avg)
	}

	l.store.Publish(update)
}

// release restores driver fan control with its own deadline, so it still
// runs after ctx is cancelled. Failure is logged and returned but never
// blocks exit.
func (l *Loop) release(ctx context.Context) error {
	l.publish(state.ShuttingDown)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeoutFactor*l.opts.IOTimeout)
	defer cancel()

	if err := l.device.ReleaseControl(ctx); err != nil {
		l.logger.ErrorWithCode(err).Msg("Failed to restore automatic fan control")
		return err
	}

	l.logger.Info().Msg("Automatic fan control restored")

	return nil
}

func (l *Loop) readTemperature(ctx context.Context) (gpu.Temperature, error) {
	ctx, cancel := l.ioContext(ctx)
	defer cancel()

	return l.device.ReadTemperature(ctx)
}

func (l *Loop) readFanSpeeds(ctx context.Context) ([]gpu.FanSpeed, error) {
	ctx, cancel := l.ioContext(ctx)
	defer cancel()

	return l.device.ReadFanSpeeds(ctx)
}

func (l *Loop) setFanSpeed(ctx context.Context, fan int, speed gpu.FanSpeed) error {
	ctx, cancel := l.ioContext(ctx)
	defer cancel()

	return l.device.SetFanSpeed(ctx, fan, speed)
}

func (l *Loop) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.opts.IOTimeout)
}
