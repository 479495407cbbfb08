package control_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/control"
	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type command struct {
	fan   int
	speed gpu.FanSpeed
}

// fakeDevice scripts temperatures and failures for the loop.
type fakeDevice struct {
	mu sync.Mutex

	fans         int
	temperatures []gpu.Temperature
	failReads    map[int]bool
	failSets     int
	reads        int
	// runtimeFails makes ReadRuntime time out from that call on
	runtimeFails int
	runtimeReads int

	commands []command
	releases int
}

func newFakeDevice(fans int, temps ...gpu.Temperature) *fakeDevice {
	return &fakeDevice{fans: fans, temperatures: temps, failReads: make(map[int]bool)}
}

func (f *fakeDevice) ReadTemperature(context.Context) (gpu.Temperature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.reads
	f.reads++
	if f.failReads[n] {
		return 0, errors.New().New(errors.ErrSensor)
	}

	if n >= len(f.temperatures) {
		return f.temperatures[len(f.temperatures)-1], nil
	}

	return f.temperatures[n], nil
}

func (f *fakeDevice) ReadFanSpeeds(context.Context) ([]gpu.FanSpeed, error) {
	return make([]gpu.FanSpeed, f.fans), nil
}

func (f *fakeDevice) SetFanSpeed(_ context.Context, fan int, speed gpu.FanSpeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSets > 0 {
		f.failSets--
		return errors.New().New(errors.ErrActuation)
	}
	f.commands = append(f.commands, command{fan: fan, speed: speed})

	return nil
}

func (f *fakeDevice) ReleaseControl(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++

	return nil
}

func (f *fakeDevice) ReadRuntime(context.Context) (gpu.Runtime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runtimeReads++
	if f.runtimeFails > 0 && f.runtimeReads >= f.runtimeFails {
		return gpu.Runtime{}, errors.New().New(errors.ErrTimeout)
	}

	return gpu.Runtime{
		ReadAt:     time.Unix(int64(f.runtimeReads), 0),
		PowerWatts: float64(100 + f.runtimeReads),
	}, nil
}

func (f *fakeDevice) FanCount() int        { return f.fans }
func (f *fakeDevice) Info() gpu.DeviceInfo { return gpu.DeviceInfo{FanCount: f.fans} }
func (f *fakeDevice) Close() error         { return nil }

func (f *fakeDevice) takeCommands() []command {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmds := f.commands
	f.commands = nil

	return cmds
}

func newLoop(t *testing.T, device *fakeDevice) (*control.Loop, *state.Store) {
	t.Helper()

	c, err := curve.New([]curve.Point{
		{Temperature: 40, Speed: 30},
		{Temperature: 60, Speed: 50},
		{Temperature: 80, Speed: 100},
	})
	require.NoError(t, err)

	store := state.NewStore(device.Info(), c.Points())
	loop, err := control.New(device, c, store, control.Options{
		Interval:   10 * time.Millisecond,
		Hysteresis: curve.Hysteresis{Band: 3, MinStep: 5},
		IOTimeout:  50 * time.Millisecond,
		Window:     3,
	})
	require.NoError(t, err)

	return loop, store
}

func all(fans int, speed gpu.FanSpeed) []command {
	cmds := make([]command, fans)
	for i := range cmds {
		cmds[i] = command{fan: i, speed: speed}
	}

	return cmds
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	device := newFakeDevice(1, 50)
	c, _ := curve.New([]curve.Point{{Temperature: 40, Speed: 30}, {Temperature: 80, Speed: 100}})
	store := state.NewStore(device.Info(), c.Points())

	_, err := control.New(device, c, store, control.Options{})
	assert.True(t, errors.HasCode(err, errors.ErrConfig))

	_, err = control.New(device, c, store, control.Options{
		Interval:   time.Second,
		Hysteresis: curve.Hysteresis{Band: -1},
	})
	assert.True(t, errors.HasCode(err, errors.ErrConfig))
}

func TestTickFollowsCurveWithHysteresis(t *testing.T) {
	device := newFakeDevice(2, 50, 51, 58)
	loop, store := newLoop(t, device)
	ctx := context.Background()

	loop.Tick(ctx)
	assert.Equal(t, all(2, 40), device.takeCommands())

	// held by hysteresis, so nothing is sent
	loop.Tick(ctx)
	assert.Empty(t, device.takeCommands())

	loop.Tick(ctx)
	assert.Equal(t, all(2, 48), device.takeCommands())

	snap := store.Snapshot()
	assert.Equal(t, gpu.Temperature(58), snap.Temperature)
	assert.Equal(t, []gpu.FanSpeed{48, 48}, snap.CommandedSpeeds)
	assert.Equal(t, uint64(3), snap.Ticks)
	assert.InDelta(t, (50.0+51.0+58.0)/3, snap.AverageTemperature, 0.001)
}

func TestTickConstantTemperatureSendsOnce(t *testing.T) {
	device := newFakeDevice(1, 65)
	loop, _ := newLoop(t, device)

	for i := 0; i < 5; i++ {
		loop.Tick(context.Background())
	}

	assert.Len(t, device.takeCommands(), 1)
}

func TestTickSensorErrorSkipsActuation(t *testing.T) {
	device := newFakeDevice(1, 50, 70, 70)
	device.failReads[1] = true
	loop, store := newLoop(t, device)
	ctx := context.Background()

	loop.Tick(ctx)
	device.takeCommands()

	loop.Tick(ctx)
	assert.Empty(t, device.takeCommands())
	snap := store.Snapshot()
	assert.Equal(t, uint64(1), snap.SensorErrors)
	assert.Equal(t, []gpu.FanSpeed{40}, snap.CommandedSpeeds)
	assert.Equal(t, gpu.Temperature(50), snap.Temperature)

	loop.Tick(ctx)
	assert.Equal(t, all(1, 75), device.takeCommands())
}

func TestTickRetriesFailedActuation(t *testing.T) {
	device := newFakeDevice(1, 50)
	device.failSets = 1
	loop, store := newLoop(t, device)
	ctx := context.Background()

	loop.Tick(ctx)
	assert.Empty(t, device.takeCommands())
	assert.Equal(t, uint64(1), store.Snapshot().ActuationErrors)

	// same target, but the last attempt failed
	loop.Tick(ctx)
	assert.Equal(t, all(1, 40), device.takeCommands())

	loop.Tick(ctx)
	assert.Empty(t, device.takeCommands())
	assert.Equal(t, uint64(1), store.Snapshot().ActuationErrors)
}

func TestTickOverrideAndReseed(t *testing.T) {
	device := newFakeDevice(1, 50, 50, 51)
	loop, store := newLoop(t, device)
	ctx := context.Background()

	loop.Tick(ctx)
	assert.Equal(t, all(1, 40), device.takeCommands())

	require.NoError(t, store.RequestMode(state.OverrideMode(80)))
	loop.Tick(ctx)
	assert.Equal(t, all(1, 80), device.takeCommands())

	// on leaving the override the curve is evaluated fresh at 51°C, so the
	// old 40% anchor cannot hold the speed
	require.NoError(t, store.RequestMode(state.AutomaticMode()))
	loop.Tick(ctx)
	assert.Equal(t, all(1, 41), device.takeCommands())
}

func TestTickOverrideSameSpeedNotResent(t *testing.T) {
	device := newFakeDevice(1, 50, 90)
	loop, store := newLoop(t, device)
	ctx := context.Background()

	require.NoError(t, store.RequestMode(state.OverrideMode(60)))
	loop.Tick(ctx)
	loop.Tick(ctx)

	assert.Equal(t, all(1, 60), device.takeCommands())
}

func TestRunReleasesOnceOnCancel(t *testing.T) {
	device := newFakeDevice(2, 55)
	loop, store := newLoop(t, device)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.Snapshot().Ticks >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, state.Running, store.Snapshot().Phase)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Equal(t, 1, device.releases)
	assert.Equal(t, state.ShuttingDown, store.Snapshot().Phase)
}

func TestRunFailsWhenFirstQueryFails(t *testing.T) {
	device := newFakeDevice(1, 50)
	device.failReads[0] = true
	loop, _ := newLoop(t, device)

	err := loop.Run(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrInitFailed))
	assert.Equal(t, 1, device.releases)
}

func TestTickPublishesRuntime(t *testing.T) {
	device := newFakeDevice(1, 50)
	device.runtimeFails = 2
	loop, store := newLoop(t, device)
	ctx := context.Background()

	loop.Tick(ctx)
	assert.InDelta(t, 101.0, store.Snapshot().Runtime.PowerWatts, 0.001)

	// a telemetry timeout keeps the last readings and is not a sensor error
	loop.Tick(ctx)
	snap := store.Snapshot()
	assert.InDelta(t, 101.0, snap.Runtime.PowerWatts, 0.001)
	assert.Zero(t, snap.SensorErrors)
	assert.Equal(t, uint64(2), snap.Ticks)
}
