package state

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPoints = []curve.Point{{Temperature: 40, Speed: 30}, {Temperature: 80, Speed: 100}}

func TestNewStoreDefaults(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(gpu.DeviceInfo{Name: "test", FanCount: 2}, testPoints, func() time.Time { return started })

	snap := s.Snapshot()
	assert.Equal(t, Initializing, snap.Phase)
	assert.Equal(t, AutomaticMode(), snap.Mode)
	assert.False(t, snap.HasTemperature)
	assert.Equal(t, "test", snap.Device.Name)
	assert.Equal(t, testPoints, snap.Curve)
	assert.Equal(t, started, snap.StartedAt)
	assert.Equal(t, 90*time.Second, snap.Uptime(started.Add(90*time.Second)))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)
	speeds := []gpu.FanSpeed{40, 40}
	s.Publish(TickUpdate{Phase: Running, CommandedSpeeds: speeds, MeasuredSpeeds: []gpu.FanSpeed{39, 41}})

	speeds[0] = 99
	snap := s.Snapshot()
	snap.CommandedSpeeds[1] = 99
	snap.MeasuredSpeeds[0] = 99
	snap.Curve[0].Speed = 99

	again := s.Snapshot()
	assert.Equal(t, []gpu.FanSpeed{40, 40}, again.CommandedSpeeds)
	assert.Equal(t, []gpu.FanSpeed{39, 41}, again.MeasuredSpeeds)
	assert.Equal(t, testPoints, again.Curve)
}

func TestSnapshotCopiesRuntime(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)
	target := gpu.FanSpeed(55)
	fans := []gpu.FanState{{Index: 0, Target: &target, Policy: gpu.FanPolicyManual}}
	s.Publish(TickUpdate{Phase: Running, Runtime: gpu.Runtime{PowerWatts: 80, Fans: fans}})

	target = 99
	fans[0].Policy = gpu.FanPolicyAutomatic
	snap := s.Snapshot()
	*snap.Runtime.Fans[0].Target = 10

	again := s.Snapshot()
	require.Len(t, again.Runtime.Fans, 1)
	assert.Equal(t, gpu.FanSpeed(55), *again.Runtime.Fans[0].Target)
	assert.Equal(t, gpu.FanPolicyManual, again.Runtime.Fans[0].Policy)
	assert.InDelta(t, 80.0, again.Runtime.PowerWatts, 0.001)
}

func TestRequestMode(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)

	require.NoError(t, s.RequestMode(OverrideMode(75)))
	assert.Equal(t, OverrideMode(75), s.Mode())

	for _, speed := range []gpu.FanSpeed{-1, 101} {
		err := s.RequestMode(OverrideMode(speed))
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
		assert.Equal(t, OverrideMode(75), s.Mode(), "rejected request must not change mode")
	}

	err := s.RequestMode(Mode{Kind: "turbo"})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	require.NoError(t, s.RequestMode(Mode{Kind: Automatic, Speed: 50}))
	assert.Equal(t, AutomaticMode(), s.Mode())
}

func TestRequestModeLeavesTelemetry(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)
	s.Publish(TickUpdate{Phase: Running, HasTemperature: true, Temperature: 60, Ticks: 3})

	require.NoError(t, s.RequestMode(OverrideMode(80)))

	snap := s.Snapshot()
	assert.Equal(t, gpu.Temperature(60), snap.Temperature)
	assert.Equal(t, uint64(3), snap.Ticks)
	assert.Equal(t, OverrideMode(80), snap.Mode)
}

func TestPublishLeavesMode(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)
	require.NoError(t, s.RequestMode(OverrideMode(80)))

	s.Publish(TickUpdate{Phase: Running, Ticks: 1})

	assert.Equal(t, OverrideMode(80), s.Snapshot().Mode)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "automatic", AutomaticMode().String())
	assert.Equal(t, "manual_override(60%)", OverrideMode(60).String())
}

// Every published update keeps its fields in lockstep. A reader must never
// see fields from two different ticks.
func TestPublishIsAtomic(t *testing.T) {
	s := NewStore(gpu.DeviceInfo{}, testPoints)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 2000; i++ {
			v := gpu.FanSpeed(i % 100)
			s.Publish(TickUpdate{
				Phase:           Running,
				HasTemperature:  true,
				Temperature:     gpu.Temperature(i % 100),
				CommandedSpeeds: []gpu.FanSpeed{v, v},
				MeasuredSpeeds:  []gpu.FanSpeed{v, v},
				Ticks:           i,
				SensorErrors:    i,
			})
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				snap := s.Snapshot()
				if snap.Ticks == 0 {
					continue
				}
				want := gpu.FanSpeed(snap.Ticks % 100)
				assert.Equal(t, snap.Ticks, snap.SensorErrors)
				assert.Equal(t, gpu.Temperature(want), snap.Temperature)
				assert.Equal(t, []gpu.FanSpeed{want, want}, snap.CommandedSpeeds)
				assert.Equal(t, []gpu.FanSpeed{want, want}, snap.MeasuredSpeeds)
			}
		}()
	}

	wg.Wait()
}
