package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const drainTimeoutFactor = 4

// NVMLDevice owns the NVML library session and the handle of the device it
// opened. The handle never leaves this package and is only valid until
// Close.
type NVMLDevice struct {
	lib     nvml.Interface
	device  nvml.Device
	info    DeviceInfo
	timeout time.Duration
	logger  logger.Logger

	// busy holds one token while an NVML call runs, including a call whose
	// caller has already timed out. Calls never overlap or reorder.
	busy chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ Device = (*NVMLDevice)(nil)

// Open initializes NVML and acquires the device at cfg.Index.
func Open(cfg Config, log logger.Logger) (*NVMLDevice, error) {
	return OpenWith(nvml.New(), cfg, log)
}

// OpenWith is Open over an explicit NVML implementation.
func OpenWith(lib nvml.Interface, cfg Config, log logger.Logger) (*NVMLDevice, error) {
	errFactory := errors.New()

	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	if ret := lib.Init(); !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(errors.ErrInitFailed, newNVMLError(lib, ret))
	}

	d := &NVMLDevice{
		lib:     lib,
		timeout: cfg.IOTimeout,
		logger:  log,
		busy:    make(chan struct{}, 1),
	}

	if err := d.acquire(cfg.Index); err != nil {
		if ret := lib.Shutdown(); !IsNVMLSuccess(ret) {
			log.Warn().Str("error", lib.ErrorString(ret)).Msg("Failed to shut down NVML after failed open")
		}
		return nil, err
	}

	log.Info().
		Str("name", d.info.Name).
		Str("uuid", d.info.UUID).
		Str("driver", d.info.DriverVersion).
		Int("fans", d.info.FanCount).
		Msgf("Detected GPU %d", cfg.Index)

	return d, nil
}

func (d *NVMLDevice) acquire(index int) error {
	errFactory := errors.New()

	count, ret := d.lib.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(errors.ErrInitFailed, newNVMLError(d.lib, ret))
	}
	if index < 0 || index >= count {
		return errFactory.WithMessage(errors.ErrInitFailed,
			fmt.Sprintf("GPU index %d out of range, %d device(s) present", index, count))
	}

	device, ret := d.lib.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(errors.ErrInitFailed, newNVMLError(d.lib, ret))
	}
	d.device = device

	fans, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(errors.ErrInitFailed, newNVMLError(d.lib, ret))
	}
	if fans < 1 {
		return errFactory.WithMessage(errors.ErrInitFailed, "GPU has no controllable fans")
	}

	d.info = d.describe(index, fans)

	return nil
}

// describe collects the descriptive fields of DeviceInfo. None of them are
// required to run, so failures are logged and the field left empty.
func (d *NVMLDevice) describe(index, fans int) DeviceInfo {
	info := DeviceInfo{
		Index:       index,
		FanCount:    fans,
		MinFanSpeed: MinFanSpeed,
		MaxFanSpeed: MaxFanSpeed,
	}

	if name, ret := d.device.GetName(); IsNVMLSuccess(ret) {
		info.Name = name
	} else {
		d.logger.Warn().Msgf("Failed to get GPU name: %v", d.lib.ErrorString(ret))
	}

	if uuid, ret := d.device.GetUUID(); IsNVMLSuccess(ret) {
		info.UUID = uuid
	} else {
		d.logger.Debug().Msgf("Failed to get GPU UUID: %v", d.lib.ErrorString(ret))
	}

	if version, ret := d.lib.SystemGetDriverVersion(); IsNVMLSuccess(ret) {
		info.DriverVersion = version
	} else {
		d.logger.Debug().Msgf("Failed to get driver version: %v", d.lib.ErrorString(ret))
	}

	if minSpeed, maxSpeed, ret := d.device.GetMinMaxFanSpeed(); IsNVMLSuccess(ret) {
		info.MinFanSpeed = FanSpeed(minSpeed)
		info.MaxFanSpeed = FanSpeed(maxSpeed)
	} else {
		d.logger.Debug().Msgf("Failed to get fan speed limits: %v", d.lib.ErrorString(ret))
	}

	if temp, ret := d.device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SLOWDOWN); IsNVMLSuccess(ret) {
		info.SlowdownTemperature = Temperature(temp)
	}
	if temp, ret := d.device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); IsNVMLSuccess(ret) {
		info.ShutdownTemperature = Temperature(temp)
	}
	if temp, ret := d.device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_GPU_MAX); IsNVMLSuccess(ret) {
		info.MaxTemperature = Temperature(temp)
	}

	if arch, ret := d.device.GetArchitecture(); IsNVMLSuccess(ret) {
		info.Architecture = architectureName(arch)
	} else {
		d.skipped("architecture", ret)
	}

	if cores, ret := d.device.GetNumGpuCores(); IsNVMLSuccess(ret) {
		info.CoreCount = cores
	} else {
		d.skipped("core count", ret)
	}

	if major, minor, ret := d.device.GetCudaComputeCapability(); IsNVMLSuccess(ret) {
		info.ComputeCapability = fmt.Sprintf("%d.%d", major, minor)
	} else {
		d.skipped("compute capability", ret)
	}

	// encoded as 1000*major + 10*minor
	if version, ret := d.lib.SystemGetCudaDriverVersion(); IsNVMLSuccess(ret) {
		info.CUDAVersion = fmt.Sprintf("%d.%d", version/1000, (version%1000)/10)
	} else {
		d.skipped("CUDA version", ret)
	}

	if version, ret := d.lib.SystemGetNVMLVersion(); IsNVMLSuccess(ret) {
		info.NVMLVersion = version
	} else {
		d.skipped("NVML version", ret)
	}

	if gen, ret := d.device.GetMaxPcieLinkGeneration(); IsNVMLSuccess(ret) {
		info.MaxPCIeLink.Generation = gen
	} else {
		d.skipped("max PCIe generation", ret)
	}
	if width, ret := d.device.GetMaxPcieLinkWidth(); IsNVMLSuccess(ret) {
		info.MaxPCIeLink.Width = width
	} else {
		d.skipped("max PCIe width", ret)
	}
	if speed, ret := d.device.GetPcieLinkMaxSpeed(); IsNVMLSuccess(ret) {
		info.MaxPCIeLink.SpeedMbps = int(speed)
	} else {
		d.skipped("max PCIe speed", ret)
	}

	return info
}

// ReadRuntime gathers every runtime reading in a single device call.
func (d *NVMLDevice) ReadRuntime(ctx context.Context) (Runtime, error) {
	errFactory := errors.New()

	var runtime Runtime
	err := d.bounded(ctx, func() nvml.Return {
		runtime = d.readRuntime()
		return nvml.SUCCESS
	})
	if err != nil {
		return Runtime{}, errFactory.Wrap(errors.ErrSensor, err)
	}

	return runtime, nil
}

func (d *NVMLDevice) readRuntime() Runtime {
	runtime := Runtime{ReadAt: time.Now()}

	if milliwatts, ret := d.device.GetPowerUsage(); IsNVMLSuccess(ret) {
		runtime.PowerWatts = float64(milliwatts) / 1000
	} else {
		d.skipped("power usage", ret)
	}

	if memory, ret := d.device.GetMemoryInfo(); IsNVMLSuccess(ret) {
		runtime.Memory = MemoryUsage{Total: memory.Total, Free: memory.Free, Used: memory.Used}
	} else {
		d.skipped("memory usage", ret)
	}

	clocks := []struct {
		name  string
		clock nvml.ClockType
		value *int
	}{
		{"graphics clock", nvml.CLOCK_GRAPHICS, &runtime.Clocks.Graphics},
		{"memory clock", nvml.CLOCK_MEM, &runtime.Clocks.Memory},
		{"video clock", nvml.CLOCK_VIDEO, &runtime.Clocks.Video},
		{"SM clock", nvml.CLOCK_SM, &runtime.Clocks.SM},
	}
	for _, c := range clocks {
		if mhz, ret := d.device.GetClockInfo(c.clock); IsNVMLSuccess(ret) {
			*c.value = int(mhz)
		} else {
			d.skipped(c.name, ret)
		}
	}

	if gen, ret := d.device.GetCurrPcieLinkGeneration(); IsNVMLSuccess(ret) {
		runtime.PCIeLink.Generation = gen
	} else {
		d.skipped("PCIe generation", ret)
	}
	if width, ret := d.device.GetCurrPcieLinkWidth(); IsNVMLSuccess(ret) {
		runtime.PCIeLink.Width = width
	} else {
		d.skipped("PCIe width", ret)
	}
	if speed, ret := d.device.GetPcieSpeed(); IsNVMLSuccess(ret) {
		runtime.PCIeLink.SpeedMbps = speed
	} else {
		d.skipped("PCIe speed", ret)
	}

	runtime.Fans = make([]FanState, d.info.FanCount)
	for i := range runtime.Fans {
		fan := FanState{Index: i, Policy: FanPolicyUnknown}

		if target, ret := d.device.GetTargetFanSpeed(i); IsNVMLSuccess(ret) {
			speed := FanSpeed(target)
			fan.Target = &speed
		} else {
			d.skipped(fmt.Sprintf("fan %d target", i), ret)
		}

		if policy, ret := d.device.GetFanControlPolicy_v2(i); IsNVMLSuccess(ret) {
			fan.Policy = fanPolicy(policy)
		} else {
			d.skipped(fmt.Sprintf("fan %d policy", i), ret)
		}

		runtime.Fans[i] = fan
	}

	return runtime
}

func (d *NVMLDevice) skipped(reading string, ret nvml.Return) {
	d.logger.Debug().Str("reading", reading).Msgf("GPU reading unavailable: %v", d.lib.ErrorString(ret))
}

func fanPolicy(policy nvml.FanControlPolicy) FanPolicy {
	switch policy {
	case nvml.FAN_POLICY_TEMPERATURE_CONTINOUS_SW:
		return FanPolicyAutomatic
	case nvml.FAN_POLICY_MANUAL:
		return FanPolicyManual
	default:
		return FanPolicyUnknown
	}
}

func architectureName(arch nvml.DeviceArchitecture) string {
	switch arch {
	case nvml.DEVICE_ARCH_KEPLER:
		return "Kepler"
	case nvml.DEVICE_ARCH_MAXWELL:
		return "Maxwell"
	case nvml.DEVICE_ARCH_PASCAL:
		return "Pascal"
	case nvml.DEVICE_ARCH_VOLTA:
		return "Volta"
	case nvml.DEVICE_ARCH_TURING:
		return "Turing"
	case nvml.DEVICE_ARCH_AMPERE:
		return "Ampere"
	case nvml.DEVICE_ARCH_ADA:
		return "Ada Lovelace"
	case nvml.DEVICE_ARCH_HOPPER:
		return "Hopper"
	default:
		return "unknown"
	}
}

func (d *NVMLDevice) Info() DeviceInfo {
	return d.info
}

func (d *NVMLDevice) FanCount() int {
	return d.info.FanCount
}

func (d *NVMLDevice) ReadTemperature(ctx context.Context) (Temperature, error) {
	errFactory := errors.New()

	var temp uint32
	err := d.bounded(ctx, func() nvml.Return {
		var ret nvml.Return
		temp, ret = d.device.GetTemperature(nvml.TEMPERATURE_GPU)
		return ret
	})
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrSensor, err)
	}

	if Temperature(temp) > MaxSaneTemperature {
		return 0, errFactory.WithMessage(errors.ErrSensor,
			fmt.Sprintf("implausible temperature reading %d°C", temp))
	}

	return Temperature(temp), nil
}

func (d *NVMLDevice) ReadFanSpeeds(ctx context.Context) ([]FanSpeed, error) {
	errFactory := errors.New()

	speeds := make([]FanSpeed, d.info.FanCount)
	err := d.bounded(ctx, func() nvml.Return {
		for i := range speeds {
			speed, ret := d.device.GetFanSpeed_v2(i)
			if !IsNVMLSuccess(ret) {
				return ret
			}
			speeds[i] = FanSpeed(speed)
		}
		return nvml.SUCCESS
	})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSensor, err)
	}

	return speeds, nil
}

func (d *NVMLDevice) SetFanSpeed(ctx context.Context, fanIndex int, speed FanSpeed) error {
	errFactory := errors.New()

	if fanIndex < 0 || fanIndex >= d.info.FanCount {
		return errFactory.WithMessage(errors.ErrActuation,
			fmt.Sprintf("fan index %d out of range, device has %d fan(s)", fanIndex, d.info.FanCount))
	}

	speed = clampSpeed(speed)
	err := d.bounded(ctx, func() nvml.Return {
		return d.device.SetFanSpeed_v2(fanIndex, int(speed))
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrActuation, err).WithData(fmt.Sprintf("fan %d", fanIndex))
	}

	return nil
}

// ReleaseControl attempts every fan even when an earlier one fails. Before
// each fan it waits, within ctx, for any call still in flight, so a fan
// command that outlived its own timeout cannot land after the release.
func (d *NVMLDevice) ReleaseControl(ctx context.Context) error {
	errFactory := errors.New()

	var errs []error
	for i := 0; i < d.info.FanCount; i++ {
		if err := d.lock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fan %d: waiting for pending device call: %w", i, err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.run(callCtx, func() nvml.Return {
			return d.device.SetDefaultFanSpeed_v2(i)
		})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("fan %d: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errFactory.Wrap(errors.ErrReleaseFailed, errors.Join(errs...))
	}

	return nil
}

// Close shuts NVML down once no call is in flight. It is safe to call more
// than once. If a call is still stuck after the drain timeout, NVML is left
// running and an error is returned. After Close every device call fails.
func (d *NVMLDevice) Close() error {
	d.closeOnce.Do(func() {
		errFactory := errors.New()

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeoutFactor*d.timeout)
		defer cancel()

		// the token is never given back
		if err := d.lock(ctx); err != nil {
			d.closeErr = errFactory.Wrap(errors.ErrShutdownFailed, err).
				WithMessage("NVML call still pending, skipping shutdown")
			return
		}

		if ret := d.lib.Shutdown(); !IsNVMLSuccess(ret) {
			d.closeErr = errFactory.Wrap(errors.ErrShutdownFailed, newNVMLError(d.lib, ret))
		}
	})

	return d.closeErr
}

// bounded runs fn once the previous call has finished and gives up once ctx
// or the I/O timeout expires, whether still waiting or already running.
func (d *NVMLDevice) bounded(ctx context.Context, fn func() nvml.Return) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.lock(ctx); err != nil {
		return err
	}

	return d.run(ctx, fn)
}

func (d *NVMLDevice) lock(ctx context.Context) error {
	select {
	case d.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}
}

// run executes fn with the token held. NVML calls cannot be interrupted, so
// a call abandoned on timeout finishes in the background and keeps the token
// until it returns.
func (d *NVMLDevice) run(ctx context.Context, fn func() nvml.Return) error {
	done := make(chan nvml.Return, 1)
	go func() {
		defer func() { <-d.busy }()
		done <- fn()
	}()

	select {
	case ret := <-done:
		if !IsNVMLSuccess(ret) {
			return newNVMLError(d.lib, ret)
		}
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}
}

func clampSpeed(speed FanSpeed) FanSpeed {
	if speed < MinFanSpeed {
		return MinFanSpeed
	}
	if speed > MaxFanSpeed {
		return MaxFanSpeed
	}

	return speed
}
