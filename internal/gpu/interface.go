package gpu

import (
	"context"
	"time"
)

const (
	MinFanSpeed FanSpeed = 0
	MaxFanSpeed FanSpeed = 100

	// MaxSaneTemperature is the highest reading accepted from the sensor.
	// Anything above it is treated as a failed read.
	MaxSaneTemperature Temperature = 150

	defaultIOTimeout = 500 * time.Millisecond
)

// Device is one GPU whose fans the daemon governs. Every blocking call is
// bounded by the configured I/O timeout as well as ctx.
type Device interface {
	// ReadTemperature returns the die temperature.
	ReadTemperature(ctx context.Context) (Temperature, error)
	// ReadFanSpeeds returns the measured speed of every fan.
	ReadFanSpeeds(ctx context.Context) ([]FanSpeed, error)
	// SetFanSpeed commands one fan. Speeds are clamped to 0..100.
	SetFanSpeed(ctx context.Context, fanIndex int, speed FanSpeed) error
	// ReleaseControl hands every fan back to the driver's own policy.
	ReleaseControl(ctx context.Context) error
	// ReadRuntime returns telemetry that is not needed for control.
	// Readings the device does not support are left zero; only a timeout
	// fails the call.
	ReadRuntime(ctx context.Context) (Runtime, error)
	FanCount() int
	Info() DeviceInfo
	Close() error
}

// Domain types for type safety and validation
type (
	Temperature int
	FanSpeed    int
)

// DeviceInfo is read once when the device is opened.
type DeviceInfo struct {
	Index               int         `json:"index"`
	Name                string      `json:"name"`
	UUID                string      `json:"uuid"`
	DriverVersion       string      `json:"driver_version"`
	FanCount            int         `json:"fan_count"`
	MinFanSpeed         FanSpeed    `json:"min_fan_speed"`
	MaxFanSpeed         FanSpeed    `json:"max_fan_speed"`
	SlowdownTemperature Temperature `json:"slowdown_temperature,omitempty"`
	ShutdownTemperature Temperature `json:"shutdown_temperature,omitempty"`
	MaxTemperature      Temperature `json:"max_temperature,omitempty"`

	Architecture      string   `json:"architecture,omitempty"`
	CoreCount         int      `json:"core_count,omitempty"`
	ComputeCapability string   `json:"compute_capability,omitempty"`
	CUDAVersion       string   `json:"cuda_version,omitempty"`
	NVMLVersion       string   `json:"nvml_version,omitempty"`
	MaxPCIeLink       PCIeLink `json:"max_pcie_link"`
}

// FanPolicy is who drives a fan: the driver's curve or an explicit speed.
type FanPolicy string

const (
	FanPolicyAutomatic FanPolicy = "automatic"
	FanPolicyManual    FanPolicy = "manual"
	FanPolicyUnknown   FanPolicy = "unknown"
)

// PCIeLink is a link generation and lane count. SpeedMbps is per lane.
type PCIeLink struct {
	Generation int `json:"generation,omitempty"`
	Width      int `json:"width,omitempty"`
	SpeedMbps  int `json:"speed_mbps,omitempty"`
}

// MemoryUsage is framebuffer memory in bytes.
type MemoryUsage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

// Clocks are current clock rates in MHz.
type Clocks struct {
	Graphics int `json:"graphics,omitempty"`
	Memory   int `json:"memory,omitempty"`
	Video    int `json:"video,omitempty"`
	SM       int `json:"sm,omitempty"`
}

// FanState is what the driver reports for one fan besides its speed.
type FanState struct {
	Index  int       `json:"index"`
	Target *FanSpeed `json:"target,omitempty"`
	Policy FanPolicy `json:"policy"`
}

// Runtime is telemetry refreshed every tick. A zero ReadAt means it was
// never read.
type Runtime struct {
	ReadAt     time.Time   `json:"read_at"`
	PowerWatts float64     `json:"power_watts,omitempty"`
	Memory     MemoryUsage `json:"memory"`
	Clocks     Clocks      `json:"clocks"`
	PCIeLink   PCIeLink    `json:"pcie_link"`
	Fans       []FanState  `json:"fans,omitempty"`
}

// Clone returns a copy that shares nothing with r.
func (r Runtime) Clone() Runtime {
	if r.Fans == nil {
		return r
	}

	fans := make([]FanState, len(r.Fans))
	for i, fan := range r.Fans {
		fans[i] = fan
		if fan.Target != nil {
			target := *fan.Target
			fans[i].Target = &target
		}
	}
	r.Fans = fans

	return r
}

// Config selects the device and bounds device I/O.
type Config struct {
	Index     int
	IOTimeout time.Duration
}
