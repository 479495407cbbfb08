// Package metrics exports the control state to Prometheus.
package metrics

import (
	"strconv"

	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nvfanctl"

// Collector reads one snapshot per scrape, so all values of a scrape come
// from the same tick.
type Collector struct {
	store *state.Store

	info               *prometheus.Desc
	temperature        *prometheus.Desc
	averageTemperature *prometheus.Desc
	commandedSpeed     *prometheus.Desc
	measuredSpeed      *prometheus.Desc
	override           *prometheus.Desc
	overrideSpeed      *prometheus.Desc
	ticks              *prometheus.Desc
	sensorErrors       *prometheus.Desc
	actuationErrors    *prometheus.Desc
	running            *prometheus.Desc
	power              *prometheus.Desc
	memoryUsed         *prometheus.Desc
	fanTarget          *prometheus.Desc
}

func NewCollector(store *state.Store) *Collector {
	return &Collector{
		store: store,
		info: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", "info"),
			"Identity of the controlled GPU",
			[]string{"name", "uuid", "driver"}, nil,
		),
		temperature: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", "temperature_celsius"),
			"Last GPU temperature reading",
			nil, nil,
		),
		averageTemperature: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", "temperature_average_celsius"),
			"Average of the recent GPU temperature readings",
			nil, nil,
		),
		commandedSpeed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "fan", "commanded_percent"),
			"Last fan speed commanded by the daemon",
			[]string{"fan"}, nil,
		),
		measuredSpeed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "fan", "measured_percent"),
			"Fan speed reported by the driver",
			[]string{"fan"}, nil,
		),
		override: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "override"),
			"1 while a manual override is active",
			nil, nil,
		),
		overrideSpeed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "override_percent"),
			"Requested manual override speed",
			nil, nil,
		),
		ticks: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "ticks_total"),
			"Control loop ticks run",
			nil, nil,
		),
		sensorErrors: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "sensor_errors_total"),
			"Failed sensor reads",
			nil, nil,
		),
		actuationErrors: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "actuation_errors_total"),
			"Failed fan commands",
			nil, nil,
		),
		running: prometheus.NewDesc(prometheus.BuildFQName(namespace, "control", "running"),
			"1 while the control loop is in the running phase",
			nil, nil,
		),
		power: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", "power_watts"),
			"GPU power draw",
			nil, nil,
		),
		memoryUsed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", "memory_used_bytes"),
			"Framebuffer memory in use",
			nil, nil,
		),
		fanTarget: prometheus.NewDesc(prometheus.BuildFQName(namespace, "fan", "target_percent"),
			"Fan speed the driver is steering towards",
			[]string{"fan", "policy"}, nil,
		),
	}
}

func (collector *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.info
	ch <- collector.temperature
	ch <- collector.averageTemperature
	ch <- collector.commandedSpeed
	ch <- collector.measuredSpeed
	ch <- collector.override
	ch <- collector.overrideSpeed
	ch <- collector.ticks
	ch <- collector.sensorErrors
	ch <- collector.actuationErrors
	ch <- collector.running
	ch <- collector.power
	ch <- collector.memoryUsed
	ch <- collector.fanTarget
}

func (collector *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := collector.store.Snapshot()

	ch <- prometheus.MustNewConstMetric(collector.info, prometheus.GaugeValue, 1,
		snap.Device.Name, snap.Device.UUID, snap.Device.DriverVersion)

	if snap.HasTemperature {
		ch <- prometheus.MustNewConstMetric(collector.temperature, prometheus.GaugeValue, float64(snap.Temperature))
		ch <- prometheus.MustNewConstMetric(collector.averageTemperature, prometheus.GaugeValue, snap.AverageTemperature)
	}

	for i, speed := range snap.CommandedSpeeds {
		ch <- prometheus.MustNewConstMetric(collector.commandedSpeed, prometheus.GaugeValue, float64(speed), strconv.Itoa(i))
	}
	for i, speed := range snap.MeasuredSpeeds {
		ch <- prometheus.MustNewConstMetric(collector.measuredSpeed, prometheus.GaugeValue, float64(speed), strconv.Itoa(i))
	}

	override := 0.0
	if snap.Mode.Kind == state.ManualOverride {
		override = 1
		ch <- prometheus.MustNewConstMetric(collector.overrideSpeed, prometheus.GaugeValue, float64(snap.Mode.Speed))
	}
	ch <- prometheus.MustNewConstMetric(collector.override, prometheus.GaugeValue, override)

	ch <- prometheus.MustNewConstMetric(collector.ticks, prometheus.CounterValue, float64(snap.Ticks))
	ch <- prometheus.MustNewConstMetric(collector.sensorErrors, prometheus.CounterValue, float64(snap.SensorErrors))
	ch <- prometheus.MustNewConstMetric(collector.actuationErrors, prometheus.CounterValue, float64(snap.ActuationErrors))

	running := 0.0
	if snap.Phase == state.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(collector.running, prometheus.GaugeValue, running)

	if snap.Runtime.ReadAt.IsZero() {
		return
	}
	ch <- prometheus.MustNewConstMetric(collector.power, prometheus.GaugeValue, snap.Runtime.PowerWatts)
	ch <- prometheus.MustNewConstMetric(collector.memoryUsed, prometheus.GaugeValue, float64(snap.Runtime.Memory.Used))
	for _, fan := range snap.Runtime.Fans {
		if fan.Target == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(collector.fanTarget, prometheus.GaugeValue, float64(*fan.Target),
			strconv.Itoa(fan.Index), string(fan.Policy))
	}
}
