package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"github.com/pterm/pterm"
)

const unknown = "n/a"

// RenderStatus formats a status reply as a summary table followed by one
// row per fan.
func RenderStatus(status ipc.StatusReply) (string, error) {
	summary := pterm.TableData{
		{"Device", deviceLine(status.Device)},
		{"Platform", platformLine(status.Device)},
		{"Phase", status.Phase},
		{"Mode", modeLine(status)},
		{"Temperature", temperatureLine(status)},
		{"Uptime", (time.Duration(status.UptimeSeconds) * time.Second).String()},
		{"Ticks", strconv.FormatUint(status.Ticks, 10)},
		{"Errors", fmt.Sprintf("%d (sensor %d, actuation %d)",
			status.Errors, status.SensorErrors, status.ActuationErrors)},
	}
	summary = append(summary, runtimeRows(status)...)

	top, err := pterm.DefaultTable.WithData(summary).Srender()
	if err != nil {
		return "", err
	}

	fans := pterm.TableData{{"Fan", "Commanded", "Measured", "Target", "Policy"}}
	for i := 0; i < status.FanCount; i++ {
		target, policy := fanStateAt(status.Runtime, i)
		fans = append(fans, []string{
			strconv.Itoa(i),
			speedAt(status.CommandedSpeeds, i),
			speedAt(status.MeasuredSpeeds, i),
			target,
			policy,
		})
	}

	bottom, err := pterm.DefaultTable.WithHasHeader().WithData(fans).Srender()
	if err != nil {
		return "", err
	}

	return top + "\n\n" + bottom, nil
}

func deviceLine(info gpu.DeviceInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", info.Index, info.Name)
	if info.DriverVersion != "" {
		b.WriteString(", driver " + info.DriverVersion)
	}
	if info.SlowdownTemperature > 0 {
		fmt.Fprintf(&b, ", slowdown %d°C", info.SlowdownTemperature)
	}
	if info.ShutdownTemperature > 0 {
		fmt.Fprintf(&b, ", shutdown %d°C", info.ShutdownTemperature)
	}
	if info.MaxTemperature > 0 {
		fmt.Fprintf(&b, ", max %d°C", info.MaxTemperature)
	}

	return b.String()
}

func platformLine(info gpu.DeviceInfo) string {
	var parts []string
	if info.Architecture != "" {
		parts = append(parts, info.Architecture)
	}
	if info.CoreCount > 0 {
		parts = append(parts, fmt.Sprintf("%d cores", info.CoreCount))
	}
	if info.ComputeCapability != "" {
		parts = append(parts, "compute "+info.ComputeCapability)
	}
	if info.CUDAVersion != "" {
		parts = append(parts, "CUDA "+info.CUDAVersion)
	}
	if info.NVMLVersion != "" {
		parts = append(parts, "NVML "+info.NVMLVersion)
	}
	if len(parts) == 0 {
		return unknown
	}

	return strings.Join(parts, ", ")
}

// runtimeRows is the telemetry part of the summary. Without a reading
// only the maximum PCIe link is known.
func runtimeRows(status ipc.StatusReply) pterm.TableData {
	maxLink := linkLine(status.Device.MaxPCIeLink)
	rt := status.Runtime
	if rt == nil {
		return pterm.TableData{
			{"Power", unknown},
			{"Memory", unknown},
			{"Clocks", unknown},
			{"PCIe", fmt.Sprintf("%s (max %s)", unknown, maxLink)},
		}
	}

	power := unknown
	if rt.PowerWatts > 0 {
		power = fmt.Sprintf("%.1f W", rt.PowerWatts)
	}

	memory := unknown
	if rt.Memory.Total > 0 {
		memory = fmt.Sprintf("%s used, %s free of %s",
			gibibytes(rt.Memory.Used), gibibytes(rt.Memory.Free), gibibytes(rt.Memory.Total))
	}

	return pterm.TableData{
		{"Power", power},
		{"Memory", memory},
		{"Clocks", fmt.Sprintf("graphics %s, SM %s, memory %s, video %s",
			mhz(rt.Clocks.Graphics), mhz(rt.Clocks.SM), mhz(rt.Clocks.Memory), mhz(rt.Clocks.Video))},
		{"PCIe", fmt.Sprintf("%s (max %s)", linkLine(rt.PCIeLink), maxLink)},
	}
}

func linkLine(link gpu.PCIeLink) string {
	if link.Generation == 0 {
		return unknown
	}

	line := fmt.Sprintf("gen %d", link.Generation)
	if link.Width > 0 {
		line += fmt.Sprintf(" x%d", link.Width)
	}

	return line
}

func gibibytes(n uint64) string {
	return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
}

func mhz(v int) string {
	if v <= 0 {
		return unknown
	}

	return fmt.Sprintf("%d MHz", v)
}

func fanStateAt(rt *gpu.Runtime, i int) (target, policy string) {
	if rt == nil {
		return unknown, unknown
	}

	for _, fan := range rt.Fans {
		if fan.Index != i {
			continue
		}
		target = unknown
		if fan.Target != nil {
			target = fmt.Sprintf("%d%%", *fan.Target)
		}
		return target, string(fan.Policy)
	}

	return unknown, unknown
}

func modeLine(status ipc.StatusReply) string {
	if status.OverrideSpeed != nil {
		return fmt.Sprintf("%s (%d%%)", status.Mode, *status.OverrideSpeed)
	}

	return status.Mode
}

func temperatureLine(status ipc.StatusReply) string {
	if status.Temperature == nil {
		return unknown
	}

	line := fmt.Sprintf("%d°C", *status.Temperature)
	if status.AverageTemperature != nil {
		line += fmt.Sprintf(" (average %.1f°C)", *status.AverageTemperature)
	}

	return line
}

func speedAt(speeds []gpu.FanSpeed, i int) string {
	if i >= len(speeds) {
		return unknown
	}

	return fmt.Sprintf("%d%%", speeds[i])
}
