// Package ipc is the local control channel between nvfanctld and its
// clients: JSON messages over HTTP on a Unix domain socket, one request per
// connection.
package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/state"
)

// Version is the protocol version carried by every message.
const Version = 1

const (
	PathStatus        = "/v1/status"
	PathOverride      = "/v1/override"
	PathOverrideClear = "/v1/override/clear"
	PathShutdown      = "/v1/shutdown"
	PathJournal       = "/v1/journal"
	PathAlive         = "/alive"

	DefaultSocketPath = "/run/nvfanctl.sock"

	contentTypeJSON = "application/json"
	maxBodySize     = 64 << 10

	DefaultJournalLimit = 20
	MaxJournalLimit     = 200
)

// Reasons reported in ErrorReply.
const (
	ReasonInvalidPercentage  = "invalid_percentage"
	ReasonInvalidLimit       = "invalid_limit"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonMalformedRequest   = "malformed_request"
	ReasonNotFound           = "not_found"
	ReasonMethodNotAllowed   = "method_not_allowed"
	ReasonInternal           = "internal_error"
)

// Request is the body of requests without parameters.
type Request struct {
	Version int `json:"version"`
}

type OverrideRequest struct {
	Version    int `json:"version"`
	Percentage int `json:"percentage"`
}

// JournalRequest asks for the newest Limit journal entries. Zero selects
// DefaultJournalLimit.
type JournalRequest struct {
	Version int `json:"version"`
	Limit   int `json:"limit,omitempty"`
}

type JournalEntry struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Speed  *int      `json:"speed,omitempty"`
}

// JournalReply lists entries newest first. It is empty, never null, when
// the journal is disabled.
type JournalReply struct {
	Version int            `json:"version"`
	Entries []JournalEntry `json:"entries"`
}

type Ack struct {
	Version int  `json:"version"`
	OK      bool `json:"ok"`
}

type ErrorReply struct {
	Version int    `json:"version"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type StatusReply struct {
	Version int    `json:"version"`
	Mode    string `json:"mode"`
	// OverrideSpeed is set only in manual override.
	OverrideSpeed *gpu.FanSpeed `json:"override_speed,omitempty"`

	// Temperature is null until the first successful read.
	Temperature        *gpu.Temperature `json:"temperature"`
	AverageTemperature *float64         `json:"average_temperature"`
	CommandedSpeeds    []gpu.FanSpeed   `json:"commanded_speeds"`
	MeasuredSpeeds     []gpu.FanSpeed   `json:"measured_speeds"`
	FanCount           int              `json:"fan_count"`

	Ticks           uint64 `json:"ticks"`
	SensorErrors    uint64 `json:"sensor_errors"`
	ActuationErrors uint64 `json:"actuation_errors"`
	Errors          uint64 `json:"errors"`

	UptimeSeconds uint64         `json:"uptime_seconds"`
	Phase         string         `json:"phase"`
	Device        gpu.DeviceInfo `json:"device"`
	Curve         []curve.Point  `json:"curve"`

	// Runtime is null until the device has answered a telemetry read.
	Runtime *gpu.Runtime `json:"runtime"`
}

// NewStatusReply renders a store snapshot as it goes on the wire.
func NewStatusReply(snap state.Snapshot, now time.Time) StatusReply {
	reply := StatusReply{
		Version:         Version,
		Mode:            string(snap.Mode.Kind),
		CommandedSpeeds: snap.CommandedSpeeds,
		MeasuredSpeeds:  snap.MeasuredSpeeds,
		FanCount:        snap.Device.FanCount,
		Ticks:           snap.Ticks,
		SensorErrors:    snap.SensorErrors,
		ActuationErrors: snap.ActuationErrors,
		Errors:          snap.SensorErrors + snap.ActuationErrors,
		UptimeSeconds:   uint64(math.Max(0, snap.Uptime(now).Seconds())),
		Phase:           string(snap.Phase),
		Device:          snap.Device,
		Curve:           snap.Curve,
	}

	if snap.Mode.Kind == state.ManualOverride {
		speed := snap.Mode.Speed
		reply.OverrideSpeed = &speed
	}
	if snap.HasTemperature {
		temp, avg := snap.Temperature, snap.AverageTemperature
		reply.Temperature = &temp
		reply.AverageTemperature = &avg
	}
	if !snap.Runtime.ReadAt.IsZero() {
		runtime := snap.Runtime
		reply.Runtime = &runtime
	}
	if reply.CommandedSpeeds == nil {
		reply.CommandedSpeeds = []gpu.FanSpeed{}
	}
	if reply.MeasuredSpeeds == nil {
		reply.MeasuredSpeeds = []gpu.FanSpeed{}
	}

	return reply
}

func ack() Ack {
	return Ack{Version: Version, OK: true}
}

// envelope is decoded first so the version is checked before anything else.
type envelope struct {
	Version *int `json:"version"`
}

// decode parses a versioned message into v. Unknown fields are ignored.
func decode(data []byte, v any) error {
	errFactory := errors.New()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errFactory.Wrap(errors.ErrProtocol, err).WithData(ReasonMalformedRequest)
	}
	if env.Version == nil {
		return errFactory.WithMessage(errors.ErrProtocol, "message has no version").
			WithData(ReasonUnsupportedVersion)
	}
	if *env.Version != Version {
		return errFactory.WithMessage(errors.ErrProtocol,
			fmt.Sprintf("unsupported protocol version %d, want %d", *env.Version, Version)).
			WithData(ReasonUnsupportedVersion)
	}

	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errFactory.Wrap(errors.ErrProtocol, err).WithData(ReasonMalformedRequest)
	}

	return nil
}

// reasonOf returns the reason attached to a protocol error, or fallback.
func reasonOf(err error, fallback string) string {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		if reason, ok := appErr.GetData().(string); ok {
			return reason
		}
	}

	return fallback
}
