package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrTimeout         ErrorCode = "operation_timeout"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Control errors. Config is fatal before start, sensor and actuation
	// are counted and tolerated by the control loop.
	ErrConfig    ErrorCode = "config_error"
	ErrSensor    ErrorCode = "sensor_error"
	ErrActuation ErrorCode = "actuation_error"

	// IPC errors, local to one client exchange
	ErrConnection ErrorCode = "connection_error"
	ErrProtocol   ErrorCode = "protocol_error"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrReleaseFailed  ErrorCode = "release_control_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrTimeout:         "Operation timed out",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrConfig:          "Invalid configuration",
	ErrSensor:          "Failed to read sensor",
	ErrActuation:       "Failed to command fan",
	ErrConnection:      "Daemon unreachable",
	ErrProtocol:        "Malformed IPC message",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrReleaseFailed:   "Failed to restore automatic fan control",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
