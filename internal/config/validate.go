package config

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
)

type validationError struct {
	field  string
	value  any
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.field, e.reason, e.value)
}

func (e *validationError) Field() string  { return e.field }
func (e *validationError) Value() any     { return e.value }
func (e *validationError) Reason() string { return e.reason }

// Validate checks every field and reports all problems at once as a single
// config error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field string, value any, reason string) {
		errs = append(errs, &validationError{field: field, value: value, reason: reason})
	}

	if c.Interval <= 0 {
		fail("interval", c.Interval, "invalid_interval")
	}
	if c.IOTimeout <= 0 {
		fail("io_timeout", c.IOTimeout, "invalid_io_timeout")
	}
	if c.Device < 0 {
		fail("device", c.Device, "invalid_device")
	}
	if c.TemperatureWindow < 1 {
		fail("temperature_window", c.TemperatureWindow, "invalid_temperature_window")
	}
	if !c.LogLevel.IsValid() {
		fail("log_level", c.LogLevel, "invalid_log_level")
	}
	if strings.TrimSpace(c.Socket) == "" {
		fail("socket", c.Socket, "empty_socket_path")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		fail("metrics.listen", c.Metrics.Listen, "empty_listen_address")
	}
	if c.Journal.Enabled && c.Journal.DBPath == "" {
		fail("journal.db_path", c.Journal.DBPath, "empty_database_path")
	}

	if err := c.HysteresisSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FanCurve(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.New().Wrap(errors.ErrConfig, errors.Join(errs...))
	}

	return nil
}

// FanCurve builds the validated fan curve.
func (c *Config) FanCurve() (*curve.Curve, error) {
	return curve.New(c.Curve)
}

func (c *Config) HysteresisSettings() curve.Hysteresis {
	return curve.Hysteresis{Band: c.Hysteresis, MinStep: c.MinStep}
}

// ValidationErrors returns the field-level problems carried by err.
func ValidationErrors(err error) []ValidationError {
	var found []ValidationError

	var walk func(error)
	walk = func(err error) {
		for err != nil {
			if verr, ok := err.(ValidationError); ok {
				found = append(found, verr)
			}
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, e := range joined.Unwrap() {
					walk(e)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(err)

	return found
}
