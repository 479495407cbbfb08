package curve

import (
	"fmt"

	"codeberg.org/mutker/nvfanctl/internal/errors"
)

// Hysteresis holds the two thresholds that both have to be crossed for the
// commanded speed to stay put.
type Hysteresis struct {
	// Band is the temperature delta in °C around the anchor temperature.
	Band int
	// MinStep is the smallest speed change in percent worth commanding.
	MinStep int
}

// Validate rejects negative thresholds and steps above 100%.
func (h Hysteresis) Validate() error {
	errFactory := errors.New()

	if h.Band < 0 {
		return errFactory.WithMessage(errors.ErrConfig,
			fmt.Sprintf("hysteresis band must not be negative, got %d", h.Band))
	}
	if h.MinStep < 0 || h.MinStep > MaxSpeed {
		return errFactory.WithMessage(errors.ErrConfig,
			fmt.Sprintf("minimum step must be between 0 and %d, got %d", MaxSpeed, h.MinStep))
	}

	return nil
}

// Anchor is the last commanded speed together with the temperature that
// produced it.
type Anchor struct {
	Speed       int
	Temperature int
}

// Decision is the result of one evaluation.
type Decision struct {
	// Speed is the percentage to command.
	Speed int
	// Target is the raw interpolated speed before hysteresis.
	Target int
	// Held is true when hysteresis kept the prior speed.
	Held bool
	// Anchor is what the caller passes back on the next evaluation.
	Anchor Anchor
}

// Evaluate maps temperature through the curve and applies hysteresis against
// prior. A nil prior means there is nothing to hold, so the interpolated
// speed is returned as is.
//
// The prior speed is held while the target differs from it by less than
// MinStep and the temperature is within Band of the anchor temperature.
// Sitting exactly on the band edge counts as within the band.
func (c *Curve) Evaluate(temperature int, prior *Anchor, h Hysteresis) Decision {
	target := c.Interpolate(temperature)

	if prior != nil &&
		abs(target-prior.Speed) < h.MinStep &&
		abs(temperature-prior.Temperature) <= h.Band {
		return Decision{
			Speed:  prior.Speed,
			Target: target,
			Held:   true,
			Anchor: *prior,
		}
	}

	return Decision{
		Speed:  target,
		Target: target,
		Anchor: Anchor{Speed: target, Temperature: temperature},
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}

	return x
}
