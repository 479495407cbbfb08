// Package curve maps a GPU temperature to a fan speed percentage through a
// piecewise-linear fan curve, with hysteresis to keep the fans from hunting
// around curve boundaries.
package curve

import (
	"fmt"
	"math"
	"sort"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/sierrasoftworks/humane-errors-go"
)

const (
	MinSpeed = 0
	MaxSpeed = 100

	minPoints = 2
)

// Point is one control point of a fan curve.
type Point struct {
	Temperature int `json:"temperature"`
	Speed       int `json:"speed"`
}

// Curve is an immutable, validated fan curve. Temperatures are strictly
// increasing and speeds never decrease.
type Curve struct {
	points []Point
}

// New validates points and builds a Curve. Points must already be listed by
// strictly increasing temperature; duplicates, out-of-order entries,
// decreasing speeds, out-of-range speeds and curves with fewer than two
// points are rejected with a config error.
func New(points []Point) (*Curve, error) {
	errFactory := errors.New()

	if len(points) < minPoints {
		return nil, errFactory.Wrap(errors.ErrConfig, humane.New(
			fmt.Sprintf("fan curve needs at least %d points, got %d", minPoints, len(points)),
			"Add [[curve]] entries so the curve spans from your idle to your load temperature",
		))
	}

	for _, p := range points {
		if p.Speed < MinSpeed || p.Speed > MaxSpeed {
			return nil, errFactory.Wrap(errors.ErrConfig, humane.New(
				fmt.Sprintf("fan speed %d%% at %d°C is out of range", p.Speed, p.Temperature),
				fmt.Sprintf("Use a speed between %d and %d", MinSpeed, MaxSpeed),
			))
		}
	}

	for i := 0; i < len(points)-1; i++ {
		curr, next := points[i], points[i+1]

		switch {
		case curr.Temperature == next.Temperature:
			return nil, errFactory.Wrap(errors.ErrConfig, humane.New(
				fmt.Sprintf("fan curve defines %d°C more than once", curr.Temperature),
				"Remove the duplicate [[curve]] entry",
			))
		case curr.Temperature > next.Temperature:
			return nil, errFactory.Wrap(errors.ErrConfig, humane.New(
				"fan curve temperatures must be strictly increasing",
				fmt.Sprintf("List %d°C before %d°C; entries go from the coldest to the hottest temperature",
					next.Temperature, curr.Temperature),
			))
		case curr.Speed > next.Speed:
			return nil, errFactory.Wrap(errors.ErrConfig, humane.New(
				"fan speed must not decrease as temperature rises",
				fmt.Sprintf("%d°C is set to %d%% and must be <= %d%% set for %d°C",
					curr.Temperature, curr.Speed, next.Speed, next.Temperature),
			))
		}
	}

	owned := make([]Point, len(points))
	copy(owned, points)

	return &Curve{points: owned}, nil
}

// Points returns a copy of the control points.
func (c *Curve) Points() []Point {
	points := make([]Point, len(c.points))
	copy(points, c.points)

	return points
}

// Interpolate returns the curve speed at temperature, rounded to the nearest
// whole percent. Temperatures outside the curve clamp to the first or last
// point; there is no extrapolation.
func (c *Curve) Interpolate(temperature int) int {
	first, last := c.points[0], c.points[len(c.points)-1]

	if temperature <= first.Temperature {
		return first.Speed
	}
	if temperature >= last.Temperature {
		return last.Speed
	}

	// first index whose temperature is above the sample
	i := sort.Search(len(c.points), func(i int) bool {
		return c.points[i].Temperature > temperature
	})
	lo, hi := c.points[i-1], c.points[i]

	ratio := float64(temperature-lo.Temperature) / float64(hi.Temperature-lo.Temperature)
	speed := float64(lo.Speed) + ratio*float64(hi.Speed-lo.Speed)

	return clamp(int(math.Round(speed)), MinSpeed, MaxSpeed)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

// Advice returns the hints attached to a curve validation error, for
// printing next to the error at startup.
func Advice(err error) []string {
	var herr humane.Error
	if errors.As(err, &herr) {
		return herr.Advice()
	}

	return nil
}
