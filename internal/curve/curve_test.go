package curve_test

import (
	"testing"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleCurve(t *testing.T) *curve.Curve {
	t.Helper()

	c, err := curve.New([]curve.Point{
		{Temperature: 40, Speed: 30},
		{Temperature: 60, Speed: 50},
		{Temperature: 80, Speed: 100},
	})
	require.NoError(t, err)

	return c
}

func TestNewRejectsInvalidCurves(t *testing.T) {
	tests := []struct {
		name   string
		points []curve.Point
		reason string
	}{
		{
			name:   "empty",
			points: nil,
			reason: "at least 2 points",
		},
		{
			name:   "single point",
			points: []curve.Point{{Temperature: 50, Speed: 50}},
			reason: "at least 2 points",
		},
		{
			name:   "decreasing temperature",
			points: []curve.Point{{Temperature: 50, Speed: 80}, {Temperature: 40, Speed: 30}},
			reason: "strictly increasing",
		},
		{
			name:   "duplicate temperature",
			points: []curve.Point{{Temperature: 50, Speed: 40}, {Temperature: 50, Speed: 60}},
			reason: "more than once",
		},
		{
			name:   "decreasing speed",
			points: []curve.Point{{Temperature: 40, Speed: 60}, {Temperature: 60, Speed: 40}},
			reason: "must not decrease",
		},
		{
			name:   "speed above 100",
			points: []curve.Point{{Temperature: 40, Speed: 60}, {Temperature: 60, Speed: 101}},
			reason: "out of range",
		},
		{
			name:   "negative speed",
			points: []curve.Point{{Temperature: 40, Speed: -1}, {Temperature: 60, Speed: 50}},
			reason: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := curve.New(tt.points)

			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, errors.HasCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.reason)
			assert.NotEmpty(t, curve.Advice(err))
		})
	}
}

func TestNewCopiesPoints(t *testing.T) {
	points := []curve.Point{{Temperature: 40, Speed: 30}, {Temperature: 80, Speed: 100}}
	c, err := curve.New(points)
	require.NoError(t, err)

	points[0].Speed = 99
	got := c.Points()
	got[1].Speed = 0

	assert.Equal(t, []curve.Point{{Temperature: 40, Speed: 30}, {Temperature: 80, Speed: 100}}, c.Points())
}

func TestInterpolateAtControlPoints(t *testing.T) {
	c := exampleCurve(t)

	for _, p := range c.Points() {
		assert.Equal(t, p.Speed, c.Interpolate(p.Temperature), "at %d°C", p.Temperature)
	}
}

func TestInterpolateClampsOutsideDomain(t *testing.T) {
	c := exampleCurve(t)

	for _, temp := range []int{-20, 0, 20, 39} {
		assert.Equal(t, 30, c.Interpolate(temp), "below domain at %d°C", temp)
	}
	for _, temp := range []int{81, 95, 150} {
		assert.Equal(t, 100, c.Interpolate(temp), "above domain at %d°C", temp)
	}
}

func TestInterpolateLinear(t *testing.T) {
	c := exampleCurve(t)

	tests := []struct {
		temperature int
		expected    int
	}{
		{50, 40},
		{51, 41},
		{58, 48},
		{70, 75},
		{65, 63}, // 62.5 rounds half away from zero
		{79, 98}, // 97.5
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, c.Interpolate(tt.temperature), "at %d°C", tt.temperature)
	}
}

func TestInterpolateFlatSegment(t *testing.T) {
	c, err := curve.New([]curve.Point{
		{Temperature: 30, Speed: 40},
		{Temperature: 60, Speed: 40},
		{Temperature: 90, Speed: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, 40, c.Interpolate(45))
	assert.Equal(t, 70, c.Interpolate(75))
}
