package ui

import (
	"fmt"

	"codeberg.org/mutker/nvfanctl/internal/curve"
	"github.com/guptarohit/asciigraph"
)

const (
	graphHeight  = 15
	graphMargin  = 10
	graphMinTemp = 0
)

// RenderCurve plots the interpolated fan speed for every whole degree from a
// little below the first point to a little above the last one.
func RenderCurve(points []curve.Point) (string, error) {
	c, err := curve.New(points)
	if err != nil {
		return "", err
	}

	pts := c.Points()
	start := max(pts[0].Temperature-graphMargin, graphMinTemp)
	stop := pts[len(pts)-1].Temperature + graphMargin

	values := make([]float64, 0, stop-start+1)
	for t := start; t <= stop; t++ {
		values = append(values, float64(c.Interpolate(t)))
	}

	caption := fmt.Sprintf("Fan speed (%%) for %d°C to %d°C", start, stop)
	graph := asciigraph.Plot(values,
		asciigraph.Height(graphHeight),
		asciigraph.LowerBound(curve.MinSpeed),
		asciigraph.UpperBound(curve.MaxSpeed),
		asciigraph.Caption(caption),
	)

	return graph, nil
}
