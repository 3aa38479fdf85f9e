package profilefit

import (
	"math"

	"tofpeaks/pkg/config"
)

// wideBounds are the absolute ranges of the wide scheme, indexed like
// models.PulseParams.Vector. T0 stays unbounded.
var wideBounds = [7][2]float64{
	{0.005, 2},
	{0.0005, 0.5},
	{0, 1},
	{math.Inf(-1), math.Inf(1)},
	{0, math.Inf(1)},
	{0, 10},
	{1, 1000},
}

// overrideList returns the overrides in parameter-vector order.
func overrideList(o config.Overrides) [7]*config.Bound {
	return [7]*config.Bound{o.Alpha, o.Beta, o.R, o.T0, o.Scale, o.HatWidth, o.ConvRate}
}

func applyInitialOverrides(x []float64, o config.Overrides) {
	for i, b := range overrideList(o) {
		if b != nil && b.Initial != nil {
			x[i] = *b.Initial
		}
	}
}

// bounds builds the lower and upper limits of every fitted parameter.
// Background coefficients are never bounded.
func bounds(x0 []float64, scheme string, o config.Overrides) (lower, upper []float64) {
	n := len(x0)
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i := range lower {
		lower[i] = math.Inf(-1)
		upper[i] = math.Inf(1)
	}

	switch scheme {
	case config.SchemeWide:
		for i, b := range wideBounds {
			lower[i], upper[i] = b[0], b[1]
		}
	default:
		for _, i := range []int{0, 1, 2, 5, 6} {
			lower[i] = math.Min(0.5*x0[i], 1.5*x0[i])
			upper[i] = math.Max(0.5*x0[i], 1.5*x0[i])
		}
		lower[4] = 0
	}

	// R is a fraction whatever the scheme
	lower[2] = math.Max(lower[2], 0)
	upper[2] = math.Min(upper[2], 1)

	for i, b := range overrideList(o) {
		if b == nil {
			continue
		}
		if b.Min != nil {
			lower[i] = *b.Min
		}
		if b.Max != nil {
			upper[i] = *b.Max
		}
	}
	return lower, upper
}
