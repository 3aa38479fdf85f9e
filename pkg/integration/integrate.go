// Package integration turns a fitted TOF profile into an integrated
// intensity with its uncertainty.
package integration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/profilefit"
)

// ErrDegenerate accompanies the zero result returned when no bin of the
// fitted peak rises above the stop fraction.
var ErrDegenerate = errors.New("no bin above the integration threshold")

// Integrate sums the background-subtracted fit over the window where the
// peak exceeds fracStop of its maximum. The background events carried in
// by the signal voxels are removed from the sum and enter the variance
// twice. Their count is not an argument: it is taken from the profile as
// BackgroundRate times the occupancy of each window bin, the same pedestal
// the fit was made against.
//
// When no bin qualifies the result is (0, 1, first bin, last bin) together
// with ErrDegenerate; that result is still valid to commit.
func Integrate(fit *models.FitResult, prof *models.TofProfile, fracStop float64) (models.IntegratedPeak, error) {
	n := prof.Len()
	if n == 0 {
		return models.IntegratedPeak{Sigma: 1}, ErrDegenerate
	}
	zero := models.IntegratedPeak{
		Intensity: 0,
		Sigma:     1,
		StartTime: prof.Time[0],
		StopTime:  prof.Time[n-1],
	}

	fitted, poly, peak := profilefit.Curves(fit, prof)
	top := floats.Max(peak)
	if !(top > 0) {
		return zero, ErrDegenerate
	}

	start, stop := -1, -1
	for i, v := range peak {
		if v/top > fracStop {
			if start < 0 {
				start = i
			}
			stop = i
		}
	}
	if start < 0 {
		return zero, ErrDegenerate
	}

	var signal, bgEvents float64
	for i := start; i <= stop; i++ {
		signal += fitted[i] - poly[i]
		bgEvents += prof.Pedestal(i)
	}
	intensity := signal - bgEvents

	variance := intensity + 2*bgEvents + fit.ReducedChiSquared
	sigma := 1.0
	if variance > 0 && !math.IsNaN(variance) {
		sigma = math.Sqrt(variance)
	}

	return models.IntegratedPeak{
		Intensity:        intensity,
		Sigma:            sigma,
		StartTime:        prof.Time[start],
		StopTime:         prof.Time[stop],
		BackgroundEvents: bgEvents,
	}, nil
}
