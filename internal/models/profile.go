package models

import "math"

// TofProfile is the 1D time-of-flight histogram of the signal voxels.
type TofProfile struct {
	// Time holds the bin centres in microseconds, strictly increasing
	Time []float64

	// Counts is the raw (not background-subtracted) event count per bin
	Counts []float64

	// Errors is the Poisson uncertainty per bin; empty bins carry 1
	Errors []float64

	// Occupancy is the number of signal voxels that fell into each bin
	Occupancy []float64

	// BinWidth is the common bin width in microseconds
	BinWidth float64

	// BackgroundRate is the expected background count of one voxel; the
	// pedestal of a bin is BackgroundRate times its occupancy
	BackgroundRate float64
}

// Len returns the number of bins.
func (p *TofProfile) Len() int {
	return len(p.Time)
}

// UsableBins counts bins that received at least one event.
func (p *TofProfile) UsableBins() int {
	n := 0
	for _, c := range p.Counts {
		if c > 0 {
			n++
		}
	}
	return n
}

// Pedestal returns the expected number of background events carried into
// bin i by the signal voxels that fell into it.
func (p *TofProfile) Pedestal(i int) float64 {
	if len(p.Occupancy) == 0 {
		return 0
	}
	return p.BackgroundRate * p.Occupancy[i]
}

// TotalCounts sums the profile.
func (p *TofProfile) TotalCounts() float64 {
	total := 0.0
	for _, c := range p.Counts {
		total += c
	}
	return total
}

// PoissonErrors fills Errors with sqrt(count), using 1 for empty bins so that
// the bins keep a finite weight.
func (p *TofProfile) PoissonErrors() {
	p.Errors = make([]float64, len(p.Counts))
	for i, c := range p.Counts {
		if c > 0 {
			p.Errors[i] = math.Sqrt(c)
		} else {
			p.Errors[i] = 1
		}
	}
}

// PulseParams are the seven parameters of the convolved pulse-shape model.
type PulseParams struct {
	// Alpha is the fast (rise) exponential rate in 1/us
	Alpha float64

	// Beta is the slow (storage) exponential rate in 1/us
	Beta float64

	// R is the fraction of the pulse emitted through the slow decay
	R float64

	// T0 is the time origin of the pulse in microseconds
	T0 float64

	// Scale is the integrated number of peak events
	Scale float64

	// HatWidth is the half width of the instrumental top-hat in microseconds
	HatWidth float64

	// ConvRate is the rate of the Laplace broadening kernel in 1/ms
	ConvRate float64
}

// NumPulseParams is the length of PulseParams as a vector.
const NumPulseParams = 7

// Vector packs the parameters in the order Alpha, Beta, R, T0, Scale, HatWidth, ConvRate.
func (p PulseParams) Vector() []float64 {
	return []float64{p.Alpha, p.Beta, p.R, p.T0, p.Scale, p.HatWidth, p.ConvRate}
}

// PulseParamsFromVector is the inverse of Vector.
func PulseParamsFromVector(v []float64) PulseParams {
	return PulseParams{
		Alpha:    v[0],
		Beta:     v[1],
		R:        v[2],
		T0:       v[3],
		Scale:    v[4],
		HatWidth: v[5],
		ConvRate: v[6],
	}
}

// FitResult is the converged pulse-shape fit of one TofProfile.
type FitResult struct {
	Params PulseParams

	// ParamErrors holds one standard error per pulse parameter
	ParamErrors PulseParams

	// Background holds the polynomial coefficients, lowest order first, in
	// the normalised variable (t - BackgroundCenter) / BackgroundHalfSpan
	Background         []float64
	BackgroundCenter   float64
	BackgroundHalfSpan float64

	// ReducedChiSquared is the weighted residual sum of squares divided by
	// the degrees of freedom
	ReducedChiSquared float64

	// Iterations is the number of solver iterations used
	Iterations int
}

// BackgroundAt evaluates the background polynomial at time t.
func (f *FitResult) BackgroundAt(t float64) float64 {
	if len(f.Background) == 0 {
		return 0
	}
	x := t - f.BackgroundCenter
	if f.BackgroundHalfSpan > 0 {
		x /= f.BackgroundHalfSpan
	}
	// Horner
	v := 0.0
	for k := len(f.Background) - 1; k >= 0; k-- {
		v = v*x + f.Background[k]
	}
	return v
}
