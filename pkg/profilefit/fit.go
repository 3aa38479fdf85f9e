// Package profilefit fits the convolved pulse-shape model plus a polynomial
// background to a time-of-flight profile.
package profilefit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/config"
	"tofpeaks/pkg/lsq"
	"tofpeaks/pkg/moderator"
	"tofpeaks/pkg/pulse"
)

// ErrFitDivergence is returned when the solver cannot produce a fit.
var ErrFitDivergence = errors.New("profile fit diverged")

// Default starting values of the instrumental broadening.
const (
	DefaultHatWidth = 0.5
	DefaultConvRate = 120.0
)

// tailBins is the number of bins at each end used to seed the background.
const tailBins = 15

// Options configures one fit.
type Options struct {
	BackgroundOrder int
	Scheme          string
	Overrides       config.Overrides
	MaxIterations   int
}

// OptionsFromConfig reads the fit section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BackgroundOrder: cfg.Fit.BackgroundOrder,
		Scheme:          cfg.Fit.ConstraintScheme,
		Overrides:       cfg.Fit.Overrides,
		MaxIterations:   cfg.Fit.MaxIterations,
	}
}

// Fit fits the profile. energy is the incident energy in eV and flightPath
// the total flight path in metres; both feed the moderator initial guess.
// Bins that no signal voxel fell into are left out of the residuals when
// the profile records its occupancy.
func Fit(ctx context.Context, prof *models.TofProfile, energy, flightPath float64, coeffs *moderator.Coefficients, opts Options) (*models.FitResult, error) {
	if opts.BackgroundOrder < 0 {
		opts.BackgroundOrder = 0
	}
	used := usedBins(prof)
	nBg := opts.BackgroundOrder + 1
	nFree := models.NumPulseParams + nBg
	if len(used) < nFree {
		return nil, fmt.Errorf("%w: %w: %d bins for %d parameters", ErrFitDivergence, lsq.ErrTooFewPoints, len(used), nFree)
	}

	guess, err := coeffs.InitialGuess(energy, flightPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFitDivergence, err)
	}

	m := newModel(prof, used, nBg)
	x0 := make([]float64, nFree)
	x0[0], x0[1], x0[2], x0[3] = guess.Alpha, guess.Beta, clamp(guess.R, 0, 1), guess.T0
	x0[5], x0[6] = DefaultHatWidth, DefaultConvRate
	applyInitialOverrides(x0, opts.Overrides)

	copy(x0[models.NumPulseParams:], m.seedBackground())
	x0[4] = m.seedScale(x0)
	applyInitialOverrides(x0, opts.Overrides)

	lower, upper := bounds(x0, opts.Scheme, opts.Overrides)
	for i := range x0 {
		x0[i] = clamp(x0[i], lower[i], upper[i])
	}

	settings := lsq.DefaultSettings()
	if opts.MaxIterations > 0 {
		settings.MaxIterations = opts.MaxIterations
	}
	res, err := lsq.Solve(ctx, lsq.Problem{
		Residuals: m.residuals,
		M:         len(used),
		Lower:     lower,
		Upper:     upper,
	}, x0, settings)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFitDivergence, err)
	}

	dof := len(used) - nFree
	if dof < 1 {
		dof = 1
	}
	chi := res.Cost / float64(dof)
	errs := lsq.StdErrors(res.Covariance, nFree, chi)

	fit := &models.FitResult{
		Params:             models.PulseParamsFromVector(res.X[:models.NumPulseParams]),
		ParamErrors:        models.PulseParamsFromVector(errs[:models.NumPulseParams]),
		Background:         append([]float64(nil), res.X[models.NumPulseParams:]...),
		BackgroundCenter:   m.center,
		BackgroundHalfSpan: m.halfSpan,
		ReducedChiSquared:  chi,
		Iterations:         res.Iterations,
	}
	return fit, nil
}

// Curves evaluates a fit over every bin of prof. fitted is the full model
// (peak + polynomial + pedestal), poly the polynomial background alone and
// peak the pulse term alone.
func Curves(fit *models.FitResult, prof *models.TofProfile) (fitted, poly, peak []float64) {
	n := prof.Len()
	peak = pulse.Curve(fit.Params, prof.Time, prof.BinWidth, nil)
	poly = make([]float64, n)
	fitted = make([]float64, n)
	for i, t := range prof.Time {
		poly[i] = fit.BackgroundAt(t)
		fitted[i] = peak[i] + poly[i] + prof.Pedestal(i)
	}
	return fitted, poly, peak
}

func usedBins(prof *models.TofProfile) []int {
	used := make([]int, 0, prof.Len())
	for i := range prof.Time {
		if len(prof.Occupancy) == prof.Len() && prof.Occupancy[i] == 0 {
			continue
		}
		used = append(used, i)
	}
	return used
}

// model holds the fitted subset of a profile.
type model struct {
	times, counts, sigma, pedestal, xNorm []float64
	binWidth                              float64
	center, halfSpan                      float64
	nBg                                   int
	curve                                 []float64
}

func newModel(prof *models.TofProfile, used []int, nBg int) *model {
	n := len(used)
	m := &model{
		times:    make([]float64, n),
		counts:   make([]float64, n),
		sigma:    make([]float64, n),
		pedestal: make([]float64, n),
		xNorm:    make([]float64, n),
		curve:    make([]float64, n),
		binWidth: prof.BinWidth,
		nBg:      nBg,
	}
	hasErrors := len(prof.Errors) == prof.Len()
	for k, i := range used {
		m.times[k] = prof.Time[i]
		m.counts[k] = prof.Counts[i]
		if hasErrors {
			m.sigma[k] = prof.Errors[i]
		} else {
			m.sigma[k] = math.Sqrt(prof.Counts[i])
		}
		if m.sigma[k] <= 0 || math.IsNaN(m.sigma[k]) {
			m.sigma[k] = 1
		}
		m.pedestal[k] = prof.Pedestal(i)
	}
	first, last := m.times[0], m.times[n-1]
	m.center = 0.5 * (first + last)
	m.halfSpan = 0.5 * (last - first)
	if m.halfSpan <= 0 {
		m.halfSpan = 1
	}
	for k, t := range m.times {
		m.xNorm[k] = (t - m.center) / m.halfSpan
	}
	return m
}

func (m *model) residuals(dst, x []float64) {
	p := physical(models.PulseParamsFromVector(x[:models.NumPulseParams]))
	pulse.Curve(p, m.times, m.binWidth, m.curve)
	bg := x[models.NumPulseParams:]
	for k := range m.times {
		v := m.curve[k] + polyAt(bg, m.xNorm[k]) + m.pedestal[k]
		dst[k] = (v - m.counts[k]) / m.sigma[k]
	}
}

// seedBackground fits the polynomial to the pedestal-subtracted tails.
func (m *model) seedBackground() []float64 {
	coeffs := make([]float64, m.nBg)
	n := len(m.times)
	k := min(tailBins, max(1, n/4))
	var rows []int
	for i := 0; i < k; i++ {
		rows = append(rows, i)
	}
	for i := max(n-k, k); i < n; i++ {
		rows = append(rows, i)
	}
	if len(rows) < m.nBg {
		return coeffs
	}

	a := mat.NewDense(len(rows), m.nBg, nil)
	b := mat.NewVecDense(len(rows), nil)
	for r, i := range rows {
		pow := 1.0
		for c := 0; c < m.nBg; c++ {
			a.Set(r, c, pow)
			pow *= m.xNorm[i]
		}
		b.SetVec(r, m.counts[i]-m.pedestal[i])
	}
	var qr mat.QR
	qr.Factorize(a)
	sol := mat.NewDense(m.nBg, 1, nil)
	if err := qr.SolveTo(sol, false, b); err != nil {
		return coeffs
	}
	for c := range coeffs {
		if v := sol.At(c, 0); !math.IsNaN(v) && !math.IsInf(v, 0) {
			coeffs[c] = v
		}
	}
	return coeffs
}

// seedScale matches the height of the unit-scale model to the tallest
// background-subtracted bin.
func (m *model) seedScale(x []float64) float64 {
	p := physical(models.PulseParamsFromVector(x[:models.NumPulseParams]))
	p.Scale = 1
	pulse.Curve(p, m.times, m.binWidth, m.curve)

	bg := x[models.NumPulseParams:]
	signal := make([]float64, len(m.times))
	for k := range m.times {
		signal[k] = m.counts[k] - m.pedestal[k] - polyAt(bg, m.xNorm[k])
	}
	height := floats.Max(signal)
	unit := floats.Max(m.curve)
	if height > 0 && unit > 0 {
		return height / unit
	}
	if total := floats.Sum(signal); total > 0 {
		return total
	}
	return 1
}

// physical keeps the pulse evaluation inside its domain while the solver
// explores penalised points.
func physical(p models.PulseParams) models.PulseParams {
	p.Alpha = math.Max(p.Alpha, 1e-9)
	p.Beta = math.Max(p.Beta, 1e-9)
	p.R = clamp(p.R, 0, 1)
	p.HatWidth = math.Max(p.HatWidth, 0)
	p.ConvRate = math.Max(p.ConvRate, 0)
	return p
}

func polyAt(c []float64, x float64) float64 {
	v := 0.0
	for k := len(c) - 1; k >= 0; k-- {
		v = v*x + c[k]
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
