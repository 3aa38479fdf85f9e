// Package search chooses the background level of a voxel box by sweeping
// candidate levels, fitting the resulting TOF profile for each and keeping
// the split whose fit is most consistent with Poisson noise.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/background"
	"tofpeaks/pkg/config"
	"tofpeaks/pkg/integration"
	"tofpeaks/pkg/moderator"
	"tofpeaks/pkg/profilefit"
	"tofpeaks/pkg/tof"
)

// Mode records how the final background level was obtained.
type Mode string

const (
	ModeSearch   Mode = "search"
	ModeFallback Mode = "poisson-fallback"
)

// Candidate is one evaluated background level.
type Candidate struct {
	Lambda     float64
	ChiSq      float64
	IOverSigma float64
	Intensity  float64
	MaskSize   int
	Viable     bool
	Reason     string
}

// Outcome is the chosen split together with its fit.
type Outcome struct {
	Mask *models.Mask

	// Lambda is the background level the mask was thresholded at
	Lambda float64

	// Rate is the per-voxel background rate subtracted as the profile
	// pedestal. It is measured away from the peak and shared by every level.
	Rate float64

	Profile *models.TofProfile
	Fit     *models.FitResult
	Mode    Mode

	// Candidates lists every level evaluated, in sweep order
	Candidates []Candidate

	// Relaxations counts how often minFrac was lowered
	Relaxations int
}

// Controller runs the search for one instrument configuration. It holds no
// per-peak state and may be shared between goroutines.
type Controller struct {
	cfg    *config.Config
	coeffs *moderator.Coefficients
	fit    profilefit.Options
}

// NewController creates a controller.
func NewController(cfg *config.Config, coeffs *moderator.Coefficients) *Controller {
	return &Controller{cfg: cfg, coeffs: coeffs, fit: profilefit.OptionsFromConfig(cfg)}
}

// FindBackgroundAndFit is a one-shot convenience around NewController.
func FindBackgroundAndFit(ctx context.Context, box *models.VoxelBox, peak *models.PeakRecord, coeffs *moderator.Coefficients, cfg *config.Config) (*Outcome, error) {
	return NewController(cfg, coeffs).FindBackgroundAndFit(ctx, box, peak)
}

// trial is the full evaluation of one background level.
type trial struct {
	lambda  float64
	mask    *models.Mask
	profile *models.TofProfile
	fit     *models.FitResult
	cand    Candidate
}

// FindBackgroundAndFit selects the background level of box and returns the
// mask, profile and fit built with it. Only context errors abort the sweep;
// a fit failure of the final Poisson fallback is returned wrapped in
// profilefit.ErrFitDivergence together with the partial outcome, whose
// Candidates record every level that was tried.
func (c *Controller) FindBackgroundAndFit(ctx context.Context, box *models.VoxelBox, peak *models.PeakRecord) (*Outcome, error) {
	if box.TotalCounts() == 0 {
		return nil, fmt.Errorf("%w: box holds no events", background.ErrDegenerate)
	}
	cls := background.NewClassifier(box, background.Options{
		Mode:          background.ModePoisson,
		ZScore:        c.cfg.Classifier.ZScore,
		Window:        c.cfg.Classifier.SmoothingWindow,
		Cluster:       c.cfg.Classifier.CentralCluster,
		CoreHalfWidth: c.cfg.Search.PeakMaskHalfWidth,
	})

	coarse := cls.Poisson()
	lambdaP := math.NaN()
	if coarse.OK() {
		lambdaP = coarse.Lambda
	} else {
		diagf("peak %d: poisson estimate unavailable: %v", peak.Index, coarse.Reason)
	}

	predicted, ok := GeometricEstimate(box, cls.Smoothed(), c.cfg.Search.PeakMaskHalfWidth)
	if !ok {
		predicted = lambdaP
	}

	out := &Outcome{Mode: ModeSearch, Rate: predicted}
	minFrac := c.cfg.Search.MinFrac
	if !math.IsNaN(predicted) {
		for pass := 0; pass <= c.cfg.Search.RelaxSteps; pass++ {
			if pass > 0 {
				minFrac *= c.cfg.Search.RelaxFactor
				out.Relaxations++
				diagf("peak %d: relaxing minFrac to %.4g", peak.Index, minFrac)
			}
			levels := Candidates(cls.Smoothed(), predicted, minFrac, c.cfg.Search.MaxFrac, lambdaP, c.cfg.Search.MaxCandidates)
			if len(levels) == 0 {
				continue
			}
			best, err := c.sweep(ctx, cls, box, peak, levels, predicted, out)
			if err != nil {
				return nil, err
			}
			if best != nil {
				out.Mask, out.Lambda, out.Profile, out.Fit = best.mask, best.lambda, best.profile, best.fit
				diagf("peak %d: lambda %.4g chosen from %d candidates (chi2 %.3f)", peak.Index, best.lambda, len(out.Candidates), best.fit.ReducedChiSquared)
				return out, nil
			}
		}
	}

	// no viable level: classify against the Poisson estimate alone
	diagf("peak %d: background search found no viable level, falling back to poisson", peak.Index)
	out.Mode = ModeFallback
	if !coarse.OK() {
		return out, fmt.Errorf("poisson fallback: %w", coarse.Reason)
	}
	if math.IsNaN(out.Rate) {
		out.Rate = coarse.Lambda
	}
	t, err := c.evaluate(ctx, box, peak, coarse.Mask, coarse.Lambda, out.Rate, 0)
	if err != nil {
		if errors.Is(err, profilefit.ErrFitDivergence) {
			opsf("peak %d: poisson fallback fit failed: %v", peak.Index, err)
			out.Candidates = append(out.Candidates, t.cand)
			return out, fmt.Errorf("poisson fallback: %w", err)
		}
		return nil, fmt.Errorf("poisson fallback: %w", err)
	}
	out.Candidates = append(out.Candidates, t.cand)
	out.Mask, out.Lambda, out.Profile, out.Fit = t.mask, t.lambda, t.profile, t.fit
	return out, nil
}

// sweep evaluates the levels in ascending order and returns the trial whose
// reduced chi-squared lies closest to 1, or nil when none was viable.
func (c *Controller) sweep(ctx context.Context, cls *background.Classifier, box *models.VoxelBox, peak *models.PeakRecord, levels []float64, rate float64, out *Outcome) (*trial, error) {
	var best *trial
	var prev *models.Mask
	for _, lambda := range levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := cls.Fixed(lambda)
		if !res.OK() {
			tracef("peak %d: lambda %.4g: classification %s: %v", peak.Index, lambda, res.Status, res.Reason)
			continue
		}
		if res.Mask.Equal(prev) {
			continue
		}
		prev = res.Mask

		t, err := c.evaluate(ctx, box, peak, res.Mask, lambda, rate, c.cfg.Search.MinUsableBins)
		switch {
		case errors.Is(err, errTooFewBins):
			tracef("peak %d: lambda %.4g: %v, stopping sweep", peak.Index, lambda, err)
			return best, nil
		case errors.Is(err, profilefit.ErrFitDivergence):
			out.Candidates = append(out.Candidates, t.cand)
			tracef("peak %d: lambda %.4g: %v", peak.Index, lambda, err)
			continue
		case err != nil:
			return nil, err
		}

		out.Candidates = append(out.Candidates, t.cand)
		tracef("peak %d: lambda %.4g: chi2 %.4g I/sigma %.3g mask %d", peak.Index, lambda, t.cand.ChiSq, t.cand.IOverSigma, t.cand.MaskSize)
		if best == nil || closer(t.cand.ChiSq, best.cand.ChiSq) {
			best = t
		}
	}
	return best, nil
}

// closer reports whether chi is at least as close to 1 as ref. Levels are
// swept in ascending order, so ties go to the larger level.
func closer(chi, ref float64) bool {
	return math.Abs(chi-1) <= math.Abs(ref-1)
}

var errTooFewBins = errors.New("too few usable bins")

// evaluate bins and fits the mask thresholded at lambda, with a pedestal of
// rate events per signal voxel. Profiles with fewer than minBins non-empty
// bins are rejected with errTooFewBins. On a fit failure the returned trial
// still carries the non-viable candidate record.
func (c *Controller) evaluate(ctx context.Context, box *models.VoxelBox, peak *models.PeakRecord, mask *models.Mask, lambda, rate float64, minBins int) (*trial, error) {
	t := &trial{lambda: lambda, mask: mask}
	t.cand = Candidate{Lambda: lambda, MaskSize: mask.Count()}

	prof, err := tof.Bin(box, mask, tof.ParamsFor(c.cfg, peak))
	if err != nil {
		t.cand.Reason = err.Error()
		return t, fmt.Errorf("%w: %w", profilefit.ErrFitDivergence, err)
	}
	prof.BackgroundRate = rate
	if n := prof.UsableBins(); n < minBins {
		return t, fmt.Errorf("%w: %d < %d", errTooFewBins, n, minBins)
	}
	t.profile = prof

	fit, err := profilefit.Fit(ctx, prof, peak.Energy(), peak.FlightPath, c.coeffs, c.fit)
	if err != nil {
		t.cand.Reason = err.Error()
		return t, err
	}
	t.fit = fit
	t.cand.ChiSq = fit.ReducedChiSquared

	ip, err := integration.Integrate(fit, prof, c.cfg.Integration.FracStop)
	if err != nil && !errors.Is(err, integration.ErrDegenerate) {
		return t, err
	}
	t.cand.Intensity = ip.Intensity
	t.cand.IOverSigma = ip.SignalToNoise()
	t.cand.Viable = true
	return t, nil
}

// GeometricEstimate returns the mean smoothed count of the voxels outside
// the cube of the given half width around the box centre. ok is false when
// the cube covers the whole box.
func GeometricEstimate(box *models.VoxelBox, smoothed []float64, halfWidth int) (float64, bool) {
	ci, cj, ck := box.Center()
	outside := make([]float64, 0, len(smoothed))
	for idx, v := range smoothed {
		i, j, k := box.Coords(idx)
		if abs(i-ci) <= halfWidth && abs(j-cj) <= halfWidth && abs(k-ck) <= halfWidth {
			continue
		}
		outside = append(outside, v)
	}
	if len(outside) == 0 {
		return 0, false
	}
	return stat.Mean(outside, nil), true
}

// Candidates returns the sorted distinct smoothed values inside
// [minFrac, maxFrac] * predicted, plus lambdaP when it lies in that range.
// Long lists are thinned evenly to at most limit levels, keeping lambdaP.
func Candidates(smoothed []float64, predicted, minFrac, maxFrac, lambdaP float64, limit int) []float64 {
	lo, hi := minFrac*predicted, maxFrac*predicted
	inRange := func(v float64) bool { return v >= lo && v <= hi && v > 0 }

	var levels []float64
	for _, v := range smoothed {
		if inRange(v) {
			levels = append(levels, v)
		}
	}
	sort.Float64s(levels)
	levels = dedupe(levels)

	if limit > 0 && len(levels) > limit {
		thinned := make([]float64, 0, limit)
		if limit == 1 {
			thinned = append(thinned, levels[len(levels)/2])
		} else {
			for i := 0; i < limit; i++ {
				thinned = append(thinned, levels[i*(len(levels)-1)/(limit-1)])
			}
		}
		levels = dedupe(thinned)
	}

	if !math.IsNaN(lambdaP) && inRange(lambdaP) {
		levels = append(levels, lambdaP)
		sort.Float64s(levels)
		levels = dedupe(levels)
	}
	return levels
}

func dedupe(sorted []float64) []float64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i > 0 && v-out[len(out)-1] <= 1e-12*math.Max(1, math.Abs(v)) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
