// Package lsq solves bounded nonlinear weighted least-squares problems with
// the Levenberg-Marquardt method. Bounds are enforced softly: a candidate
// outside its bounds pays a large quadratic penalty instead of being
// rejected, so the iteration stays well defined at the boundary.
package lsq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoConvergence is returned when the iteration cap is reached or the
	// residuals stop being finite.
	ErrNoConvergence = errors.New("least squares did not converge")

	// ErrTooFewPoints is returned when there are fewer residuals than parameters.
	ErrTooFewPoints = errors.New("fewer data points than free parameters")
)

// Problem describes the residual vector of a least-squares fit.
type Problem struct {
	// Residuals fills dst (length M) with the weighted residuals
	// (model - observed)/sigma at x.
	Residuals func(dst, x []float64)

	// M is the number of data residuals
	M int

	// Lower and Upper bound each parameter; use math.Inf for open sides.
	// Nil slices leave every parameter unbounded.
	Lower, Upper []float64
}

// Settings tunes the solver.
type Settings struct {
	MaxIterations int

	// Tolerance is the relative cost reduction below which an accepted step
	// counts as converged
	Tolerance float64

	// PenaltyWeight multiplies the squared out-of-bounds distance
	PenaltyWeight float64
}

// DefaultSettings returns the settings used by the profile fitter.
func DefaultSettings() *Settings {
	return &Settings{
		MaxIterations: 200,
		Tolerance:     1e-9,
		PenaltyWeight: 1e6,
	}
}

// Result is a converged solution.
type Result struct {
	X []float64

	// Covariance is (J^T J)^-1 in parameter units, nil if singular
	Covariance *mat.SymDense

	// Cost is the data residual sum of squares (penalties excluded)
	Cost float64

	Iterations int
}

const (
	muInit = 1e-3
	muMin  = 1e-12
	muMax  = 1e16
)

// Solve minimises the sum of squared residuals starting from x0.
func Solve(ctx context.Context, p Problem, x0 []float64, settings *Settings) (*Result, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	n := len(x0)
	if p.M < n {
		return nil, fmt.Errorf("%w: %d points for %d parameters", ErrTooFewPoints, p.M, n)
	}

	// Work in scaled variables z = x/scale so the finite-difference step and
	// the damping are comparable across parameters.
	scale := make([]float64, n)
	for i, v := range x0 {
		scale[i] = math.Abs(v)
		if scale[i] < 1e-12 {
			scale[i] = 1
		}
	}

	s := &solver{problem: p, settings: settings, scale: scale, n: n, m: p.M + n}
	s.x = make([]float64, n)
	s.data = make([]float64, p.M)

	z := make([]float64, n)
	for i := range z {
		z[i] = x0[i] / scale[i]
	}
	r := make([]float64, s.m)
	s.residuals(r, z)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("%w: residuals not finite at the initial point", ErrNoConvergence)
	}

	jac := mat.NewDense(s.m, n, nil)
	jacSettings := &fd.JacobianSettings{Formula: fd.Central, Step: 1e-6}
	var jtj mat.SymDense
	var grad, delta mat.VecDense
	var chol mat.Cholesky
	damped := mat.NewSymDense(n, nil)
	zNew := make([]float64, n)
	rNew := make([]float64, s.m)
	mu := muInit

	for iter := 1; iter <= settings.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cost < 1e-30 {
			return s.finish(z, cost, iter, jac, jacSettings)
		}

		fd.Jacobian(jac, s.residuals, z, jacSettings)
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(s.m, r))

		converged := false
		accepted := false
		for !accepted {
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				if d < 1e-12 {
					d = 1e-12
				}
				damped.SetSym(i, i, d*(1+mu))
			}
			if ok := chol.Factorize(damped); !ok {
				mu *= 10
				if mu > muMax {
					return nil, fmt.Errorf("%w: normal equations singular", ErrNoConvergence)
				}
				continue
			}
			if err := chol.SolveVecTo(&delta, &grad); err != nil {
				mu *= 10
				if mu > muMax {
					return nil, fmt.Errorf("%w: %v", ErrNoConvergence, err)
				}
				continue
			}
			for i := range zNew {
				zNew[i] = z[i] - delta.AtVec(i)
			}
			s.residuals(rNew, zNew)
			costNew := floats.Dot(rNew, rNew)

			if !math.IsNaN(costNew) && costNew < cost {
				rel := (cost - costNew) / cost
				stepNorm := mat.Norm(&delta, 2)
				copy(z, zNew)
				copy(r, rNew)
				cost = costNew
				mu = math.Max(mu/3, muMin)
				accepted = true
				if rel < settings.Tolerance || stepNorm < 1e-12*(floats.Norm(z, 2)+1e-12) {
					converged = true
				}
				continue
			}

			mu *= 4
			if mu > muMax {
				// no downhill step exists at any damping: z is a minimum
				converged = true
				break
			}
		}
		if converged {
			return s.finish(z, cost, iter, jac, jacSettings)
		}
	}
	return nil, fmt.Errorf("%w after %d iterations", ErrNoConvergence, settings.MaxIterations)
}

type solver struct {
	problem  Problem
	settings *Settings
	scale    []float64
	n, m     int
	x, data  []float64
}

// residuals evaluates the data residuals followed by one penalty residual
// per parameter at scaled point z.
func (s *solver) residuals(dst, z []float64) {
	for i := range z {
		s.x[i] = z[i] * s.scale[i]
	}
	s.problem.Residuals(s.data, s.x)
	copy(dst, s.data)
	w := math.Sqrt(s.settings.PenaltyWeight)
	for i := 0; i < s.n; i++ {
		excess := 0.0
		if s.problem.Lower != nil && s.x[i] < s.problem.Lower[i] {
			excess = (s.problem.Lower[i] - s.x[i]) / s.scale[i]
		}
		if s.problem.Upper != nil && s.x[i] > s.problem.Upper[i] {
			excess = (s.x[i] - s.problem.Upper[i]) / s.scale[i]
		}
		dst[s.problem.M+i] = w * excess
	}
}

func (s *solver) finish(z []float64, cost float64, iter int, jac *mat.Dense, settings *fd.JacobianSettings) (*Result, error) {
	res := &Result{X: make([]float64, s.n), Iterations: iter}
	for i := range z {
		res.X[i] = z[i] * s.scale[i]
	}
	r := make([]float64, s.m)
	s.residuals(r, z)
	res.Cost = floats.Dot(r[:s.problem.M], r[:s.problem.M])

	fd.Jacobian(jac, s.residuals, z, settings)
	data := jac.Slice(0, s.problem.M, 0, s.n)
	var jtj mat.SymDense
	jtj.SymOuterK(1, data.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&jtj); ok {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			cov := mat.NewSymDense(s.n, nil)
			for i := 0; i < s.n; i++ {
				for j := i; j < s.n; j++ {
					cov.SetSym(i, j, inv.At(i, j)*s.scale[i]*s.scale[j])
				}
			}
			res.Covariance = cov
		}
	}
	return res, nil
}

// StdErrors returns sqrt(diag(cov)*factor), or zeros when cov is nil.
func StdErrors(cov *mat.SymDense, n int, factor float64) []float64 {
	out := make([]float64, n)
	if cov == nil {
		return out
	}
	for i := 0; i < n; i++ {
		v := cov.At(i, i) * factor
		if v > 0 {
			out[i] = math.Sqrt(v)
		}
	}
	return out
}
