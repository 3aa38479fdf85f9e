package background

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxHistogramCount caps the count-frequency histogram; voxels above it are
// peak voxels and carry no information about the background rate.
const maxHistogramCount = 1000

// CountHistogram returns freq[k] = number of voxels holding exactly k
// events, for k >= 1.
func CountHistogram(counts []int) []float64 {
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount > maxHistogramCount {
		maxCount = maxHistogramCount
	}
	freq := make([]float64, maxCount+1)
	for _, c := range counts {
		if c > 0 && c <= maxCount {
			freq[c]++
		}
	}
	return freq
}

// EstimateLambda fits A*Poisson(k; lambda) to the count-frequency histogram
// of the non-empty voxels and returns the most probable background rate.
// For a given lambda the amplitude has a closed form, so the search is one
// dimensional.
func EstimateLambda(counts []int) (float64, error) {
	freq := CountHistogram(counts)
	if len(freq) < 2 {
		return 0, fmt.Errorf("%w: no voxel holds any event", ErrDegenerate)
	}

	// start from the most populated count
	mode := 1
	for k := 2; k < len(freq); k++ {
		if freq[k] > freq[mode] {
			mode = k
		}
	}

	residual := func(lambda float64) float64 {
		pois := distuv.Poisson{Lambda: lambda}
		var yp, pp float64
		probs := make([]float64, len(freq))
		for k := 1; k < len(freq); k++ {
			probs[k] = pois.Prob(float64(k))
			yp += freq[k] * probs[k]
			pp += probs[k] * probs[k]
		}
		if pp == 0 {
			return math.Inf(1)
		}
		amp := yp / pp
		sse := 0.0
		for k := 1; k < len(freq); k++ {
			d := freq[k] - amp*probs[k]
			sse += d * d
		}
		return sse
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return residual(math.Exp(x[0]))
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 400,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 40,
		},
	}
	result, err := optimize.Minimize(problem, []float64{math.Log(float64(mode))}, settings, &optimize.NelderMead{})
	if result == nil {
		return 0, fmt.Errorf("%w: poisson fit failed: %v", ErrDegenerate, err)
	}

	lambda := math.Exp(result.X[0])
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) || lambda <= 0 {
		return 0, fmt.Errorf("%w: poisson fit produced lambda=%g", ErrDegenerate, lambda)
	}
	return lambda, nil
}
