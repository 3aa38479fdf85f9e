// Package pulse implements the time-of-flight line shape of a Bragg peak
// measured at a pulsed neutron source: the Ikeda-Carpenter moderator pulse
// convolved with a short instrumental broadening kernel.
package pulse

import (
	"math"

	"tofpeaks/internal/models"
)

// KernelNodes is the number of quadrature nodes used for the broadening
// convolution. It is odd so that the kernel centre is always sampled.
const KernelNodes = 61

// maxKernelSpan bounds the kernel support in microseconds.
const maxKernelSpan = 400.0

// IkedaCarpenter returns the unit-area Ikeda-Carpenter pulse at time T after
// the pulse origin. alpha and beta are the fast and slow exponential rates
// (1/us) and r the fraction emitted through the slow channel.
func IkedaCarpenter(T, alpha, beta, r float64) float64 {
	if T <= 0 || alpha <= 0 {
		return 0
	}
	at := alpha * T
	fast := (1 - r) * at * at * math.Exp(-at)

	slow := 0.0
	if r != 0 {
		slow = 2 * r * alpha * alpha * beta * slowTerm(T, alpha, beta)
	}
	return 0.5 * alpha * (fast + slow)
}

// slowTerm evaluates (exp(-bT) - exp(-aT)*(1 + dT + (dT)^2/2)) / d^3 with
// d = a-b, switching to the series in dT when a and b nearly coincide.
func slowTerm(T, alpha, beta float64) float64 {
	d := alpha - beta
	x := d * T
	if math.Abs(x) < 1e-2 {
		// (e^x - 1 - x - x^2/2)/x^3 = 1/6 + x/24 + x^2/120 + x^3/720 + ...
		series := 1.0/6 + x/24 + x*x/120 + x*x*x/720
		return math.Exp(-alpha*T) * T * T * T * series
	}
	return (math.Exp(-beta*T) - math.Exp(-alpha*T)*(1+x+0.5*x*x)) / (d * d * d)
}

// Kernel is a normalised, sampled broadening kernel: a top hat of half
// width HatWidth (us) convolved with a symmetric Laplace distribution of
// rate ConvRate (1/ms).
type Kernel struct {
	Offsets []float64
	Weights []float64
}

// NewKernel samples the broadening kernel.
func NewKernel(hatWidth, convRate float64) Kernel {
	h := math.Max(hatWidth, 0)
	k := convRate / 1000
	span := h
	if k > 0 {
		span += 8 / k
	}
	span = math.Min(span, maxKernelSpan)
	if span <= 0 || math.IsNaN(span) {
		return Kernel{Offsets: []float64{0}, Weights: []float64{1}}
	}

	kern := Kernel{
		Offsets: make([]float64, KernelNodes),
		Weights: make([]float64, KernelNodes),
	}
	step := 2 * span / float64(KernelNodes-1)
	total := 0.0
	for j := 0; j < KernelNodes; j++ {
		tau := -span + float64(j)*step
		var w float64
		switch {
		case h > 0 && k > 0:
			w = (laplaceCDF(tau+h, k) - laplaceCDF(tau-h, k)) / (2 * h)
		case h > 0:
			if math.Abs(tau) <= h {
				w = 1
			}
		default:
			w = 0.5 * k * math.Exp(-k*math.Abs(tau))
		}
		kern.Offsets[j] = tau
		kern.Weights[j] = w
		total += w
	}
	if total <= 0 {
		return Kernel{Offsets: []float64{0}, Weights: []float64{1}}
	}
	for j := range kern.Weights {
		kern.Weights[j] /= total
	}
	return kern
}

func laplaceCDF(x, k float64) float64 {
	if x < 0 {
		return 0.5 * math.Exp(k*x)
	}
	return 1 - 0.5*math.Exp(-k*x)
}

// Density returns the unit-area convolved pulse at time t.
func Density(p models.PulseParams, kern Kernel, t float64) float64 {
	v := 0.0
	for j, tau := range kern.Offsets {
		v += kern.Weights[j] * IkedaCarpenter(t-tau-p.T0, p.Alpha, p.Beta, p.R)
	}
	return v
}

// Curve fills dst with the expected counts per bin, Scale*binWidth*density,
// at the bin centres in times. dst is allocated when it is too short.
func Curve(p models.PulseParams, times []float64, binWidth float64, dst []float64) []float64 {
	if len(dst) < len(times) {
		dst = make([]float64, len(times))
	}
	dst = dst[:len(times)]
	kern := NewKernel(p.HatWidth, p.ConvRate)
	norm := p.Scale * binWidth
	for i, t := range times {
		dst[i] = norm * Density(p, kern, t)
	}
	return dst
}

// Peak returns the time of the curve maximum on a fine grid spanning times.
func Peak(p models.PulseParams, times []float64) float64 {
	if len(times) == 0 {
		return p.T0
	}
	kern := NewKernel(p.HatWidth, p.ConvRate)
	lo, hi := times[0], times[len(times)-1]
	const steps = 2000
	best, bestT := -1.0, lo
	for s := 0; s <= steps; s++ {
		t := lo + (hi-lo)*float64(s)/steps
		if v := Density(p, kern, t); v > best {
			best, bestT = v, t
		}
	}
	return bestT
}
