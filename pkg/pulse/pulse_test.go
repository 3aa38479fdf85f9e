package pulse

import (
	"math"
	"testing"

	"tofpeaks/internal/models"
)

// integrate sums f on a fine grid over [0, tMax].
func integrate(f func(float64) float64, tMax float64) float64 {
	const n = 200000
	dt := tMax / n
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += f((float64(i) + 0.5) * dt)
	}
	return sum * dt
}

// TestIkedaCarpenterUnitArea verifies the pulse is normalised for a range of
// shapes, including nearly equal rates that use the series branch
func TestIkedaCarpenterUnitArea(t *testing.T) {
	cases := []struct {
		alpha, beta, r float64
	}{
		{0.1, 0.05, 0.2},
		{0.2, 0.02, 0.6},
		{0.1, 0.0999999, 0.5},
		{0.15, 0.03, 0},
	}
	for _, c := range cases {
		area := integrate(func(T float64) float64 {
			return IkedaCarpenter(T, c.alpha, c.beta, c.r)
		}, 60/c.beta)
		if math.Abs(area-1) > 1e-3 {
			t.Errorf("alpha=%g beta=%g R=%g: area %g, want 1", c.alpha, c.beta, c.r, area)
		}
	}
}

func TestIkedaCarpenterCausal(t *testing.T) {
	if v := IkedaCarpenter(-1, 0.1, 0.05, 0.2); v != 0 {
		t.Errorf("expected zero before the pulse origin, got %g", v)
	}
	if v := IkedaCarpenter(0, 0.1, 0.05, 0.2); v != 0 {
		t.Errorf("expected zero at the pulse origin, got %g", v)
	}
}

func TestSlowTermContinuity(t *testing.T) {
	// both branches must agree close to the switch point
	T := 10.0
	alpha := 0.1
	below := slowTerm(T, alpha, alpha-0.00099)
	above := slowTerm(T, alpha, alpha-0.00101)
	if math.Abs(below-above)/math.Abs(below) > 1e-3 {
		t.Errorf("branches disagree: %g vs %g", below, above)
	}
}

func TestKernelNormalised(t *testing.T) {
	for _, c := range []struct{ hat, rate float64 }{{0.5, 120}, {0, 120}, {2, 0}, {0, 0}} {
		k := NewKernel(c.hat, c.rate)
		sum := 0.0
		for _, w := range k.Weights {
			if w < 0 {
				t.Errorf("negative weight in kernel %+v", c)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("kernel %+v sums to %g", c, sum)
		}
	}
	if k := NewKernel(0, 0); len(k.Offsets) != 1 {
		t.Errorf("expected a delta kernel without broadening, got %d nodes", len(k.Offsets))
	}
}

func TestCurveArea(t *testing.T) {
	p := models.PulseParams{Alpha: 0.1, Beta: 0.05, R: 0.2, T0: 1000, Scale: 5000, HatWidth: 0.5, ConvRate: 120}
	width := 2.0
	var times []float64
	for x := 900.0; x < 1600; x += width {
		times = append(times, x+width/2)
	}
	curve := Curve(p, times, width, nil)
	sum := 0.0
	for _, v := range curve {
		sum += v
	}
	if math.Abs(sum-p.Scale)/p.Scale > 5e-3 {
		t.Errorf("curve sums to %g, want about %g", sum, p.Scale)
	}

	peak := Peak(p, times)
	if peak <= p.T0 || peak > p.T0+60 {
		t.Errorf("peak at %g is not shortly after T0=%g", peak, p.T0)
	}
}

func BenchmarkCurve(b *testing.B) {
	p := models.PulseParams{Alpha: 0.1, Beta: 0.05, R: 0.2, T0: 1000, Scale: 5000, HatWidth: 0.5, ConvRate: 120}
	times := make([]float64, 60)
	for i := range times {
		times[i] = 950 + 7*float64(i)
	}
	dst := make([]float64, len(times))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Curve(p, times, 7, dst)
	}
}
