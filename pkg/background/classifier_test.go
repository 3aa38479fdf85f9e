package background

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"tofpeaks/internal/models"
)

func cubeBox(n int) *models.VoxelBox {
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = 1 + 0.01*float64(i)
	}
	return models.NewVoxelBox(axis, axis, axis)
}

func poissonBox(n int, lambda float64, seed uint64) *models.VoxelBox {
	box := cubeBox(n)
	pois := distuv.Poisson{Lambda: lambda, Src: rand.NewPCG(seed, seed+1)}
	for i := range box.Counts {
		box.Counts[i] = int(pois.Rand())
	}
	return box
}

// addCluster raises a cube of half width h around the box centre.
func addCluster(box *models.VoxelBox, h, extra int) {
	ci, cj, ck := box.Center()
	for k := ck - h; k <= ck+h; k++ {
		for j := cj - h; j <= cj+h; j++ {
			for i := ci - h; i <= ci+h; i++ {
				box.Counts[box.Index(i, j, k)] += extra
			}
		}
	}
}

func TestReflect(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{0, 5, 0}, {4, 5, 4}, {-1, 5, 0}, {-2, 5, 1}, {5, 5, 4}, {6, 5, 3}, {3, 1, 0},
	}
	for _, c := range cases {
		if got := reflect(c.i, c.n); got != c.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}

func TestBoxFilterConstant(t *testing.T) {
	box := cubeBox(6)
	for i := range box.Counts {
		box.Counts[i] = 4
	}
	for _, v := range BoxFilter(box, 3) {
		assert.InDelta(t, 4.0, v, 1e-12)
	}
	assert.Equal(t, 4, box.Counts[0], "filter must not touch the counts")
}

func TestBoxFilterSpreadsSpike(t *testing.T) {
	box := cubeBox(7)
	ci, cj, ck := box.Center()
	box.Counts[box.Index(ci, cj, ck)] = 27
	smoothed := BoxFilter(box, 3)
	assert.InDelta(t, 1.0, smoothed[box.Index(ci, cj, ck)], 1e-12)
	assert.InDelta(t, 1.0, smoothed[box.Index(ci+1, cj-1, ck+1)], 1e-12)
	assert.InDelta(t, 0.0, smoothed[box.Index(ci+2, cj, ck)], 1e-12)
}

func TestThreshold(t *testing.T) {
	assert.InDelta(t, 2+1.96*math.Sqrt(2.0/27), Threshold(2, 1.96, 3), 1e-12)
	assert.Equal(t, 0.0, Threshold(0, 1.96, 3))
}

func TestClassifyEmptyBox(t *testing.T) {
	box := cubeBox(5)
	for _, mode := range []Mode{ModePoisson, ModeFixed} {
		opts := DefaultOptions()
		opts.Mode = mode
		opts.Lambda = 1
		res := Classify(box, opts)
		assert.Equal(t, StatusDegenerate, res.Status, mode.String())
		assert.Zero(t, res.Lambda)
		assert.Zero(t, res.Mask.Count())
		assert.True(t, res.Mask.Fits(box))
		assert.True(t, errors.Is(res.Reason, ErrDegenerate))
	}
}

func TestClassifyNegativeLambda(t *testing.T) {
	res := NewClassifier(poissonBox(5, 1, 1), DefaultOptions()).Fixed(-1)
	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.OK())
}

func TestMaskShrinksWithLambda(t *testing.T) {
	box := poissonBox(15, 2, 7)
	addCluster(box, 1, 40)
	c := NewClassifier(box, DefaultOptions())

	prev := box.Len() + 1
	for lambda := 0.0; lambda < 30; lambda += 0.5 {
		res := c.Fixed(lambda)
		require.True(t, res.OK())
		n := res.Mask.Count()
		assert.LessOrEqual(t, n, prev, "lambda=%g", lambda)
		prev = n
	}
}

func TestFixedFindsCluster(t *testing.T) {
	box := poissonBox(15, 2, 11)
	addCluster(box, 1, 60)
	res := NewClassifier(box, DefaultOptions()).Fixed(2)
	require.True(t, res.OK())

	ci, cj, ck := box.Center()
	assert.True(t, res.Mask.Values[box.Index(ci, cj, ck)])
	assert.False(t, res.Mask.Values[box.Index(0, 0, 0)])
	assert.Less(t, res.Mask.Count(), box.Len()/10)
	assert.Greater(t, res.Mask.Events(box.Counts), 27*60)
}

func TestEstimateLambda(t *testing.T) {
	box := poissonBox(20, 2, 3)
	lambda, err := EstimateLambda(box.Counts)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, lambda, 0.3)
}

func TestEstimateLambdaEmpty(t *testing.T) {
	_, err := EstimateLambda(make([]int, 27))
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestPoissonFindsCluster(t *testing.T) {
	box := poissonBox(15, 3, 5)
	addCluster(box, 1, 80)
	res := Classify(box, DefaultOptions())
	require.True(t, res.OK(), "reason: %v", res.Reason)
	assert.InDelta(t, 3.0, res.Lambda, 0.6)

	ci, cj, ck := box.Center()
	assert.True(t, res.Mask.Values[box.Index(ci, cj, ck)])
	assert.Less(t, res.Mask.Count(), box.Len())
}

func TestPoissonRaisesLambdaWhenEverythingIsSignal(t *testing.T) {
	// a box made of one count level far above the fitted rate would mark
	// every voxel; the classifier must still return a proper subset
	box := cubeBox(4)
	for i := range box.Counts {
		box.Counts[i] = 1
	}
	box.Counts[0] = 5
	res := Classify(box, DefaultOptions())
	if res.OK() {
		assert.Less(t, res.Mask.Count(), box.Len())
	} else {
		assert.Equal(t, StatusDegenerate, res.Status)
	}
}

func TestHistogram(t *testing.T) {
	freq := CountHistogram([]int{0, 1, 1, 2, 5})
	assert.Equal(t, []float64{0, 2, 1, 0, 0, 1}, freq)
}

func TestBoxFilterEvenWindow(t *testing.T) {
	box := cubeBox(6)
	for i := range box.Counts {
		box.Counts[i] = 4
	}
	for _, v := range BoxFilter(box, 4) {
		require.InDelta(t, 4.0, v, 1e-12)
	}

	noisy := poissonBox(9, 3, 21)
	assert.Equal(t, BoxFilter(noisy, 5), BoxFilter(noisy, 4))
}

func TestEvenWindowClassifiesLikeNextOdd(t *testing.T) {
	box := poissonBox(15, 2, 13)
	addCluster(box, 1, 50)
	even := NewClassifier(box, Options{Mode: ModeFixed, ZScore: 1.96, Window: 4}).Fixed(2)
	odd := NewClassifier(box, Options{Mode: ModeFixed, ZScore: 1.96, Window: 5}).Fixed(2)
	require.True(t, even.OK())
	assert.True(t, even.Mask.Equal(odd.Mask))
}

func TestClusterDropsDetachedSignal(t *testing.T) {
	box := poissonBox(15, 2, 17)
	addCluster(box, 1, 60)
	for k := 0; k <= 2; k++ {
		for j := 0; j <= 2; j++ {
			for i := 0; i <= 2; i++ {
				box.Counts[box.Index(i, j, k)] += 60
			}
		}
	}

	opts := DefaultOptions()
	all := NewClassifier(box, opts).Fixed(2)
	opts.Cluster = true
	opts.CoreHalfWidth = 3
	central := NewClassifier(box, opts).Fixed(2)
	require.True(t, all.OK())
	require.True(t, central.OK())

	ci, cj, ck := box.Center()
	assert.True(t, all.Mask.Values[box.Index(1, 1, 1)])
	assert.False(t, central.Mask.Values[box.Index(1, 1, 1)], "detached group must be dropped")
	assert.True(t, central.Mask.Values[box.Index(ci, cj, ck)])
	for i, v := range central.Mask.Values {
		if v {
			require.True(t, all.Mask.Values[i], "cluster mask must be a subset of the threshold mask")
		}
	}
	assert.Less(t, central.Mask.Count(), all.Mask.Count())
}

func TestClusterMaskShrinksWithLambda(t *testing.T) {
	box := poissonBox(15, 2, 19)
	addCluster(box, 2, 20)
	opts := DefaultOptions()
	opts.Cluster = true
	opts.CoreHalfWidth = 2
	c := NewClassifier(box, opts)

	var prev *models.Mask
	for lambda := 0.5; lambda < 25; lambda += 0.5 {
		res := c.Fixed(lambda)
		require.True(t, res.OK())
		if prev != nil {
			for i, v := range res.Mask.Values {
				if v {
					require.True(t, prev.Values[i], "lambda=%g added voxel %d", lambda, i)
				}
			}
		}
		prev = res.Mask
	}
	assert.Zero(t, prev.Count())
}
