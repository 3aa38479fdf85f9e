package background

import "tofpeaks/internal/models"

// BoxFilter smooths the box counts with a uniform cubic window of the given
// side; an even side is widened by one. Edges are handled by mirror
// reflection (the edge voxel is repeated), so a constant box stays constant.
// The counts are not modified.
func BoxFilter(box *models.VoxelBox, window int) []float64 {
	out := make([]float64, box.Len())
	for i, c := range box.Counts {
		out[i] = float64(c)
	}
	if window <= 1 {
		return out
	}

	// The cubic filter is separable: three passes of a 1D moving average.
	strides := [3]int{1, box.NX, box.NX * box.NY}
	dims := [3]int{box.NX, box.NY, box.NZ}
	line := make([]float64, 0, max(box.NX, box.NY, box.NZ))
	radius := window / 2
	width := float64(2*radius + 1)

	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		stride := strides[axis]
		for start := 0; start < box.Len(); start++ {
			// only visit the first voxel of each line along axis
			if (start/stride)%n != 0 {
				continue
			}
			line = line[:0]
			for p := 0; p < n; p++ {
				line = append(line, out[start+p*stride])
			}
			for p := 0; p < n; p++ {
				sum := 0.0
				for d := -radius; d <= radius; d++ {
					sum += line[reflect(p+d, n)]
				}
				out[start+p*stride] = sum / width
			}
		}
	}
	return out
}

// reflect maps an out-of-range index back into [0, n) by mirroring about
// the array edges.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}
