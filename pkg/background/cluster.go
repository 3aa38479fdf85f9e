package background

import "tofpeaks/internal/models"

// brightestNearCenter returns the index of the largest smoothed value in the
// cube of half width h around the box centre, clipped to the box.
func brightestNearCenter(box *models.VoxelBox, smoothed []float64, h int) int {
	if h < 0 {
		h = 0
	}
	ci, cj, ck := box.Center()
	best, bestIdx := -1.0, box.Index(ci, cj, ck)
	for k := max(ck-h, 0); k <= min(ck+h, box.NZ-1); k++ {
		for j := max(cj-h, 0); j <= min(cj+h, box.NY-1); j++ {
			for i := max(ci-h, 0); i <= min(ci+h, box.NX-1); i++ {
				idx := box.Index(i, j, k)
				if smoothed[idx] > best {
					best, bestIdx = smoothed[idx], idx
				}
			}
		}
	}
	return bestIdx
}

// keepCluster clears every mask voxel that is not face-connected to seed.
// A seed outside the mask empties it.
func keepCluster(box *models.VoxelBox, mask *models.Mask, seed int) {
	keep := make([]bool, len(mask.Values))
	if seed >= 0 && seed < len(mask.Values) && mask.Values[seed] {
		keep[seed] = true
		queue := []int{seed}
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			i, j, k := box.Coords(idx)
			for _, d := range [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
				ni, nj, nk := i+d[0], j+d[1], k+d[2]
				if !box.InBounds(ni, nj, nk) {
					continue
				}
				n := box.Index(ni, nj, nk)
				if mask.Values[n] && !keep[n] {
					keep[n] = true
					queue = append(queue, n)
				}
			}
		}
	}
	mask.Values = keep
}
