package models

import (
	"fmt"
	"math"
)

// VoxelBox is a small 3D histogram of event counts around a candidate peak
// in reciprocal space. It is produced by the data layer and never mutated
// by the integration pipeline.
type VoxelBox struct {
	// Counts holds the event counts as a 1D array, x index fastest:
	// idx = (k*NY + j)*NX + i
	Counts []int

	// NX, NY, NZ are the number of voxels along each axis
	NX, NY, NZ int

	// QX, QY, QZ are the axis coordinates in inverse Angstrom. Each axis holds
	// either bin centres (length N) or bin edges (length N+1).
	QX, QY, QZ []float64
}

// NewVoxelBox allocates an empty box with the given axes.
func NewVoxelBox(qx, qy, qz []float64) *VoxelBox {
	return &VoxelBox{
		Counts: make([]int, len(qx)*len(qy)*len(qz)),
		NX:     len(qx),
		NY:     len(qy),
		NZ:     len(qz),
		QX:     qx,
		QY:     qy,
		QZ:     qz,
	}
}

// Len returns the number of voxels in the box.
func (b *VoxelBox) Len() int {
	return b.NX * b.NY * b.NZ
}

// Index returns the flat index of voxel (i, j, k).
func (b *VoxelBox) Index(i, j, k int) int {
	return (k*b.NY+j)*b.NX + i
}

// Coords is the inverse of Index.
func (b *VoxelBox) Coords(idx int) (i, j, k int) {
	i = idx % b.NX
	j = (idx / b.NX) % b.NY
	k = idx / (b.NX * b.NY)
	return i, j, k
}

// Center returns the grid coordinates of the central voxel.
func (b *VoxelBox) Center() (i, j, k int) {
	return b.NX / 2, b.NY / 2, b.NZ / 2
}

// InBounds reports whether (i, j, k) lies inside the box.
func (b *VoxelBox) InBounds(i, j, k int) bool {
	return i >= 0 && i < b.NX && j >= 0 && j < b.NY && k >= 0 && k < b.NZ
}

// QAt returns the reciprocal-space coordinate of voxel (i, j, k).
func (b *VoxelBox) QAt(i, j, k int) (qx, qy, qz float64) {
	return axisCenter(b.QX, b.NX, i), axisCenter(b.QY, b.NY, j), axisCenter(b.QZ, b.NZ, k)
}

// QMagnitude returns |Q| of voxel (i, j, k).
func (b *VoxelBox) QMagnitude(i, j, k int) float64 {
	qx, qy, qz := b.QAt(i, j, k)
	return math.Sqrt(qx*qx + qy*qy + qz*qz)
}

// TotalCounts returns the number of events in the box.
func (b *VoxelBox) TotalCounts() int {
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	return total
}

// Validate checks the structural invariants of the box.
func (b *VoxelBox) Validate() error {
	if b.NX <= 0 || b.NY <= 0 || b.NZ <= 0 {
		return fmt.Errorf("voxel box has empty dimension %dx%dx%d", b.NX, b.NY, b.NZ)
	}
	if len(b.Counts) != b.Len() {
		return fmt.Errorf("voxel box has %d counts for %d voxels", len(b.Counts), b.Len())
	}
	for _, axis := range []struct {
		name   string
		values []float64
		n      int
	}{{"x", b.QX, b.NX}, {"y", b.QY, b.NY}, {"z", b.QZ, b.NZ}} {
		if len(axis.values) != axis.n && len(axis.values) != axis.n+1 {
			return fmt.Errorf("%s axis has %d values for %d voxels", axis.name, len(axis.values), axis.n)
		}
	}
	for idx, c := range b.Counts {
		if c < 0 {
			return fmt.Errorf("voxel %d has negative count %d", idx, c)
		}
	}
	return nil
}

// axisCenter returns the centre of bin i for an axis given as centres or edges.
func axisCenter(axis []float64, n, i int) float64 {
	if len(axis) == n+1 {
		return 0.5 * (axis[i] + axis[i+1])
	}
	return axis[i]
}

// Mask marks voxels classified as peak signal. It always has the shape of
// the VoxelBox it was computed from.
type Mask struct {
	Values     []bool
	NX, NY, NZ int
}

// NewMask allocates an all-false mask shaped like box.
func NewMask(box *VoxelBox) *Mask {
	return &Mask{
		Values: make([]bool, box.Len()),
		NX:     box.NX,
		NY:     box.NY,
		NZ:     box.NZ,
	}
}

// Count returns the number of signal voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Values {
		if v {
			n++
		}
	}
	return n
}

// Fits reports whether the mask has the shape of box.
func (m *Mask) Fits(box *VoxelBox) bool {
	return m.NX == box.NX && m.NY == box.NY && m.NZ == box.NZ && len(m.Values) == box.Len()
}

// Equal reports whether two masks select exactly the same voxels.
func (m *Mask) Equal(o *Mask) bool {
	if m == nil || o == nil {
		return m == o
	}
	if len(m.Values) != len(o.Values) {
		return false
	}
	for i := range m.Values {
		if m.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Events sums the counts of the signal voxels.
func (m *Mask) Events(counts []int) int {
	total := 0
	for i, v := range m.Values {
		if v {
			total += counts[i]
		}
	}
	return total
}
