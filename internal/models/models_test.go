package models

import (
	"math"
	"testing"
)

func TestVoxelBoxIndexCoords(t *testing.T) {
	box := NewVoxelBox(make([]float64, 4), make([]float64, 3), make([]float64, 2))
	if box.Len() != 24 {
		t.Fatalf("Len() = %d, want 24", box.Len())
	}
	for idx := 0; idx < box.Len(); idx++ {
		i, j, k := box.Coords(idx)
		if !box.InBounds(i, j, k) {
			t.Fatalf("Coords(%d) = (%d,%d,%d) out of bounds", idx, i, j, k)
		}
		if got := box.Index(i, j, k); got != idx {
			t.Errorf("Index(Coords(%d)) = %d", idx, got)
		}
	}
	if got := box.Index(1, 0, 0); got != 1 {
		t.Errorf("x index should vary fastest, Index(1,0,0) = %d", got)
	}
}

func TestVoxelBoxEdgeAxes(t *testing.T) {
	edges := []float64{1, 2, 3}
	centres := []float64{1.5, 2.5}
	box := &VoxelBox{Counts: make([]int, 8), NX: 2, NY: 2, NZ: 2, QX: edges, QY: centres, QZ: centres}
	if err := box.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	qx, qy, _ := box.QAt(1, 1, 0)
	if qx != 2.5 || qy != 2.5 {
		t.Errorf("QAt(1,1,0) = (%g,%g), want (2.5,2.5)", qx, qy)
	}
	want := math.Sqrt(1.5*1.5 + 1.5*1.5 + 1.5*1.5)
	if got := box.QMagnitude(0, 0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("QMagnitude(0,0,0) = %g, want %g", got, want)
	}
}

func TestVoxelBoxValidate(t *testing.T) {
	axis := []float64{1, 2}
	tests := []struct {
		name string
		box  *VoxelBox
	}{
		{"empty dimension", &VoxelBox{NX: 0, NY: 2, NZ: 2}},
		{"short counts", &VoxelBox{Counts: make([]int, 7), NX: 2, NY: 2, NZ: 2, QX: axis, QY: axis, QZ: axis}},
		{"bad axis", &VoxelBox{Counts: make([]int, 8), NX: 2, NY: 2, NZ: 2, QX: []float64{1}, QY: axis, QZ: axis}},
		{"negative count", &VoxelBox{Counts: []int{0, 0, 0, -1, 0, 0, 0, 0}, NX: 2, NY: 2, NZ: 2, QX: axis, QY: axis, QZ: axis}},
	}
	for _, tt := range tests {
		if err := tt.box.Validate(); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestVoxelBoxValidateReportsFirstBadAxis(t *testing.T) {
	axis := []float64{1, 2}
	box := &VoxelBox{Counts: make([]int, 8), NX: 2, NY: 2, NZ: 2, QX: axis, QY: []float64{1}, QZ: []float64{1}}
	want := "y axis has 1 values for 2 voxels"
	for i := 0; i < 20; i++ {
		if err := box.Validate(); err == nil || err.Error() != want {
			t.Fatalf("Validate() = %v, want %q on every call", err, want)
		}
	}
}

func TestMask(t *testing.T) {
	box := NewVoxelBox([]float64{1, 2}, []float64{1, 2}, []float64{1})
	copy(box.Counts, []int{3, 5, 7, 11})

	a := NewMask(box)
	b := NewMask(box)
	if !a.Fits(box) || !a.Equal(b) {
		t.Fatal("fresh masks should fit the box and be equal")
	}
	a.Values[1] = true
	a.Values[3] = true
	if a.Equal(b) {
		t.Error("masks selecting different voxels compare equal")
	}
	if a.Count() != 2 {
		t.Errorf("Count() = %d, want 2", a.Count())
	}
	if got := a.Events(box.Counts); got != 16 {
		t.Errorf("Events() = %d, want 16", got)
	}
	if a.Equal(nil) {
		t.Error("mask should not equal nil")
	}
}

func TestTofProfile(t *testing.T) {
	prof := &TofProfile{
		Time:           []float64{10, 20, 30},
		Counts:         []float64{4, 0, 9},
		Occupancy:      []float64{2, 0, 3},
		BackgroundRate: 1.5,
	}
	prof.PoissonErrors()
	wantErr := []float64{2, 1, 3}
	for i, w := range wantErr {
		if prof.Errors[i] != w {
			t.Errorf("Errors[%d] = %g, want %g", i, prof.Errors[i], w)
		}
	}
	if prof.UsableBins() != 2 {
		t.Errorf("UsableBins() = %d, want 2", prof.UsableBins())
	}
	if prof.Pedestal(2) != 4.5 {
		t.Errorf("Pedestal(2) = %g, want 4.5", prof.Pedestal(2))
	}
	if prof.TotalCounts() != 13 {
		t.Errorf("TotalCounts() = %g, want 13", prof.TotalCounts())
	}
}

func TestPulseParamsVector(t *testing.T) {
	p := PulseParams{Alpha: 1, Beta: 2, R: 0.3, T0: 4, Scale: 5, HatWidth: 6, ConvRate: 7}
	v := p.Vector()
	if len(v) != NumPulseParams {
		t.Fatalf("len(Vector()) = %d", len(v))
	}
	if PulseParamsFromVector(v) != p {
		t.Error("PulseParamsFromVector(Vector()) changed the parameters")
	}
}

func TestBackgroundAt(t *testing.T) {
	fit := &FitResult{Background: []float64{1, 2, 3}, BackgroundCenter: 100, BackgroundHalfSpan: 10}
	// x = 0.5: 1 + 2*0.5 + 3*0.25
	if got := fit.BackgroundAt(105); math.Abs(got-2.75) > 1e-12 {
		t.Errorf("BackgroundAt(105) = %g, want 2.75", got)
	}
	if got := (&FitResult{}).BackgroundAt(5); got != 0 {
		t.Errorf("empty background = %g, want 0", got)
	}
}

func TestPeakEnergy(t *testing.T) {
	p := &PeakRecord{Wavelength: 2}
	if got := p.Energy(); math.Abs(got-81.804/4/1000) > 1e-15 {
		t.Errorf("Energy() = %g", got)
	}
	if (&PeakRecord{}).Energy() != 0 {
		t.Error("zero wavelength should give zero energy")
	}
	if !(MillerIndex{}).IsZero() || (MillerIndex{L: 1}).IsZero() {
		t.Error("IsZero mismatch")
	}
	ip := IntegratedPeak{Intensity: 100, Sigma: 10}
	if ip.SignalToNoise() != 10 {
		t.Errorf("SignalToNoise() = %g", ip.SignalToNoise())
	}
	if (IntegratedPeak{Intensity: 5}).SignalToNoise() != 0 {
		t.Error("zero sigma should give zero signal to noise")
	}
}
