package tof

import (
	"errors"
	"math"
	"testing"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/config"
)

func testBox(n int) *models.VoxelBox {
	axis := func(c float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = c + 0.01*float64(i-n/2)
		}
		return out
	}
	box := models.NewVoxelBox(axis(1.2), axis(1.7), axis(2.1))
	for i := range box.Counts {
		box.Counts[i] = 1 + i%4
	}
	return box
}

func testParams() Params {
	return Params{
		FlightPath:  10,
		HalfAngle:   math.Pi / 4,
		NominalTOF:  TOF(config.DefaultTofConstant, 10, math.Pi/4, math.Sqrt(1.2*1.2+1.7*1.7+2.1*2.1)),
		DtSpread:    0.01,
		MinBinWidth: 1,
		MaxBinWidth: 50,
		TofConstant: config.DefaultTofConstant,
	}
}

func fullMask(box *models.VoxelBox) *models.Mask {
	m := models.NewMask(box)
	for i := range m.Values {
		m.Values[i] = true
	}
	return m
}

func TestBinConservesCounts(t *testing.T) {
	box := testBox(9)
	prof, err := Bin(box, fullMask(box), testParams())
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	if got, want := prof.TotalCounts(), float64(box.TotalCounts()); got != want {
		t.Errorf("profile holds %g events, box %g", got, want)
	}
	occ := 0.0
	for _, o := range prof.Occupancy {
		occ += o
	}
	if int(occ) != box.Len() {
		t.Errorf("occupancy %g, want %d voxels", occ, box.Len())
	}
	for i := 1; i < prof.Len(); i++ {
		if prof.Time[i] <= prof.Time[i-1] {
			t.Fatalf("times not increasing at bin %d", i)
		}
	}
	if len(prof.Errors) != prof.Len() {
		t.Errorf("errors not filled")
	}
}

// TestBinNoClipping checks that every signal TOF falls inside the profile
func TestBinNoClipping(t *testing.T) {
	box := testBox(11)
	mask := models.NewMask(box)
	for i := range mask.Values {
		mask.Values[i] = i%3 == 0
	}
	p := testParams()
	p.DtSpread = 0
	prof, err := Bin(box, mask, p)
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	lo := prof.Time[0] - prof.BinWidth/2
	hi := prof.Time[prof.Len()-1] + prof.BinWidth/2
	for idx, sel := range mask.Values {
		if !sel {
			continue
		}
		i, j, k := box.Coords(idx)
		tof := TOF(p.TofConstant, p.FlightPath, p.HalfAngle, box.QMagnitude(i, j, k))
		if tof < lo || tof > hi {
			t.Errorf("voxel %d at %g us outside [%g, %g]", idx, tof, lo, hi)
		}
	}
}

func TestBinWidthClamped(t *testing.T) {
	box := testBox(7)
	p := testParams()
	p.MinBinWidth, p.MaxBinWidth = 40, 60
	prof, err := Bin(box, fullMask(box), p)
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	if prof.BinWidth != 40 {
		t.Errorf("bin width %g, want the 40 us minimum", prof.BinWidth)
	}
}

func TestBinEmptyMask(t *testing.T) {
	box := testBox(5)
	prof, err := Bin(box, models.NewMask(box), testParams())
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	if prof.TotalCounts() != 0 || prof.UsableBins() != 0 {
		t.Errorf("empty mask produced counts")
	}
	// the corners still define the range
	if prof.Len() < 2 {
		t.Errorf("expected the corner span to give several bins, got %d", prof.Len())
	}
}

func TestBinRejectsBadInput(t *testing.T) {
	box := testBox(5)
	other := testBox(6)
	if _, err := Bin(box, models.NewMask(other), testParams()); err == nil {
		t.Errorf("expected a shape mismatch error")
	}
	p := testParams()
	p.HalfAngle = 0
	if _, err := Bin(box, fullMask(box), p); !errors.Is(err, ErrGeometry) {
		t.Errorf("expected ErrGeometry, got %v", err)
	}
}

func TestBinDoesNotMutateBox(t *testing.T) {
	box := testBox(5)
	before := append([]int(nil), box.Counts...)
	if _, err := Bin(box, fullMask(box), testParams()); err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	for i := range before {
		if before[i] != box.Counts[i] {
			t.Fatalf("box count %d changed", i)
		}
	}
}
