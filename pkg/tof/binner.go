// Package tof projects the signal voxels of a reciprocal-space box onto a
// one-dimensional time-of-flight histogram.
package tof

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/config"
)

// maxBins guards against pathological geometry producing huge histograms.
const maxBins = 100000

// ErrGeometry is returned when the instrument scalars cannot map |Q| to TOF.
var ErrGeometry = errors.New("invalid TOF geometry")

// Params holds the instrument scalars and binning limits of one peak.
type Params struct {
	FlightPath float64
	HalfAngle  float64
	NominalTOF float64

	// DtSpread widens the range to NominalTOF*(1 +- DtSpread)
	DtSpread float64

	MinBinWidth float64
	MaxBinWidth float64

	// TofConstant converts L*sin(theta)/|Q| to microseconds
	TofConstant float64
}

// ParamsFor combines the peak geometry with the binning configuration.
func ParamsFor(cfg *config.Config, peak *models.PeakRecord) Params {
	return Params{
		FlightPath:  peak.FlightPath,
		HalfAngle:   peak.HalfAngle,
		NominalTOF:  peak.NominalTOF,
		DtSpread:    cfg.Binning.DtSpreadFraction,
		MinBinWidth: cfg.Binning.MinBinWidth,
		MaxBinWidth: cfg.Binning.MaxBinWidth,
		TofConstant: cfg.Instrument.TofConstant,
	}
}

// TOF converts |Q| (1/A) into a time of flight in microseconds using the
// elastic relation t = C * L * sin(theta) / |Q|.
func TOF(constant, flightPath, halfAngle, q float64) float64 {
	return constant * flightPath * math.Sin(halfAngle) / q
}

func (p Params) tof(q float64) float64 {
	return TOF(p.TofConstant, p.FlightPath, p.HalfAngle, q)
}

func (p Params) validate() error {
	if p.FlightPath <= 0 || p.TofConstant <= 0 {
		return fmt.Errorf("%w: flight path %g, constant %g", ErrGeometry, p.FlightPath, p.TofConstant)
	}
	if s := math.Sin(p.HalfAngle); s <= 0 || math.IsNaN(s) {
		return fmt.Errorf("%w: half angle %g", ErrGeometry, p.HalfAngle)
	}
	if p.MinBinWidth <= 0 || p.MaxBinWidth < p.MinBinWidth {
		return fmt.Errorf("invalid bin width limits [%g, %g]", p.MinBinWidth, p.MaxBinWidth)
	}
	return nil
}

// Bin sums the raw counts of the signal voxels into a uniform TOF
// histogram. The returned profile carries Poisson errors; its
// BackgroundRate is left for the caller to set. Neither box nor mask is modified.
func Bin(box *models.VoxelBox, mask *models.Mask, p Params) (*models.TofProfile, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if !mask.Fits(box) {
		return nil, fmt.Errorf("mask %dx%dx%d does not match box %dx%dx%d",
			mask.NX, mask.NY, mask.NZ, box.NX, box.NY, box.NZ)
	}

	// signal TOFs, one per selected voxel
	times := make([]float64, 0, mask.Count())
	weights := make([]float64, 0, cap(times))
	for idx, selected := range mask.Values {
		if !selected {
			continue
		}
		i, j, k := box.Coords(idx)
		q := box.QMagnitude(i, j, k)
		if q <= 0 {
			return nil, fmt.Errorf("%w: voxel %d sits at |Q|=0", ErrGeometry, idx)
		}
		times = append(times, p.tof(q))
		weights = append(weights, float64(box.Counts[idx]))
	}

	lo, hi, err := p.bounds(box, times)
	if err != nil {
		return nil, err
	}
	width := p.binWidth(box)

	nb := int(math.Floor((hi-lo)/width)) + 1
	if nb > maxBins {
		return nil, fmt.Errorf("%w: %d bins of %g us", ErrGeometry, nb, width)
	}

	prof := &models.TofProfile{
		Time:      make([]float64, nb),
		Counts:    make([]float64, nb),
		Occupancy: make([]float64, nb),
		BinWidth:  width,
	}
	for b := range prof.Time {
		prof.Time[b] = lo + (float64(b)+0.5)*width
	}
	for n, t := range times {
		b := int((t - lo) / width)
		if b >= nb {
			b = nb - 1
		}
		prof.Counts[b] += weights[n]
		prof.Occupancy[b]++
	}
	prof.PoissonErrors()
	return prof, nil
}

// bounds returns the histogram range: the union of the signal TOFs, the
// nominal window and the TOF span of the box corners.
func (p Params) bounds(box *models.VoxelBox, times []float64) (lo, hi float64, err error) {
	lo = p.NominalTOF * (1 - p.DtSpread)
	hi = p.NominalTOF * (1 + p.DtSpread)
	if len(times) > 0 {
		lo = math.Min(lo, floats.Min(times))
		hi = math.Max(hi, floats.Max(times))
	}
	for _, i := range []int{0, box.NX - 1} {
		for _, j := range []int{0, box.NY - 1} {
			for _, k := range []int{0, box.NZ - 1} {
				q := box.QMagnitude(i, j, k)
				if q <= 0 {
					continue
				}
				t := p.tof(q)
				lo = math.Min(lo, t)
				hi = math.Max(hi, t)
			}
		}
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || hi <= lo {
		return 0, 0, fmt.Errorf("%w: empty TOF range [%g, %g]", ErrGeometry, lo, hi)
	}
	return lo, hi, nil
}

// binWidth is the largest TOF step between the centre voxel and its
// neighbour along each axis, clamped to the configured limits.
func (p Params) binWidth(box *models.VoxelBox) float64 {
	ci, cj, ck := box.Center()
	centre := p.tof(box.QMagnitude(ci, cj, ck))
	neighbours := [3][3]int{
		{step(ci, box.NX), cj, ck},
		{ci, step(cj, box.NY), ck},
		{ci, cj, step(ck, box.NZ)},
	}
	width := 0.0
	for _, n := range neighbours {
		d := math.Abs(p.tof(box.QMagnitude(n[0], n[1], n[2])) - centre)
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			width = math.Max(width, d)
		}
	}
	return math.Min(math.Max(width, p.MinBinWidth), p.MaxBinWidth)
}

func step(i, n int) int {
	if i+1 < n {
		return i + 1
	}
	if i > 0 {
		return i - 1
	}
	return i
}
