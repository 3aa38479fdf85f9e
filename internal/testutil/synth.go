// Package testutil builds synthetic voxel boxes with a known Bragg peak for
// the integration tests.
package testutil

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/config"
	"tofpeaks/pkg/moderator"
	"tofpeaks/pkg/pulse"
)

// Scenario describes one synthetic peak.
type Scenario struct {
	// N is the number of voxels along each axis
	N int

	// Dq is the voxel spacing in inverse Angstrom
	Dq float64

	// QCenter is |Q| at the box centre and Direction the unit vector of Q
	QCenter   float64
	Direction [3]float64

	FlightPath float64
	HalfAngle  float64

	// Params is the true line shape; T0 is relative to the nominal TOF
	Params models.PulseParams

	// Events is the number of expected peak events
	Events float64

	// Background is the expected count per voxel
	Background float64

	// Transverse is the Gaussian width of the peak across Q, in voxels
	Transverse float64

	Seed uint64
}

// DefaultScenario returns a well-resolved peak at |Q| = 3 1/A.
func DefaultScenario() Scenario {
	s := math.Sqrt(6)
	return Scenario{
		N:          25,
		Dq:         0.004,
		QCenter:    3,
		Direction:  [3]float64{1 / s, math.Sqrt2 / s, math.Sqrt(3) / s},
		FlightPath: 10,
		HalfAngle:  math.Pi / 4,
		Params: models.PulseParams{
			Alpha:    0.11,
			Beta:     0.045,
			R:        0.22,
			T0:       -28,
			HatWidth: 0.5,
			ConvRate: 120,
		},
		Events:     10000,
		Background: 2,
		Transverse: 1.5,
		Seed:       42,
	}
}

// Coefficients returns constant moderator rows close to the scenario's
// true line shape.
func Coefficients() *moderator.Coefficients {
	row := func(v float64) []float64 { return []float64{v, 0, 0, 0, 1, 1, 0, 0, 1, 1} }
	c, err := moderator.New(row(0.1), row(0.05), row(0.2), row(-20))
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns the default configuration with two workers and no
// per-peak timeout.
func Config() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = 2
	cfg.Processing.PeakTimeoutSeconds = 0
	return cfg
}

// NominalTOF returns the time of flight at the box centre.
func (s Scenario) NominalTOF() float64 {
	return config.DefaultTofConstant * s.FlightPath * math.Sin(s.HalfAngle) / s.QCenter
}

// Peak returns the record the data layer would hand over for the scenario.
func (s Scenario) Peak(index int) *models.PeakRecord {
	return &models.PeakRecord{
		Index:      index,
		Run:        1,
		HKL:        models.MillerIndex{H: 1, K: 1, L: 2},
		Wavelength: 4 * math.Pi * math.Sin(s.HalfAngle) / s.QCenter,
		FlightPath: s.FlightPath,
		HalfAngle:  s.HalfAngle,
		NominalTOF: s.NominalTOF(),
	}
}

// TrueParams returns the line shape with T0 and Scale in absolute units.
func (s Scenario) TrueParams() models.PulseParams {
	p := s.Params
	p.T0 += s.NominalTOF()
	p.Scale = s.Events
	return p
}

// Box samples the voxel counts of the scenario.
func (s Scenario) Box() *models.VoxelBox {
	axes := make([][]float64, 3)
	for a := range axes {
		axes[a] = make([]float64, s.N)
		c := s.QCenter * s.Direction[a]
		for i := range axes[a] {
			axes[a][i] = c + float64(i-s.N/2)*s.Dq
		}
	}
	box := models.NewVoxelBox(axes[0], axes[1], axes[2])

	p := s.TrueParams()
	kern := pulse.NewKernel(p.HatWidth, p.ConvRate)
	tofConst := config.DefaultTofConstant * s.FlightPath * math.Sin(s.HalfAngle)
	sigma := s.Transverse * s.Dq

	expected := make([]float64, box.Len())
	total := 0.0
	for idx := range expected {
		i, j, k := box.Coords(idx)
		qx, qy, qz := box.QAt(i, j, k)
		q := math.Sqrt(qx*qx + qy*qy + qz*qz)
		along := qx*s.Direction[0] + qy*s.Direction[1] + qz*s.Direction[2]
		perp2 := q*q - along*along
		w := pulse.Density(p, kern, tofConst/q) * math.Exp(-perp2/(2*sigma*sigma))
		expected[idx] = w
		total += w
	}

	src := rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15)
	for idx, w := range expected {
		mean := s.Background
		if total > 0 {
			mean += s.Events * w / total
		}
		if mean <= 0 {
			continue
		}
		box.Counts[idx] = int(distuv.Poisson{Lambda: mean, Src: src}.Rand())
	}
	return box
}

// ConstantBox returns an n^3 box holding v events in every voxel.
func ConstantBox(n int, v int) *models.VoxelBox {
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = 2 + 0.01*float64(i)
	}
	box := models.NewVoxelBox(axis, axis, axis)
	for i := range box.Counts {
		box.Counts[i] = v
	}
	return box
}
