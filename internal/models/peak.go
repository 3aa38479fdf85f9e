package models

import "math"

// MillerIndex is the (h, k, l) triple assigned to a peak by indexing.
type MillerIndex struct {
	H, K, L float64
}

// IsZero reports whether the peak is unindexed (all three indices zero).
func (m MillerIndex) IsZero() bool {
	return m.H == 0 && m.K == 0 && m.L == 0
}

// PeakRecord identifies one candidate Bragg peak and carries its final
// integrated intensity once the batch driver has processed it.
type PeakRecord struct {
	// Index is the position of the peak in the run's peak table
	Index int

	// Run is the identifier of the run the peak was observed in
	Run int

	// HKL is the Miller index triple; (0,0,0) marks an invalid peak
	HKL MillerIndex

	// Wavelength is the incident neutron wavelength in Angstrom
	Wavelength float64

	// FlightPath is L1+L2 in metres
	FlightPath float64

	// HalfAngle is the scattering half-angle theta in radians
	HalfAngle float64

	// NominalTOF is the expected time-of-flight of the peak centre in microseconds
	NominalTOF float64

	// Intensity and Sigma are written once by the batch driver
	Intensity float64
	Sigma     float64
}

// Energy returns the incident neutron energy in eV.
func (p *PeakRecord) Energy() float64 {
	if p.Wavelength <= 0 {
		return 0
	}
	return 81.804 / (p.Wavelength * p.Wavelength) / 1000.0
}

// IntegratedPeak is the final output of profile integration.
type IntegratedPeak struct {
	Intensity float64
	Sigma     float64

	// StartTime and StopTime bound the integration window in microseconds
	StartTime float64
	StopTime  float64

	// BackgroundEvents is the background count removed from the window
	BackgroundEvents float64
}

// SignalToNoise returns Intensity/Sigma, or 0 when Sigma is not positive.
func (p IntegratedPeak) SignalToNoise() float64 {
	if p.Sigma <= 0 || math.IsNaN(p.Sigma) {
		return 0
	}
	return p.Intensity / p.Sigma
}
