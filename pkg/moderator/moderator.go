// Package moderator maps incident neutron energy to the initial pulse-shape
// parameters of a pulsed-source moderator.
package moderator

import (
	"fmt"
	"math"

	"tofpeaks/pkg/config"
)

// NumCoefficients is the length of one Pade coefficient row.
const NumCoefficients = 10

// Quantity names one of the moderator-dependent pulse parameters.
type Quantity int

const (
	Alpha Quantity = iota
	Beta
	R
	T0
)

func (q Quantity) String() string {
	switch q {
	case Alpha:
		return "alpha"
	case Beta:
		return "beta"
	case R:
		return "r"
	case T0:
		return "t0"
	default:
		return fmt.Sprintf("quantity(%d)", int(q))
	}
}

// Coefficients holds one rational-approximant row per quantity. It is
// loaded once per instrument and shared read-only between workers.
type Coefficients struct {
	rows [4][NumCoefficients]float64
}

// New builds a coefficient table from the four rows.
func New(a, b, r, t0 []float64) (*Coefficients, error) {
	c := &Coefficients{}
	for q, row := range [][]float64{a, b, r, t0} {
		if len(row) != NumCoefficients {
			return nil, fmt.Errorf("%s row has %d coefficients, want %d", Quantity(q), len(row), NumCoefficients)
		}
		copy(c.rows[q][:], row)
	}
	return c, nil
}

// FromConfig builds the table from the instrument section of cfg.
func FromConfig(cfg *config.Config) (*Coefficients, error) {
	m := cfg.Instrument.Moderator
	return New(m.A, m.B, m.R, m.T0)
}

// Eval evaluates the approximant of q at energy (eV).
func (c *Coefficients) Eval(q Quantity, energy float64) float64 {
	return Pade(c.rows[q][:], energy)
}

// Pade evaluates
//
//	c0 * E^c1 * (1 + c2*E + c3*E^2 + (E/c4)^c5) / (1 + c6*E + c7*E^2 + (E/c8)^c9)
func Pade(c []float64, e float64) float64 {
	num := 1 + c[2]*e + c[3]*e*e + math.Pow(e/c[4], c[5])
	den := 1 + c[6]*e + c[7]*e*e + math.Pow(e/c[8], c[9])
	return c[0] * math.Pow(e, c[1]) * num / den
}

// Initial holds the moderator-derived starting point of a pulse fit.
type Initial struct {
	Alpha, Beta, R, T0 float64
}

// InitialGuess evaluates all four approximants at energy (eV) and shifts T0
// by the flight time over flightPath (m).
func (c *Coefficients) InitialGuess(energy, flightPath float64) (Initial, error) {
	if energy <= 0 || math.IsNaN(energy) {
		return Initial{}, fmt.Errorf("invalid incident energy %g eV", energy)
	}
	guess := Initial{
		Alpha: c.Eval(Alpha, energy),
		Beta:  c.Eval(Beta, energy),
		R:     c.Eval(R, energy),
		T0:    c.Eval(T0, energy) + FlightTime(energy, flightPath),
	}
	for q, v := range []float64{guess.Alpha, guess.Beta, guess.R, guess.T0} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Initial{}, fmt.Errorf("%s approximant is not finite at %g eV", Quantity(q), energy)
		}
	}
	return guess, nil
}

// FlightTime returns the time in microseconds a neutron of energy (eV)
// needs to travel flightPath metres.
func FlightTime(energy, flightPath float64) float64 {
	if energy <= 0 {
		return 0
	}
	// v = 437.393 * sqrt(E[meV]) m/s
	v := 437.393 * math.Sqrt(energy*1000)
	return flightPath / v * 1e6
}
