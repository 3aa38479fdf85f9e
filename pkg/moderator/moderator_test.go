package moderator

import (
	"math"
	"testing"

	"tofpeaks/pkg/config"
)

func constantRow(v float64) []float64 {
	return []float64{v, 0, 0, 0, 1, 1, 0, 0, 1, 1}
}

func TestPadeConstantRow(t *testing.T) {
	for _, e := range []float64{0.001, 0.01, 0.5, 3} {
		if got := Pade(constantRow(0.2), e); math.Abs(got-0.2) > 1e-12 {
			t.Errorf("Pade(const 0.2, %g) = %g", e, got)
		}
	}
}

func TestPadePowerLaw(t *testing.T) {
	row := []float64{2, 0.5, 0, 0, 1, 1, 0, 0, 1, 1}
	got := Pade(row, 0.04)
	if math.Abs(got-0.4) > 1e-12 {
		t.Errorf("expected 2*sqrt(0.04)=0.4, got %g", got)
	}
}

func TestNewRejectsShortRows(t *testing.T) {
	if _, err := New(constantRow(1), constantRow(1), []float64{1, 2}, constantRow(1)); err == nil {
		t.Fatal("expected an error for a short row")
	}
}

func TestFlightTimeMatchesWavelength(t *testing.T) {
	// t[us] = 252.78 * L[m] * lambda[A]
	energy := 0.0093
	L := 10.0
	want := 252.778 * L * math.Sqrt(81.804/(energy*1000))
	got := FlightTime(energy, L)
	if math.Abs(got-want)/want > 1e-4 {
		t.Errorf("flight time %g, want %g", got, want)
	}
}

func TestInitialGuessShiftsT0(t *testing.T) {
	c, err := New(constantRow(0.1), constantRow(0.05), constantRow(0.2), constantRow(-20))
	if err != nil {
		t.Fatal(err)
	}
	guess, err := c.InitialGuess(0.01, 10)
	if err != nil {
		t.Fatal(err)
	}
	if guess.Alpha != 0.1 || guess.Beta != 0.05 || guess.R != 0.2 {
		t.Errorf("unexpected shape guess %+v", guess)
	}
	want := -20 + FlightTime(0.01, 10)
	if math.Abs(guess.T0-want) > 1e-9 {
		t.Errorf("T0 = %g, want %g", guess.T0, want)
	}

	if _, err := c.InitialGuess(0, 10); err == nil {
		t.Error("expected an error for zero energy")
	}
}

func TestFromDefaultConfig(t *testing.T) {
	c, err := FromConfig(config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	guess, err := c.InitialGuess(0.0093, 10)
	if err != nil {
		t.Fatal(err)
	}
	if guess.Alpha <= guess.Beta {
		t.Errorf("expected alpha > beta for the default moderator, got %+v", guess)
	}
	if guess.R <= 0 || guess.R >= 1 {
		t.Errorf("expected R in (0,1), got %g", guess.R)
	}
	if got, want := c.Eval(Alpha, 0.0093), Pade(config.DefaultConfig().Instrument.Moderator.A, 0.0093); got != want {
		t.Errorf("Eval(Alpha) = %g, want %g", got, want)
	}
}
