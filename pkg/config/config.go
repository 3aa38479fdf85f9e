// Package config provides configuration loading and management for tofpeaks.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Constraint schemes understood by the profile fitter.
const (
	SchemeTight = "tight"
	SchemeWide  = "wide"
)

// DefaultTofConstant converts L*sin(theta)/|Q| (m, inverse Angstrom) into
// microseconds: 4*pi*m_n/h.
const DefaultTofConstant = 3176.507

// Bound overrides the constraint of one fit parameter. Nil fields keep the
// value chosen by the constraint scheme.
type Bound struct {
	Min     *float64 `yaml:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty"`
	Initial *float64 `yaml:"initial,omitempty"`
}

// Overrides enumerates every per-instrument fit override.
type Overrides struct {
	// Scale bounds the integrated amplitude
	Scale *Bound `yaml:"scale,omitempty"`

	// Alpha and Beta bound the two shape exponents
	Alpha *Bound `yaml:"alpha,omitempty"`
	Beta  *Bound `yaml:"beta,omitempty"`

	// R bounds the slow-decay fraction
	R *Bound `yaml:"r,omitempty"`

	// T0 bounds the pulse time origin
	T0 *Bound `yaml:"t0,omitempty"`

	// HatWidth and ConvRate bound the instrumental broadening
	HatWidth *Bound `yaml:"hatWidth,omitempty"`
	ConvRate *Bound `yaml:"convRate,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of peaks integrated concurrently
		NumWorkers int `yaml:"numWorkers"`

		// PeakTimeoutSeconds caps the time spent on one peak (0 disables)
		PeakTimeoutSeconds float64 `yaml:"peakTimeoutSeconds"`

		// ProgressEvery controls how often a progress marker is written
		ProgressEvery int `yaml:"progressEvery"`
	} `yaml:"processing"`

	// Instrument description
	Instrument struct {
		// TofConstant converts L*sin(theta)/|Q| into microseconds
		TofConstant float64 `yaml:"tofConstant"`

		// Moderator holds the Pade coefficient rows, ten values each
		Moderator struct {
			A  []float64 `yaml:"a"`
			B  []float64 `yaml:"b"`
			R  []float64 `yaml:"r"`
			T0 []float64 `yaml:"t0"`
		} `yaml:"moderator"`
	} `yaml:"instrument"`

	// Background classifier parameters
	Classifier struct {
		// ZScore is the one-sided significance of the signal threshold
		ZScore float64 `yaml:"zScore"`

		// SmoothingWindow is the side of the box filter in voxels
		SmoothingWindow int `yaml:"smoothingWindow"`

		// CentralCluster keeps only the connected group of signal voxels
		// around the box centre, dropping isolated noise excursions
		CentralCluster bool `yaml:"centralCluster"`
	} `yaml:"classifier"`

	// TOF histogram parameters
	Binning struct {
		DtSpreadFraction float64 `yaml:"dtSpreadFraction"`
		MinBinWidth      float64 `yaml:"minBinWidth"`
		MaxBinWidth      float64 `yaml:"maxBinWidth"`
	} `yaml:"binning"`

	// Background search parameters
	Search struct {
		MinFrac           float64 `yaml:"minFrac"`
		MaxFrac           float64 `yaml:"maxFrac"`
		PeakMaskHalfWidth int     `yaml:"peakMaskHalfWidth"`
		MinUsableBins     int     `yaml:"minUsableBins"`
		RelaxSteps        int     `yaml:"relaxSteps"`
		RelaxFactor       float64 `yaml:"relaxFactor"`

		// MaxCandidates caps the number of background levels fitted per pass
		MaxCandidates int `yaml:"maxCandidates"`
	} `yaml:"search"`

	// Profile fit parameters
	Fit struct {
		BackgroundOrder  int       `yaml:"backgroundOrder"`
		ConstraintScheme string    `yaml:"constraintScheme"`
		MaxIterations    int       `yaml:"maxIterations"`
		Overrides        Overrides `yaml:"overrides"`
	} `yaml:"fit"`

	// Integration parameters
	Integration struct {
		// FracStop is the fraction of the peak maximum that bounds the window
		FracStop float64 `yaml:"fracStop"`
	} `yaml:"integration"`

	// Output parameters
	Output struct {
		// DiagnosticsDB is the SQLite file diagnostics are written to; empty disables it
		DiagnosticsDB string `yaml:"diagnosticsDB"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.PeakTimeoutSeconds = 60
	cfg.Processing.ProgressEvery = 100

	cfg.Instrument.TofConstant = DefaultTofConstant
	cfg.Instrument.Moderator.A = []float64{0.25, 0.1, 0, 0, 1, 1, 0, 0, 1, 1}
	cfg.Instrument.Moderator.B = []float64{0.03, 0, 0, 0, 1, 1, 0, 0, 1, 1}
	cfg.Instrument.Moderator.R = []float64{0.6, 0, 0, 0, 1, 1, 0, 0, 0.1, 2}
	cfg.Instrument.Moderator.T0 = []float64{-2, -0.5, 0, 0, 1, 1, 0, 0, 1, 1}

	cfg.Classifier.ZScore = 1.96
	cfg.Classifier.SmoothingWindow = 3
	cfg.Classifier.CentralCluster = true

	cfg.Binning.DtSpreadFraction = 0.03
	cfg.Binning.MinBinWidth = 1
	cfg.Binning.MaxBinWidth = 50

	cfg.Search.MinFrac = 0.8
	cfg.Search.MaxFrac = 1.5
	cfg.Search.PeakMaskHalfWidth = 5
	cfg.Search.MinUsableBins = 10
	cfg.Search.RelaxSteps = 3
	cfg.Search.RelaxFactor = 0.5
	cfg.Search.MaxCandidates = 40

	cfg.Fit.BackgroundOrder = 1
	cfg.Fit.ConstraintScheme = SchemeTight
	cfg.Fit.MaxIterations = 200

	cfg.Integration.FracStop = 0.01

	cfg.Output.DiagnosticsDB = ""
	cfg.Output.Verbose = false

	return cfg
}

// PeakTimeout returns the per-peak timeout as a duration.
func (c *Config) PeakTimeout() time.Duration {
	return time.Duration(c.Processing.PeakTimeoutSeconds * float64(time.Second))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("processing.numWorkers must be >= 1, got %d", c.Processing.NumWorkers))
	}
	if c.Processing.PeakTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("processing.peakTimeoutSeconds must be >= 0"))
	}
	if c.Instrument.TofConstant <= 0 {
		errs = append(errs, fmt.Errorf("instrument.tofConstant must be positive"))
	}
	m := c.Instrument.Moderator
	for _, row := range []struct {
		name   string
		values []float64
	}{{"a", m.A}, {"b", m.B}, {"r", m.R}, {"t0", m.T0}} {
		if len(row.values) != 10 {
			errs = append(errs, fmt.Errorf("instrument.moderator.%s needs 10 coefficients, got %d", row.name, len(row.values)))
		}
	}
	if c.Classifier.ZScore < 0 {
		errs = append(errs, fmt.Errorf("classifier.zScore must be >= 0"))
	}
	if c.Classifier.SmoothingWindow < 1 || c.Classifier.SmoothingWindow%2 == 0 {
		errs = append(errs, fmt.Errorf("classifier.smoothingWindow must be a positive odd number, got %d", c.Classifier.SmoothingWindow))
	}
	if c.Binning.MinBinWidth <= 0 || c.Binning.MaxBinWidth < c.Binning.MinBinWidth {
		errs = append(errs, fmt.Errorf("binning widths must satisfy 0 < min <= max"))
	}
	if c.Binning.DtSpreadFraction < 0 || c.Binning.DtSpreadFraction >= 1 {
		errs = append(errs, fmt.Errorf("binning.dtSpreadFraction must be in [0, 1)"))
	}
	if c.Search.MinFrac <= 0 || c.Search.MaxFrac <= c.Search.MinFrac {
		errs = append(errs, fmt.Errorf("search fractions must satisfy 0 < minFrac < maxFrac"))
	}
	if c.Search.RelaxFactor <= 0 || c.Search.RelaxFactor >= 1 {
		errs = append(errs, fmt.Errorf("search.relaxFactor must be in (0, 1)"))
	}
	if c.Search.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("search.maxCandidates must be >= 1"))
	}
	if c.Fit.BackgroundOrder < 0 {
		errs = append(errs, fmt.Errorf("fit.backgroundOrder must be >= 0"))
	}
	if c.Fit.ConstraintScheme != SchemeTight && c.Fit.ConstraintScheme != SchemeWide {
		errs = append(errs, fmt.Errorf("fit.constraintScheme must be %q or %q, got %q", SchemeTight, SchemeWide, c.Fit.ConstraintScheme))
	}
	if c.Fit.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("fit.maxIterations must be >= 1"))
	}
	if c.Integration.FracStop < 0 {
		errs = append(errs, fmt.Errorf("integration.fracStop must be >= 0"))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Float is a helper for building Bound overrides in code.
func Float(v float64) *float64 {
	return &v
}
