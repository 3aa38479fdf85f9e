// Package diagnostics collects one row per processed peak and optionally
// persists the rows and run progress markers.
package diagnostics

import (
	"context"
	"sort"
	"sync"
	"time"

	"tofpeaks/internal/models"
)

// Status is the terminal state of a peak.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusDegenerate Status = "degenerate"
	StatusFailed     Status = "failed"
)

// Row is the diagnostics record of one peak.
type Row struct {
	BatchID   string
	Run       int
	PeakIndex int
	HKL       models.MillerIndex

	// Energy is the incident energy in eV, Wavelength in Angstrom
	Energy     float64
	Wavelength float64

	Intensity float64
	Sigma     float64
	StartTime float64
	StopTime  float64

	ChiSq      float64
	Params     models.PulseParams
	Background []float64

	// PeakTime is the time of flight of the fitted pulse maximum
	PeakTime float64

	// Lambda is the chosen mask threshold level, BackgroundRate the
	// per-voxel background subtracted as pedestal
	Lambda         float64
	BackgroundRate float64
	SearchMode     string
	Candidates     int

	Status Status

	// Stage is the last pipeline stage the peak reached
	Stage  string
	Reason string
}

// Progress is a periodic marker of how far a run has advanced.
type Progress struct {
	BatchID   string
	Run       int
	Completed int
	Total     int
	Time      time.Time
}

// Sink persists diagnostics outside the process.
type Sink interface {
	WriteRows(ctx context.Context, rows []Row) error
	MarkProgress(ctx context.Context, p Progress) error
}

// Table is an in-memory, concurrency-safe collection of rows.
type Table struct {
	mu   sync.Mutex
	rows []Row
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Append adds a row.
func (t *Table) Append(row Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Rows returns a copy of the rows ordered by peak index.
func (t *Table) Rows() []Row {
	t.mu.Lock()
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Run != out[j].Run {
			return out[i].Run < out[j].Run
		}
		return out[i].PeakIndex < out[j].PeakIndex
	})
	return out
}

// CountByStatus tallies the rows per terminal status.
func (t *Table) CountByStatus() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[Status]int)
	for _, r := range t.rows {
		counts[r.Status]++
	}
	return counts
}
