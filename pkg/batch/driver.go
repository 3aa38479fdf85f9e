// Package batch integrates every peak of a run: it fetches each peak's voxel
// box, runs the background search and the profile integration, writes the
// result back onto the peak record and collects one diagnostics row per
// peak. A failing peak is zeroed and logged; it never aborts the run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"tofpeaks/internal/models"
	"tofpeaks/pkg/config"
	"tofpeaks/pkg/diagnostics"
	"tofpeaks/pkg/integration"
	"tofpeaks/pkg/moderator"
	"tofpeaks/pkg/pulse"
	"tofpeaks/pkg/search"
)

// ErrEmptyPeak marks a peak without events or without a valid index.
var ErrEmptyPeak = errors.New("empty peak")

// VoxelBoxProvider supplies the voxel box around a peak.
type VoxelBoxProvider interface {
	Box(ctx context.Context, peak *models.PeakRecord) (*models.VoxelBox, error)
}

// ProgressCallback is called after each completed peak.
type ProgressCallback func(completed, total int, message string)

// Stage is a step of the per-peak state machine.
type Stage int

const (
	StageStart Stage = iota
	StageBoxBuilt
	StageDegenerate
	StageBackgroundSearched
	StageFitted
	StageIntegrated
	StageCommitted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageBoxBuilt:
		return "box-built"
	case StageDegenerate:
		return "degenerate"
	case StageBackgroundSearched:
		return "background-searched"
	case StageFitted:
		return "fitted"
	case StageIntegrated:
		return "integrated"
	case StageCommitted:
		return "committed"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Driver processes the peaks of a run. The configuration and moderator
// coefficients are shared read-only between workers.
type Driver struct {
	cfg      *config.Config
	coeffs   *moderator.Coefficients
	provider VoxelBoxProvider
	search   *search.Controller
	sink     diagnostics.Sink
	owned    *diagnostics.SQLiteSink
	progress ProgressCallback
}

// NewDriver creates a driver. With cfg.Output.Verbose set, progress is
// printed to stdout until SetProgressCallback replaces it.
func NewDriver(cfg *config.Config, coeffs *moderator.Coefficients, provider VoxelBoxProvider) *Driver {
	d := &Driver{
		cfg:      cfg,
		coeffs:   coeffs,
		provider: provider,
		search:   search.NewController(cfg, coeffs),
	}
	if cfg.Output.Verbose {
		d.progress = printProgress
	}
	return d
}

// OpenDriver creates a driver and, when cfg.Output.DiagnosticsDB names a
// file, opens the SQLite sink its rows and progress markers go to. Close
// releases that sink.
func OpenDriver(cfg *config.Config, coeffs *moderator.Coefficients, provider VoxelBoxProvider) (*Driver, error) {
	d := NewDriver(cfg, coeffs, provider)
	if path := cfg.Output.DiagnosticsDB; path != "" {
		sink, err := diagnostics.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("diagnostics: %w", err)
		}
		diagf("writing diagnostics to %s", path)
		d.sink = sink
		d.owned = sink
	}
	return d, nil
}

// Close releases the sink opened by OpenDriver. It is a no-op for sinks
// set with SetSink.
func (d *Driver) Close() error {
	if d.owned == nil {
		return nil
	}
	err := d.owned.Close()
	d.owned = nil
	return err
}

// SetSink sets where diagnostics rows and progress markers are persisted.
func (d *Driver) SetSink(sink diagnostics.Sink) {
	d.sink = sink
}

// SetProgressCallback replaces the progress callback; nil disables it.
func (d *Driver) SetProgressCallback(cb ProgressCallback) {
	d.progress = cb
}

// runState carries the counters of one IntegrateRun call.
type runState struct {
	batchID   string
	run       int
	total     int
	completed int
	table     *diagnostics.Table
}

// peakResult is what a worker hands back for one peak.
type peakResult struct {
	peak   *models.PeakRecord
	result models.IntegratedPeak
	row    diagnostics.Row
}

// IntegrateRun integrates every peak whose Run matches run and writes
// Intensity and Sigma onto each of them. The returned table holds exactly
// one row per processed peak, ordered by peak index. A cancelled ctx fails
// the remaining peaks and is reported once the run has drained.
func (d *Driver) IntegrateRun(ctx context.Context, run int, peaks []*models.PeakRecord) (*diagnostics.Table, error) {
	var selected []*models.PeakRecord
	for _, p := range peaks {
		if p != nil && p.Run == run {
			selected = append(selected, p)
		}
	}

	rs := &runState{
		batchID: uuid.New().String(),
		run:     run,
		total:   len(selected),
		table:   diagnostics.NewTable(),
	}
	diagf("run %d: integrating %d peaks (batch %s)", run, rs.total, rs.batchID)

	workers := d.cfg.Processing.NumWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(selected) {
		workers = max(len(selected), 1)
	}

	jobs := make(chan *models.PeakRecord)
	resultChan := make(chan peakResult)
	for w := 0; w < workers; w++ {
		go func() {
			for peak := range jobs {
				resultChan <- d.processPeak(ctx, rs, peak)
			}
		}()
	}
	go func() {
		for _, p := range selected {
			jobs <- p
		}
		close(jobs)
	}()

	// Collect results; only this goroutine writes to the peak records.
	for rs.completed < rs.total {
		res := <-resultChan
		rs.completed++

		res.peak.Intensity = res.result.Intensity
		res.peak.Sigma = res.result.Sigma
		rs.table.Append(res.row)

		d.reportProgress(ctx, rs, res)
	}

	if d.sink != nil {
		if err := d.sink.WriteRows(ctx, rs.table.Rows()); err != nil {
			opsf("Warning: run %d: failed to persist diagnostics: %v", run, err)
		}
	}

	summary := Summarize(rs.table.Rows())
	diagf("run %d: %d committed, %d degenerate, %d failed, median chi2 %.3f",
		run, summary.Committed, summary.Degenerate, summary.Failed, summary.MedianChiSq)

	return rs.table, ctx.Err()
}

func (d *Driver) reportProgress(ctx context.Context, rs *runState, res peakResult) {
	if d.progress != nil {
		d.progress(rs.completed, rs.total, fmt.Sprintf("peak %d %s", res.row.PeakIndex, res.row.Status))
	}
	every := d.cfg.Processing.ProgressEvery
	if d.sink == nil || every <= 0 {
		return
	}
	if rs.completed%every != 0 && rs.completed != rs.total {
		return
	}
	err := d.sink.MarkProgress(ctx, diagnostics.Progress{
		BatchID:   rs.batchID,
		Run:       rs.run,
		Completed: rs.completed,
		Total:     rs.total,
	})
	if err != nil {
		opsf("Warning: run %d: failed to mark progress: %v", rs.run, err)
	}
}

// processPeak runs the state machine of one peak. It always returns a
// result: failures, including panics, become intensity 0 and sigma 1.
func (d *Driver) processPeak(ctx context.Context, rs *runState, peak *models.PeakRecord) (res peakResult) {
	stage := StageStart
	defer func() {
		if r := recover(); r != nil {
			res = d.failed(rs, peak, stage, fmt.Errorf("panic: %v", r))
		}
	}()

	if timeout := d.cfg.PeakTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return d.failed(rs, peak, stage, err)
	}

	if peak.HKL.IsZero() {
		return d.degenerate(rs, peak, fmt.Errorf("%w: unindexed (0,0,0)", ErrEmptyPeak))
	}

	box, err := d.provider.Box(ctx, peak)
	if err != nil {
		return d.failed(rs, peak, stage, fmt.Errorf("voxel box: %w", err))
	}
	if err := box.Validate(); err != nil {
		return d.failed(rs, peak, stage, err)
	}
	stage = StageBoxBuilt
	tracef("peak %d: %s", peak.Index, stage)

	if box.TotalCounts() == 0 {
		return d.degenerate(rs, peak, fmt.Errorf("%w: box holds no events", ErrEmptyPeak))
	}

	out, err := d.search.FindBackgroundAndFit(ctx, box, peak)
	if err != nil {
		fail := d.failed(rs, peak, stage, err)
		if out != nil {
			fail.row.SearchMode = string(out.Mode)
			fail.row.Candidates = len(out.Candidates)
			if !math.IsNaN(out.Rate) {
				fail.row.BackgroundRate = out.Rate
			}
		}
		return fail
	}
	stage = StageBackgroundSearched
	tracef("peak %d: %s (lambda %.4g, %s)", peak.Index, stage, out.Lambda, out.Mode)
	stage = StageFitted

	ip, err := integration.Integrate(out.Fit, out.Profile, d.cfg.Integration.FracStop)
	reason := ""
	if err != nil {
		if !errors.Is(err, integration.ErrDegenerate) {
			return d.failed(rs, peak, stage, err)
		}
		reason = err.Error()
		diagf("peak %d: %v", peak.Index, err)
	}
	stage = StageIntegrated
	tracef("peak %d: %s (I=%.1f sigma=%.1f)", peak.Index, stage, ip.Intensity, ip.Sigma)

	row := d.baseRow(rs, peak)
	row.Intensity = ip.Intensity
	row.Sigma = ip.Sigma
	row.StartTime = ip.StartTime
	row.StopTime = ip.StopTime
	row.ChiSq = out.Fit.ReducedChiSquared
	row.Params = out.Fit.Params
	row.Background = append([]float64(nil), out.Fit.Background...)
	row.PeakTime = pulse.Peak(out.Fit.Params, out.Profile.Time)
	row.Lambda = out.Lambda
	row.BackgroundRate = out.Rate
	row.SearchMode = string(out.Mode)
	row.Candidates = len(out.Candidates)
	row.Status = diagnostics.StatusCommitted
	row.Stage = StageCommitted.String()
	row.Reason = reason
	return peakResult{peak: peak, result: ip, row: row}
}

func (d *Driver) baseRow(rs *runState, peak *models.PeakRecord) diagnostics.Row {
	return diagnostics.Row{
		BatchID:    rs.batchID,
		Run:        peak.Run,
		PeakIndex:  peak.Index,
		HKL:        peak.HKL,
		Energy:     peak.Energy(),
		Wavelength: peak.Wavelength,
	}
}

func (d *Driver) degenerate(rs *runState, peak *models.PeakRecord, reason error) peakResult {
	diagf("peak %d: %v", peak.Index, reason)
	row := d.baseRow(rs, peak)
	row.Sigma = 1
	row.Status = diagnostics.StatusDegenerate
	row.Stage = StageDegenerate.String()
	row.Reason = reason.Error()
	return peakResult{peak: peak, result: models.IntegratedPeak{Intensity: 0, Sigma: 1}, row: row}
}

func (d *Driver) failed(rs *runState, peak *models.PeakRecord, stage Stage, reason error) peakResult {
	opsf("Warning: peak %d failed after stage %s: %v", peak.Index, stage, reason)
	row := d.baseRow(rs, peak)
	row.Sigma = 1
	row.Status = diagnostics.StatusFailed
	row.Stage = stage.String()
	row.Reason = reason.Error()
	return peakResult{peak: peak, result: models.IntegratedPeak{Intensity: 0, Sigma: 1}, row: row}
}

func printProgress(completed, total int, message string) {
	progress := float64(completed) / float64(total) * 100
	fmt.Printf("\rIntegrating peaks: %.1f%% complete (%s)", progress, message)
	if completed == total {
		fmt.Println()
	}
}
