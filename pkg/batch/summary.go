package batch

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"tofpeaks/pkg/diagnostics"
	"tofpeaks/pkg/search"
)

// RunSummary holds the quality figures of one integrated run.
type RunSummary struct {
	Peaks      int
	Committed  int
	Degenerate int
	Failed     int

	// MedianChiSq is the median reduced chi-squared of the committed peaks.
	// Values far from 1 point at a poor background model or pulse shape.
	MedianChiSq float64

	// MeanSignalToNoise is the mean I/sigma of the committed peaks.
	MeanSignalToNoise float64

	// FallbackFraction is the share of committed peaks whose background
	// came from the Poisson fallback rather than the search.
	FallbackFraction float64
}

// Summarize computes the run summary from its diagnostics rows.
func Summarize(rows []diagnostics.Row) RunSummary {
	s := RunSummary{Peaks: len(rows)}
	var chi, snr []float64
	fallback := 0
	for _, r := range rows {
		switch r.Status {
		case diagnostics.StatusCommitted:
			s.Committed++
			chi = append(chi, r.ChiSq)
			if r.Sigma > 0 {
				snr = append(snr, r.Intensity/r.Sigma)
			}
			if r.SearchMode == string(search.ModeFallback) {
				fallback++
			}
		case diagnostics.StatusDegenerate:
			s.Degenerate++
		default:
			s.Failed++
		}
	}
	s.MedianChiSq = median(chi)
	if len(snr) > 0 {
		s.MeanSignalToNoise = stat.Mean(snr, nil)
	}
	if s.Committed > 0 {
		s.FallbackFraction = float64(fallback) / float64(s.Committed)
	}
	return s
}

// median calculates the median value of a slice of float64 values
func median(values []float64) float64 {
	// Create a copy to avoid modifying the original
	valuesCopy := make([]float64, len(values))
	copy(valuesCopy, values)
	sort.Float64s(valuesCopy)

	n := len(valuesCopy)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (valuesCopy[n/2-1] + valuesCopy[n/2]) / 2
	}
	return valuesCopy[n/2]
}
