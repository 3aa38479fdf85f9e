// Package background separates peak voxels from ambient background voxels in
// a reciprocal-space voxel box.
package background

import (
	"errors"
	"fmt"
	"math"

	"tofpeaks/internal/models"
)

// ErrDegenerate is reported when no stable background level exists for a box.
var ErrDegenerate = errors.New("background classification degenerate")

// Mode selects how the background level is obtained.
type Mode int

const (
	// ModePoisson estimates lambda from the count-frequency histogram
	ModePoisson Mode = iota

	// ModeFixed uses the lambda supplied in Options
	ModeFixed
)

func (m Mode) String() string {
	if m == ModeFixed {
		return "fixed"
	}
	return "poisson"
}

// Options configures one classification.
type Options struct {
	Mode Mode

	// ZScore is the one-sided significance of the signal test (1.96 ~ 95%)
	ZScore float64

	// Window is the side of the smoothing cube in voxels
	Window int

	// Lambda is the background level used in ModeFixed
	Lambda float64

	// Cluster keeps only the face-connected group of signal voxels that
	// holds the brightest smoothed voxel within CoreHalfWidth of the centre
	Cluster       bool
	CoreHalfWidth int
}

// DefaultOptions returns Poisson-mode options with a 95% threshold and a
// 3-voxel smoothing window.
func DefaultOptions() Options {
	return Options{Mode: ModePoisson, ZScore: 1.96, Window: 3}
}

// Status tags the outcome of a classification.
type Status int

const (
	StatusOK Status = iota
	StatusDegenerate
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegenerate:
		return "degenerate"
	default:
		return "failed"
	}
}

// Result is the tagged outcome of a classification. Mask and Lambda are
// meaningful for StatusOK; Degenerate results carry an empty mask and
// lambda 0; Reason explains anything that is not OK.
type Result struct {
	Status Status
	Mask   *models.Mask
	Lambda float64
	Reason error
}

// OK reports whether the classification produced a usable split.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// maxLambdaRaises bounds the retries that push lambda up when everything
// was classified as signal.
const maxLambdaRaises = 100

// Threshold returns the smoothed-count level above which a voxel is signal.
func Threshold(lambda, zScore float64, window int) float64 {
	w := float64(window)
	return lambda + zScore*math.Sqrt(lambda/(w*w*w))
}

// Classifier caches the smoothed counts of one box so that many background
// levels can be tested cheaply. It never modifies the box.
type Classifier struct {
	box      *models.VoxelBox
	opts     Options
	smoothed []float64
	total    int
	seed     int
}

// NewClassifier smooths the box once with opts.Window. An even window is
// widened to the next odd side so that the filter stays centred and the
// threshold matches the number of voxels averaged.
func NewClassifier(box *models.VoxelBox, opts Options) *Classifier {
	if opts.Window < 1 {
		opts.Window = 1
	}
	if opts.Window%2 == 0 {
		opts.Window++
	}
	c := &Classifier{
		box:      box,
		opts:     opts,
		smoothed: BoxFilter(box, opts.Window),
		total:    box.TotalCounts(),
		seed:     -1,
	}
	if opts.Cluster {
		c.seed = brightestNearCenter(box, c.smoothed, opts.CoreHalfWidth)
	}
	return c
}

// Smoothed returns the smoothed counts. Callers must not modify the slice.
func (c *Classifier) Smoothed() []float64 {
	return c.smoothed
}

// Classify runs the classifier in the mode given by its options.
func (c *Classifier) Classify() Result {
	if c.opts.Mode == ModeFixed {
		return c.Fixed(c.opts.Lambda)
	}
	return c.Poisson()
}

// Poisson estimates lambda from the box and thresholds against it. When the
// threshold selects every voxel of a non-empty box, lambda is raised by 5%
// and the test repeated.
func (c *Classifier) Poisson() Result {
	if c.total == 0 {
		return c.empty()
	}
	lambda, err := EstimateLambda(c.box.Counts)
	if err != nil {
		return Result{Status: StatusDegenerate, Mask: models.NewMask(c.box), Reason: err}
	}
	for attempt := 0; attempt <= maxLambdaRaises; attempt++ {
		mask := c.mask(lambda)
		if mask.Count() < len(mask.Values) {
			return Result{Status: StatusOK, Mask: mask, Lambda: lambda}
		}
		lambda *= 1.05
	}
	return Result{
		Status: StatusDegenerate,
		Mask:   models.NewMask(c.box),
		Reason: fmt.Errorf("%w: every voxel classified as signal", ErrDegenerate),
	}
}

// Fixed thresholds against the supplied lambda.
func (c *Classifier) Fixed(lambda float64) Result {
	if lambda < 0 || math.IsNaN(lambda) {
		return Result{Status: StatusFailed, Mask: models.NewMask(c.box), Reason: fmt.Errorf("invalid background level %g", lambda)}
	}
	if c.total == 0 {
		return c.empty()
	}
	return Result{Status: StatusOK, Mask: c.mask(lambda), Lambda: lambda}
}

func (c *Classifier) empty() Result {
	return Result{
		Status: StatusDegenerate,
		Mask:   models.NewMask(c.box),
		Lambda: 0,
		Reason: fmt.Errorf("%w: box holds no events", ErrDegenerate),
	}
}

func (c *Classifier) mask(lambda float64) *models.Mask {
	mask := models.NewMask(c.box)
	thr := Threshold(lambda, c.opts.ZScore, c.opts.Window)
	for i, v := range c.smoothed {
		mask.Values[i] = v > thr
	}
	if c.opts.Cluster {
		keepCluster(c.box, mask, c.seed)
	}
	return mask
}

// Classify is a one-shot convenience around NewClassifier.
func Classify(box *models.VoxelBox, opts Options) Result {
	return NewClassifier(box, opts).Classify()
}
