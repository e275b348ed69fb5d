// Package pairs enumerates the frame pairs of a sequence admissible for
// correspondence generation: frame distance inside the configured temporal
// window and scene overlap at or above the configured threshold.
package pairs

import (
	"errors"
	"fmt"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/monitoring"
)

// ErrNoAdmissiblePairs reports that no frame pair of a sequence survived the
// window and overlap constraints. The sequence carries too little usable
// motion and should be skipped, not retried.
var ErrNoAdmissiblePairs = errors.New("no admissible frame pairs")

// FramePair is one admitted (i,j) pair with its covisibility score.
// Derived from the sequence and configuration, immutable afterwards.
type FramePair struct {
	I       int     // source frame index, I < J
	J       int     // target frame index
	Overlap float64 // covisibility in [0,1]
}

// OverlapSource scores the covisibility of a frame pair. Implementations
// must be symmetric in (i,j).
type OverlapSource interface {
	Overlap(i, j int) float64
}

// ConstantOverlap scores every pair identically, for callers that disable
// overlap filtering or supply scores from an external reconstruction.
type ConstantOverlap float64

func (c ConstantOverlap) Overlap(i, j int) float64 { return float64(c) }

// Selector enumerates admissible pairs under a temporal window and an
// overlap threshold.
type Selector struct {
	min       int
	max       int
	threshold float64
	source    OverlapSource
	logf      func(format string, v ...interface{})
}

// NewSelector builds a selector from the pipeline configuration and an
// overlap source.
func NewSelector(cfg config.Config, source OverlapSource) *Selector {
	return &Selector{
		min:       cfg.AdjacentMin,
		max:       cfg.AdjacentMax,
		threshold: cfg.VisibilityOverlap,
		source:    source,
		logf:      monitoring.Scope("PairSelector"),
	}
}

// Select returns every pair (i,j) with i < j, j-i inside [min,max], and
// overlap at or above the threshold, ordered by ascending (i, j). An
// inverted window is a configuration error; an empty result is
// ErrNoAdmissiblePairs.
func (s *Selector) Select(frameCount int) ([]FramePair, error) {
	if s.min > s.max {
		return nil, &config.FieldError{
			Field:  "adjacent_max",
			Reason: fmt.Sprintf("window [%d,%d] is inverted", s.min, s.max),
		}
	}

	var out []FramePair
	rejected := 0
	for i := 0; i < frameCount; i++ {
		for j := i + s.min; j <= i+s.max && j < frameCount; j++ {
			ov := s.source.Overlap(i, j)
			if ov < s.threshold {
				rejected++
				continue
			}
			out = append(out, FramePair{I: i, J: j, Overlap: ov})
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%d frames, window [%d,%d], overlap >= %g: %w",
			frameCount, s.min, s.max, s.threshold, ErrNoAdmissiblePairs)
	}
	s.logf("selected %d pairs from %d frames (%d below overlap threshold)",
		len(out), frameCount, rejected)
	return out, nil
}
