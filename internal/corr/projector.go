package corr

import (
	"fmt"
	"math/rand"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/geom"
	"github.com/sightline-vision/densecorr/internal/monitoring"
	"github.com/sightline-vision/densecorr/internal/sfm"
)

// Projector turns uniformly sampled source pixels of one frame into
// depth-verified correspondences in another. It is a pure function of the
// frames and the rng state, so a fixed seed reproduces the output exactly.
type Projector struct {
	tolerance  float64
	maxRetries int
	logf       func(format string, v ...interface{})
}

// NewProjector builds a projector from the pipeline configuration.
func NewProjector(cfg config.Config) *Projector {
	return &Projector{
		tolerance:  cfg.OcclusionTolerance,
		maxRetries: cfg.MaxSampleRetries,
		logf:       monitoring.Scope("Projector"),
	}
}

// Project draws n candidate pixels uniformly (with replacement) from a's
// valid set and projects each into b. Candidates that fail visibility or
// occlusion checks are returned as invalid records; a candidate whose depth
// reads as a hole at sample time is replaced by resampling, bounded by the
// retry budget, and dropped alone when the budget runs out. The pair itself
// is never aborted by per-point geometry.
func (p *Projector) Project(a, b *sfm.Frame, n int, rng *rand.Rand) ([]Correspondence, error) {
	card := int(a.Valid.GetCardinality())
	if card == 0 {
		return nil, fmt.Errorf("sequence %s frame %d: %w", a.SequenceID, a.Index, ErrNoCorrespondences)
	}

	rel := geom.Relative(a.Pose, b.Pose)

	out := make([]Correspondence, 0, n)
	dropped := 0
	for i := 0; i < n; i++ {
		x, y, ok := p.samplePixel(a, card, rng)
		if !ok {
			dropped++
			continue
		}

		tr := Transfer(a, b, rel, x, y, p.tolerance)
		out = append(out, Correspondence{
			SourceX:     x,
			SourceY:     y,
			TargetX:     tr.U,
			TargetY:     tr.V,
			TargetDepth: tr.ObservedZ,
			Badness:     tr.Badness,
			Valid:       tr.Valid,
		})
	}

	if dropped > 0 {
		p.logf("pair %d->%d: dropped %d/%d candidates after depth resample retries",
			a.Index, b.Index, dropped, n)
	}
	return out, nil
}

// samplePixel picks a valid pixel uniformly, re-drawing while the depth
// grid disagrees with the valid set. The disagreement can only come from a
// caller-constructed frame, but giving up on the point beats returning a
// correspondence with no depth.
func (p *Projector) samplePixel(a *sfm.Frame, card int, rng *rand.Rand) (x, y int, ok bool) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		nth := uint32(rng.Intn(card))
		px, err := a.Valid.Select(nth)
		if err != nil {
			return 0, 0, false
		}
		x = int(px) % a.Width()
		y = int(px) / a.Width()
		if a.Depth.At(x, y) > 0 {
			return x, y, true
		}
	}
	return 0, 0, false
}
