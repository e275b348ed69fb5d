package pairs

import (
	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/corr"
	"github.com/sightline-vision/densecorr/internal/geom"
	"github.com/sightline-vision/densecorr/internal/sfm"
)

// overlapProbeStep is the pixel stride of the probe grid. Coarse on purpose:
// the score gates pair admission, it does not need dense coverage.
const overlapProbeStep = 8

// GeometricOverlap scores covisibility by transferring a sparse probe grid
// through pair geometry in both directions and averaging the directed hit
// fractions, which keeps the score symmetric.
type GeometricOverlap struct {
	seq       *sfm.Sequence
	tolerance float64
	step      int
}

// NewGeometricOverlap builds an overlap source over the sequence's frames.
func NewGeometricOverlap(seq *sfm.Sequence, cfg config.Config) *GeometricOverlap {
	return &GeometricOverlap{
		seq:       seq,
		tolerance: cfg.OcclusionTolerance,
		step:      overlapProbeStep,
	}
}

func (g *GeometricOverlap) Overlap(i, j int) float64 {
	return 0.5 * (g.directed(i, j) + g.directed(j, i))
}

// directed is the fraction of probed valid source pixels that transfer to a
// visible, unoccluded target pixel. Probes on source holes are excluded from
// the denominator so masked-off regions do not dilute the score.
func (g *GeometricOverlap) directed(si, ti int) float64 {
	a, b := g.seq.Frames[si], g.seq.Frames[ti]
	rel := geom.Relative(a.Pose, b.Pose)

	total, hits := 0, 0
	for y := g.step / 2; y < a.Height(); y += g.step {
		for x := g.step / 2; x < a.Width(); x += g.step {
			if !a.Valid.Contains(a.PixelIndex(x, y)) {
				continue
			}
			total++
			if corr.Transfer(a, b, rel, x, y, g.tolerance).Valid {
				hits++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
