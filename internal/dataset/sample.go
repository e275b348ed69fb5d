package dataset

import (
	"fmt"
	"hash/fnv"
	"image"
	"math/rand"

	"github.com/sightline-vision/densecorr/internal/cache"
	"github.com/sightline-vision/densecorr/internal/corr"
	"github.com/sightline-vision/densecorr/internal/heatmap"
	"github.com/sightline-vision/densecorr/internal/pairs"
)

// TrainingSample is the tuple one training iteration consumes: the pair's
// color frames, the drawn inlier supervision, and the heatmap targets
// aligned with it.
type TrainingSample struct {
	SequenceID string
	PairIndex  int
	FrameI     int
	FrameJ     int
	Width      int
	Height     int

	ColorI *image.RGBA
	ColorJ *image.RGBA

	// Parallel slices of length sampling_size.
	SourceX []int
	SourceY []int
	TargetX []float64
	TargetY []float64

	// Row-major flattened locations: exact for sources, nearest cell for
	// the float target coordinates.
	SourceIndex []int
	TargetIndex []int

	// Patches[i] is the heatmap target for the i-th drawn inlier.
	Patches []heatmap.Patch
}

// newSeededRand builds the deterministic generator used for pair computation
// and iteration sampling.
func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// sampleSeed mixes epoch and iteration into the base seed so every
// (epoch, iter) pair draws an independent, reproducible stream.
func sampleSeed(base int64, epoch, iter int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d", epoch, iter)
	return base ^ int64(h.Sum64())
}

// Sample draws one training tuple for the given epoch and iteration. The
// same (epoch, iter) always returns the same sample. Pairs whose cache entry
// cannot be produced or holds no inliers are redrawn, bounded by the
// configured retry budget.
func (d *Dataset) Sample(epoch, iter int) (*TrainingSample, error) {
	rng := newSeededRand(sampleSeed(d.cfg.BaseSeed, epoch, iter))

	for attempt := 0; attempt <= d.cfg.MaxSampleRetries; attempt++ {
		st := d.states[rng.Intn(len(d.states))]
		pairIdx := rng.Intn(len(st.pairs))
		pair := st.pairs[pairIdx]
		key := d.key(st, pairIdx)

		entry, err := d.store.GetOrCompute(key, func() (*cache.Entry, error) {
			return d.computePair(st, pair, key)
		})
		if err != nil {
			d.logf("sample: sequence %s pair %d: %v; redrawing", st.seq.ID, pairIdx, err)
			continue
		}

		inliers := entry.Inliers()
		if len(inliers) == 0 {
			d.logf("sample: sequence %s pair %d has no inliers; redrawing", st.seq.ID, pairIdx)
			continue
		}

		return d.assemble(st, pairIdx, pair, entry, inliers, rng), nil
	}

	return nil, fmt.Errorf("no usable pair after %d draws (epoch %d, iteration %d)",
		d.cfg.MaxSampleRetries+1, epoch, iter)
}

// assemble draws sampling_size inliers (without replacement when enough
// exist, with replacement otherwise) and packs the training tuple.
func (d *Dataset) assemble(st *sequenceState, pairIdx int, pair pairs.FramePair,
	entry *cache.Entry, inliers []corr.Correspondence, rng *rand.Rand) *TrainingSample {

	k := d.cfg.SamplingSize
	drawn := make([]int, 0, k)
	if len(inliers) >= k {
		drawn = append(drawn, rng.Perm(len(inliers))[:k]...)
	} else {
		for len(drawn) < k {
			drawn = append(drawn, rng.Intn(len(inliers)))
		}
	}

	sample := &TrainingSample{
		SequenceID:  st.seq.ID,
		PairIndex:   pairIdx,
		FrameI:      entry.PairI,
		FrameJ:      entry.PairJ,
		Width:       entry.Width,
		Height:      entry.Height,
		ColorI:      st.seq.Frames[pair.I].Color,
		ColorJ:      st.seq.Frames[pair.J].Color,
		SourceX:     make([]int, 0, k),
		SourceY:     make([]int, 0, k),
		TargetX:     make([]float64, 0, k),
		TargetY:     make([]float64, 0, k),
		SourceIndex: make([]int, 0, k),
		TargetIndex: make([]int, 0, k),
		Patches:     make([]heatmap.Patch, 0, k),
	}
	for _, idx := range drawn {
		c := inliers[idx]
		sample.SourceX = append(sample.SourceX, c.SourceX)
		sample.SourceY = append(sample.SourceY, c.SourceY)
		sample.TargetX = append(sample.TargetX, c.TargetX)
		sample.TargetY = append(sample.TargetY, c.TargetY)
		sample.SourceIndex = append(sample.SourceIndex, c.SourceIndex(entry.Width))
		sample.TargetIndex = append(sample.TargetIndex,
			flattenNearest(c.TargetX, c.TargetY, entry.Width, entry.Height))
		sample.Patches = append(sample.Patches, entry.Patches[idx])
	}
	return sample
}

// flattenNearest maps a float coordinate to its nearest cell's row-major
// index, clamped to the grid.
func flattenNearest(u, v float64, w, h int) int {
	x := int(u + 0.5)
	if x < 0 {
		x = 0
	}
	if x > w-1 {
		x = w - 1
	}
	y := int(v + 0.5)
	if y < 0 {
		y = 0
	}
	if y > h-1 {
		y = h - 1
	}
	return y*w + x
}
