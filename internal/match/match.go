// Package match evaluates the correspondence loss between live descriptor
// maps and cached geometry. For each supervised point it softmax-matches the
// source descriptor against the whole target map, scores the expected
// location against the known target, checks match confidence and
// reciprocity, and ranks the true target against sampled distractors.
//
// The descriptor network itself is an external collaborator: this package
// sees only its per-pixel output grids.
package match

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/corr"
)

// DescriptorMap is one frame's dense descriptor grid, W x H pixels of
// Channels-long feature vectors, stored as a (W*H) x Channels matrix so
// whole-map similarity is a single matrix-vector product.
type DescriptorMap struct {
	Width    int
	Height   int
	Channels int

	data *mat.Dense
}

// NewDescriptorMap builds a map from the extractor's output, laid out
// pixel-major: values[(y*w+x)*c + k] is channel k of pixel (x,y).
func NewDescriptorMap(w, h, c int, values []float32) (*DescriptorMap, error) {
	if w <= 0 || h <= 0 || c <= 0 {
		return nil, fmt.Errorf("descriptor map dimensions %dx%dx%d must be positive", w, h, c)
	}
	if len(values) != w*h*c {
		return nil, fmt.Errorf("descriptor map has %d values, want %d", len(values), w*h*c)
	}

	d := mat.NewDense(w*h, c, nil)
	for i := 0; i < w*h; i++ {
		for k := 0; k < c; k++ {
			d.Set(i, k, float64(values[i*c+k]))
		}
	}
	return &DescriptorMap{Width: w, Height: h, Channels: c, data: d}, nil
}

// Descriptor returns the feature vector at a flat pixel index.
func (m *DescriptorMap) Descriptor(idx int) mat.Vector {
	return m.data.RowView(idx)
}

// Point is one supervised correspondence for a matching direction: a source
// pixel in the map being matched from and its subpixel target in the map
// being matched into.
type Point struct {
	SourceIndex int
	TargetX     float64
	TargetY     float64
}

// DirectionResult aggregates one direction of a pair.
type DirectionResult struct {
	// Position is the mean expected-location error in pixels over matches
	// that are both confident and reciprocal.
	Position float64
	// Ranking is the mean reciprocal-rank loss over all evaluated points.
	Ranking float64
	// Consistency is the mean round-trip distance over non-reciprocal
	// matches, zero when every match is reciprocal.
	Consistency float64

	Evaluated     int
	Confident     int // confident and reciprocal, fed Position
	NonReciprocal int
}

// PairLoss is the combined two-direction loss of one frame pair.
type PairLoss struct {
	Position    float64
	Ranking     float64
	Consistency float64
	Total       float64

	Evaluated     int
	Confident     int
	NonReciprocal int
}

// BatchResult aggregates a batch of pairs by mean, skipping pairs whose
// loss came out non-finite.
type BatchResult struct {
	Loss    PairLoss
	Pairs   int
	Skipped int
}

// Matcher evaluates correspondence losses under a fixed configuration.
type Matcher struct {
	scale             float64
	threshold         float64
	crossCheck        float64
	rrWeight          float64
	consistencyWeight float64
	negatives         int
	seed              int64
}

// NewMatcher builds a matcher from the pipeline configuration.
func NewMatcher(cfg config.Config) *Matcher {
	return &Matcher{
		scale:             cfg.MatchingScale,
		threshold:         cfg.MatchingThreshold,
		crossCheck:        cfg.CrossCheckDistance,
		rrWeight:          cfg.RRWeight,
		consistencyWeight: cfg.ConsistencyWeight,
		negatives:         cfg.SampledNegatives,
		seed:              cfg.BaseSeed,
	}
}

// DirectionLoss evaluates the supervised points of one matching direction.
// Both maps must share dimensions and channel count.
func (m *Matcher) DirectionLoss(src, dst *DescriptorMap, points []Point) (DirectionResult, error) {
	if err := compatible(src, dst); err != nil {
		return DirectionResult{}, err
	}

	var res DirectionResult
	var posSum, rankSum, consSum float64
	for _, p := range points {
		pt := m.matchPoint(src, dst, p)
		res.Evaluated++
		rankSum += pt.rankLoss
		if pt.reciprocal {
			if pt.confident {
				res.Confident++
				posSum += pt.positionErr
			}
		} else {
			res.NonReciprocal++
			consSum += pt.roundTrip
		}
	}

	if res.Confident > 0 {
		res.Position = posSum / float64(res.Confident)
	}
	if res.Evaluated > 0 {
		res.Ranking = rankSum / float64(res.Evaluated)
	}
	if res.NonReciprocal > 0 {
		res.Consistency = consSum / float64(res.NonReciprocal)
	}
	return res, nil
}

// Loss evaluates a pair in both directions, weighting them equally, and
// combines the terms into the scalar the optimizer consumes.
func (m *Matcher) Loss(di, dj *DescriptorMap, inliers []corr.Correspondence) (PairLoss, error) {
	if err := compatible(di, dj); err != nil {
		return PairLoss{}, err
	}

	forward := make([]Point, 0, len(inliers))
	backward := make([]Point, 0, len(inliers))
	for _, c := range inliers {
		forward = append(forward, Point{
			SourceIndex: c.SourceIndex(di.Width),
			TargetX:     c.TargetX,
			TargetY:     c.TargetY,
		})
		backward = append(backward, Point{
			SourceIndex: nearestCell(c.TargetX, c.TargetY, dj.Width, dj.Height),
			TargetX:     float64(c.SourceX),
			TargetY:     float64(c.SourceY),
		})
	}

	fw, err := m.DirectionLoss(di, dj, forward)
	if err != nil {
		return PairLoss{}, err
	}
	bw, err := m.DirectionLoss(dj, di, backward)
	if err != nil {
		return PairLoss{}, err
	}

	out := PairLoss{
		Position:      0.5 * (fw.Position + bw.Position),
		Ranking:       0.5 * (fw.Ranking + bw.Ranking),
		Consistency:   0.5 * (fw.Consistency + bw.Consistency),
		Evaluated:     fw.Evaluated + bw.Evaluated,
		Confident:     fw.Confident + bw.Confident,
		NonReciprocal: fw.NonReciprocal + bw.NonReciprocal,
	}
	out.Total = out.Position + m.rrWeight*out.Ranking + m.consistencyWeight*out.Consistency
	return out, nil
}

// PairSample is one batch element: a pair's descriptor maps and its cached
// inlier correspondences.
type PairSample struct {
	Source  *DescriptorMap
	Target  *DescriptorMap
	Inliers []corr.Correspondence
}

// BatchLoss averages pair losses across a batch. Pairs whose loss is not
// finite (degenerate descriptors, NaN activations early in training) are
// skipped and counted rather than poisoning the mean.
func (m *Matcher) BatchLoss(batch []PairSample) (BatchResult, error) {
	var res BatchResult
	for i, s := range batch {
		pl, err := m.Loss(s.Source, s.Target, s.Inliers)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch pair %d: %w", i, err)
		}
		if !isFinite(pl.Total) {
			res.Skipped++
			continue
		}
		res.Pairs++
		res.Loss.Position += pl.Position
		res.Loss.Ranking += pl.Ranking
		res.Loss.Consistency += pl.Consistency
		res.Loss.Total += pl.Total
		res.Loss.Evaluated += pl.Evaluated
		res.Loss.Confident += pl.Confident
		res.Loss.NonReciprocal += pl.NonReciprocal
	}
	if res.Pairs > 0 {
		n := float64(res.Pairs)
		res.Loss.Position /= n
		res.Loss.Ranking /= n
		res.Loss.Consistency /= n
		res.Loss.Total /= n
	}
	return res, nil
}

// pointMatch is the full evaluation of one supervised point.
type pointMatch struct {
	positionErr float64
	peakProb    float64
	confident   bool
	reciprocal  bool
	roundTrip   float64
	rankLoss    float64
}

func (m *Matcher) matchPoint(src, dst *DescriptorMap, p Point) pointMatch {
	d := src.Descriptor(p.SourceIndex)

	// Forward response over the whole target map.
	scores := m.response(dst, d)
	probs := append([]float64(nil), scores...)
	softmax(probs)

	ex, ey := expectation(probs, dst.Width)
	peak := argmax(probs)

	var pt pointMatch
	pt.positionErr = math.Hypot(ex-p.TargetX, ey-p.TargetY)
	pt.peakProb = probs[peak]
	pt.confident = pt.peakProb >= m.threshold

	// Round trip: match the forward peak's descriptor back into the source
	// map and measure how far it lands from where we started.
	back := argmax(m.response(src, dst.Descriptor(peak)))
	sx := float64(p.SourceIndex % src.Width)
	sy := float64(p.SourceIndex / src.Width)
	bx := float64(back % src.Width)
	by := float64(back / src.Width)
	pt.roundTrip = math.Hypot(bx-sx, by-sy)
	pt.reciprocal = pt.roundTrip <= m.crossCheck

	pt.rankLoss = m.rankLoss(scores, p, dst)
	return pt
}

// response is the scaled similarity of descriptor d against every position
// of the map.
func (m *Matcher) response(dm *DescriptorMap, d mat.Vector) []float64 {
	n := dm.Width * dm.Height
	v := mat.NewVecDense(n, nil)
	v.MulVec(dm.data, d)

	out := v.RawVector().Data
	for i := range out {
		out[i] *= m.scale
	}
	return out
}

// rankLoss ranks the true target cell against sampled non-corresponding
// cells: 1 - 1/rank, zero when the target outranks every distractor. Ties
// break by ascending pixel index so ranking never depends on accumulation
// order.
func (m *Matcher) rankLoss(scores []float64, p Point, dst *DescriptorMap) float64 {
	trueIdx := nearestCell(p.TargetX, p.TargetY, dst.Width, dst.Height)
	trueScore := scores[trueIdx]

	rng := rand.New(rand.NewSource(m.seed + int64(p.SourceIndex)))
	rank := 1
	for i := 0; i < m.negatives; i++ {
		neg, ok := m.sampleNegative(rng, p, dst)
		if !ok {
			continue
		}
		if scores[neg] > trueScore || (scores[neg] == trueScore && neg < trueIdx) {
			rank++
		}
	}
	return 1 - 1/float64(rank)
}

// sampleNegative draws a cell outside the cross-check radius of the true
// target. Bounded retries: a map too small to contain non-corresponding
// cells simply yields no distractors.
func (m *Matcher) sampleNegative(rng *rand.Rand, p Point, dst *DescriptorMap) (int, bool) {
	n := dst.Width * dst.Height
	for attempt := 0; attempt < 8; attempt++ {
		idx := rng.Intn(n)
		dx := float64(idx%dst.Width) - p.TargetX
		dy := float64(idx/dst.Width) - p.TargetY
		if math.Hypot(dx, dy) > m.crossCheck {
			return idx, true
		}
	}
	return 0, false
}

func compatible(a, b *DescriptorMap) error {
	if a.Width != b.Width || a.Height != b.Height {
		return fmt.Errorf("descriptor maps %dx%d and %dx%d differ in size",
			a.Width, a.Height, b.Width, b.Height)
	}
	if a.Channels != b.Channels {
		return fmt.Errorf("descriptor maps carry %d and %d channels", a.Channels, b.Channels)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
