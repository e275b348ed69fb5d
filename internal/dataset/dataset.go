// Package dataset orchestrates the correspondence pipeline over loaded
// sequences: Precompute fills the cache with a bounded worker pool, and
// Sample draws per-iteration training tuples from it.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sightline-vision/densecorr/internal/cache"
	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/corr"
	"github.com/sightline-vision/densecorr/internal/db"
	"github.com/sightline-vision/densecorr/internal/heatmap"
	"github.com/sightline-vision/densecorr/internal/monitoring"
	"github.com/sightline-vision/densecorr/internal/pairs"
	"github.com/sightline-vision/densecorr/internal/sfm"
	"github.com/sightline-vision/densecorr/internal/timeutil"
)

// StatsRecorder receives per-pair outcomes during precompute. *db.DB
// implements it; a nil recorder disables bookkeeping.
type StatsRecorder interface {
	RecordPairStat(stat db.PairStat) error
}

// sequenceState is one sequence admitted at construction, with its selected
// pair list. The pair list order is deterministic, so a pair's position in it
// is the PairIndex used for cache keys.
type sequenceState struct {
	seq   *sfm.Sequence
	pairs []pairs.FramePair
}

// Dataset owns the loaded sequences, their selected pairs, and the
// correspondence cache.
type Dataset struct {
	cfg       config.Config
	hash      string
	store     *cache.Store
	projector *corr.Projector
	builder   *heatmap.Builder

	states  []*sequenceState
	skipped []string // sequence IDs that failed pair selection

	logf  func(format string, v ...interface{})
	clock timeutil.Clock

	// OnPairDone, when set, is called after each precompute pair finishes,
	// whatever its outcome. Must be safe for concurrent calls.
	OnPairDone func()
}

// New selects pairs for every sequence and returns the dataset. A sequence
// with no admissible pairs is logged and skipped; construction fails only
// when every sequence is skipped or the configuration itself is invalid.
func New(cfg config.Config, seqs []*sfm.Sequence, store *cache.Store) (*Dataset, error) {
	if len(seqs) == 0 {
		return nil, errors.New("no sequences loaded")
	}

	d := &Dataset{
		cfg:       cfg,
		hash:      cfg.GeometryHash(),
		store:     store,
		projector: corr.NewProjector(cfg),
		builder:   heatmap.NewBuilder(cfg),
		logf:      monitoring.Scope("Dataset"),
		clock:     timeutil.RealClock{},
	}

	for _, seq := range seqs {
		selector := pairs.NewSelector(cfg, pairs.NewGeometricOverlap(seq, cfg))
		selected, err := selector.Select(seq.FrameCount())
		if err != nil {
			if errors.Is(err, pairs.ErrNoAdmissiblePairs) {
				d.logf("sequence %s: %v; skipping", seq.ID, err)
				d.skipped = append(d.skipped, seq.ID)
				continue
			}
			return nil, fmt.Errorf("sequence %s: %w", seq.ID, err)
		}
		d.states = append(d.states, &sequenceState{seq: seq, pairs: selected})
	}

	if len(d.states) == 0 {
		return nil, fmt.Errorf("all %d sequences: %w", len(seqs), pairs.ErrNoAdmissiblePairs)
	}
	return d, nil
}

// ConfigHash returns the geometry hash all cache keys of this dataset use.
func (d *Dataset) ConfigHash() string { return d.hash }

// PairTotal returns the number of selected pairs across all sequences.
func (d *Dataset) PairTotal() int {
	total := 0
	for _, st := range d.states {
		total += len(st.pairs)
	}
	return total
}

// SequenceCount returns the number of sequences that survived selection.
func (d *Dataset) SequenceCount() int { return len(d.states) }

// SkippedSequences returns the IDs that failed pair selection.
func (d *Dataset) SkippedSequences() []string { return d.skipped }

func (d *Dataset) key(st *sequenceState, pairIdx int) cache.Key {
	return cache.Key{SequenceID: st.seq.ID, PairIndex: pairIdx, ConfigHash: d.hash}
}

// Summary aggregates the outcome of a precompute pass.
type Summary struct {
	Sequences        int
	SkippedSequences int
	Pairs            int
	Cached           int
	Computed         int
	Failed           int
}

// Counters converts the summary into the run database's counter record.
func (s Summary) Counters() db.RunCounters {
	return db.RunCounters{
		PairsTotal:    s.Pairs,
		PairsCached:   s.Cached,
		PairsComputed: s.Computed,
		PairsFailed:   s.Failed,
	}
}

// Precompute fills the cache for every selected pair using NumWorkers
// concurrent workers. Per-pair failures are logged, recorded, and never
// abort the pass; the pass fails only when the context is canceled or no
// sequence produced a single usable pair.
func (d *Dataset) Precompute(ctx context.Context, runID string, rec StatsRecorder) (Summary, error) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.NumWorkers)

	var cached, computed, failed atomic.Int64
	okBySeq := make([]atomic.Int64, len(d.states))

	total := 0
submit:
	for si, st := range d.states {
		for pi, pair := range st.pairs {
			if ctx.Err() != nil {
				break submit
			}
			total++
			group.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}

				start := d.clock.Now()
				key := d.key(st, pi)
				wasComputed := false
				entry, err := d.store.GetOrCompute(key, func() (*cache.Entry, error) {
					wasComputed = true
					return d.computePair(st, pair, key)
				})
				elapsed := d.clock.Since(start)

				if err != nil {
					failed.Add(1)
					d.logf("sequence %s pair %d (%d->%d) hash %s: %v",
						st.seq.ID, pi, pair.I, pair.J, key.ConfigHash, err)
					d.record(rec, runID, st, pi, pair, nil, false, elapsed)
				} else {
					if wasComputed {
						computed.Add(1)
					} else {
						cached.Add(1)
					}
					// A pair counts toward its sequence only when it can
					// actually supervise training.
					if len(entry.Inliers()) > 0 {
						okBySeq[si].Add(1)
					}
					d.record(rec, runID, st, pi, pair, entry, !wasComputed, elapsed)
				}

				if d.OnPairDone != nil {
					d.OnPairDone()
				}
				return nil
			})
		}
	}

	err := group.Wait()

	summary := Summary{
		Sequences:        len(d.states),
		SkippedSequences: len(d.skipped),
		Pairs:            total,
		Cached:           int(cached.Load()),
		Computed:         int(computed.Load()),
		Failed:           int(failed.Load()),
	}
	if err != nil {
		return summary, err
	}

	usable := 0
	for si, st := range d.states {
		if okBySeq[si].Load() > 0 {
			usable++
		} else {
			d.logf("sequence %s: none of %d pairs produced usable correspondences",
				st.seq.ID, len(st.pairs))
		}
	}
	if usable == 0 {
		return summary, fmt.Errorf("precompute: all %d sequences failed", len(d.states))
	}
	return summary, nil
}

// computePair runs projection, the inlier cut, and heatmap construction for
// one pair. The rng seed is derived from the cache key, so recomputing the
// same key yields byte-identical entries.
func (d *Dataset) computePair(st *sequenceState, pair pairs.FramePair, key cache.Key) (*cache.Entry, error) {
	source := st.seq.Frames[pair.I]
	target := st.seq.Frames[pair.J]

	rng := newSeededRand(key.Seed(d.cfg.BaseSeed))
	corrs, err := d.projector.Project(source, target, d.cfg.CandidateBudget, rng)
	if err != nil {
		return nil, err
	}

	corr.FilterInliers(corrs, d.cfg.InlierPercentage, source.Width())
	inliers := corr.Inliers(corrs, source.Width())

	patches := make([]heatmap.Patch, 0, len(inliers))
	for _, c := range inliers {
		patches = append(patches, d.builder.Target(c.TargetX, c.TargetY, target.Width(), target.Height()))
	}

	return &cache.Entry{
		Key:             key,
		PairI:           source.Index,
		PairJ:           target.Index,
		Width:           source.Width(),
		Height:          source.Height(),
		Correspondences: corrs,
		Patches:         patches,
	}, nil
}

func (d *Dataset) record(rec StatsRecorder, runID string, st *sequenceState, pairIdx int,
	pair pairs.FramePair, entry *cache.Entry, wasCached bool, elapsed time.Duration) {
	if rec == nil || runID == "" {
		return
	}

	stat := db.PairStat{
		RunID:      runID,
		SequenceID: st.seq.ID,
		PairIndex:  pairIdx,
		FrameI:     st.seq.Frames[pair.I].Index,
		FrameJ:     st.seq.Frames[pair.J].Index,
		Overlap:    pair.Overlap,
		Cached:     wasCached,
		ElapsedMs:  elapsed.Seconds() * 1000,
	}
	if entry != nil {
		stat.Candidates = len(entry.Correspondences)
		stat.Valid, stat.MeanBadness = validStats(entry.Correspondences)
		stat.Inliers = len(entry.Inliers())
	}

	if err := rec.RecordPairStat(stat); err != nil {
		d.logf("record pair stat %s/%d: %v", st.seq.ID, pairIdx, err)
	}
}

// validStats counts the valid correspondences and averages their badness.
func validStats(corrs []corr.Correspondence) (valid int, mean float64) {
	var sum float64
	for _, c := range corrs {
		if c.Valid {
			valid++
			sum += c.Badness
		}
	}
	if valid > 0 {
		mean = sum / float64(valid)
	}
	return valid, mean
}
