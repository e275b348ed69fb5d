package corr

import (
	"math"
	"sort"
)

// InlierCount converts the inlier fraction into an integer count over
// validCount candidates. The rule is round-half-away-from-zero,
// floor(p*n + 0.5): a plain floor would drop a correspondence whenever the
// product lands a hair below an integer (0.9 * 10 must give exactly 9, not
// 8), and banker's rounding would make the count depend on float parity.
func InlierCount(percentage float64, validCount int) int {
	if validCount <= 0 {
		return 0
	}
	n := int(math.Floor(percentage*float64(validCount) + 0.5))
	if n > validCount {
		n = validCount
	}
	if n < 0 {
		n = 0
	}
	return n
}

// FilterInliers orders the valid correspondences by ascending badness,
// breaking ties by ascending source pixel index, and marks the leading
// InlierCount of them as inliers. Invalid and non-inlier records stay in the
// slice: the tail is the hard-negative pool, excluded from positive
// supervision but deliberately not discarded.
//
// The slice is mutated in place (Inlier flags set) and the number of
// inliers is returned. width is the working-resolution width used to
// flatten source pixels for the tie-break.
func FilterInliers(corrs []Correspondence, percentage float64, width int) int {
	valid := make([]int, 0, len(corrs))
	for i := range corrs {
		corrs[i].Inlier = false
		if corrs[i].Valid {
			valid = append(valid, i)
		}
	}

	keep := InlierCount(percentage, len(valid))
	if keep == 0 {
		return 0
	}

	sort.SliceStable(valid, func(a, b int) bool {
		ca, cb := corrs[valid[a]], corrs[valid[b]]
		if ca.Badness != cb.Badness {
			return ca.Badness < cb.Badness
		}
		return ca.SourceIndex(width) < cb.SourceIndex(width)
	})

	for _, idx := range valid[:keep] {
		corrs[idx].Inlier = true
	}
	return keep
}

// Inliers returns the inlier subset in badness order (ties by source pixel
// index), the order FilterInliers established.
func Inliers(corrs []Correspondence, width int) []Correspondence {
	out := make([]Correspondence, 0, len(corrs))
	for _, c := range corrs {
		if c.Inlier {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Badness != out[b].Badness {
			return out[a].Badness < out[b].Badness
		}
		return out[a].SourceIndex(width) < out[b].SourceIndex(width)
	})
	return out
}
