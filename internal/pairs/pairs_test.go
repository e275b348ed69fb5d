package pairs

import (
	"errors"
	"testing"

	"github.com/sightline-vision/densecorr/internal/config"
)

// scoreTable maps unordered index pairs to fixed overlap scores, defaulting
// to zero for pairs it does not name.
type scoreTable map[[2]int]float64

func (s scoreTable) Overlap(i, j int) float64 {
	if i > j {
		i, j = j, i
	}
	return s[[2]int{i, j}]
}

func selectorWith(min, max int, threshold float64, src OverlapSource) *Selector {
	cfg := config.Default()
	cfg.AdjacentMin = min
	cfg.AdjacentMax = max
	cfg.VisibilityOverlap = threshold
	return NewSelector(cfg, src)
}

func TestSelect_UnitWindowThreeFrames(t *testing.T) {
	t.Parallel()

	got, err := selectorWith(1, 1, 0, ConstantOverlap(0)).Select(3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	// Only consecutive pairs; (0,2) sits outside the unit window.
	want := []FramePair{{I: 0, J: 1}, {I: 1, J: 2}}
	if len(got) != len(want) {
		t.Fatalf("got %d pairs %v, want %d", len(got), got, len(want))
	}
	for k := range want {
		if got[k].I != want[k].I || got[k].J != want[k].J {
			t.Fatalf("pair %d = (%d,%d), want (%d,%d)", k, got[k].I, got[k].J, want[k].I, want[k].J)
		}
	}
}

func TestSelect_WindowOrderAndBounds(t *testing.T) {
	t.Parallel()

	got, err := selectorWith(2, 3, 0, ConstantOverlap(1)).Select(6)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := [][2]int{{0, 2}, {0, 3}, {1, 3}, {1, 4}, {2, 4}, {2, 5}, {3, 5}}
	if len(got) != len(want) {
		t.Fatalf("got %d pairs %v, want %d", len(got), got, len(want))
	}
	for k, p := range got {
		if p.I != want[k][0] || p.J != want[k][1] {
			t.Fatalf("pair %d = (%d,%d), want (%d,%d)", k, p.I, p.J, want[k][0], want[k][1])
		}
	}
}

func TestSelect_OverlapThresholdInclusive(t *testing.T) {
	t.Parallel()

	scores := scoreTable{
		{0, 1}: 0.5,  // exactly at threshold, admitted
		{1, 2}: 0.49, // just below, rejected
		{2, 3}: 0.9,
	}
	got, err := selectorWith(1, 1, 0.5, scores).Select(4)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := [][2]int{{0, 1}, {2, 3}}
	if len(got) != len(want) {
		t.Fatalf("got %d pairs %v, want %d", len(got), got, len(want))
	}
	for k, p := range got {
		if p.I != want[k][0] || p.J != want[k][1] {
			t.Fatalf("pair %d = (%d,%d), want (%d,%d)", k, p.I, p.J, want[k][0], want[k][1])
		}
	}
	if got[0].Overlap != 0.5 || got[1].Overlap != 0.9 {
		t.Fatalf("overlap scores not carried: %v", got)
	}
}

func TestSelect_InvertedWindowIsConfigError(t *testing.T) {
	t.Parallel()

	// The selector revalidates the window so a hand-built configuration
	// cannot smuggle one past Load.
	cfg := config.Default()
	cfg.AdjacentMin = 3
	cfg.AdjacentMax = 1
	_, err := NewSelector(cfg, ConstantOverlap(1)).Select(10)

	var ferr *config.FieldError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want a config field error", err)
	}
}

func TestSelect_NoSurvivorsIsInsufficientData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		frameCount int
		threshold  float64
		overlap    float64
	}{
		{"single frame", 1, 0, 1},
		{"all below threshold", 5, 0.8, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := selectorWith(1, 2, tc.threshold, ConstantOverlap(tc.overlap)).Select(tc.frameCount)
			if !errors.Is(err, ErrNoAdmissiblePairs) {
				t.Fatalf("err = %v, want ErrNoAdmissiblePairs", err)
			}
		})
	}
}
