package match

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sightline-vision/densecorr/internal/config"
)

// AccuracyMetric tracks the fraction of supervised points whose forward
// peak match lands within one, two, and four multiples of the base pixel
// threshold. It accumulates across batches; read the ratios at epoch end.
type AccuracyMetric struct {
	threshold float64

	within [3]int
	total  int
}

// NewAccuracyMetric builds a metric with the configured base threshold.
func NewAccuracyMetric(cfg config.Config) *AccuracyMetric {
	return &AccuracyMetric{threshold: cfg.AccuracyThreshold}
}

// Accumulate scores every point's peak-match distance to its true target.
// Scaling the response does not move the peak, so the raw similarity is
// ranked directly.
func (a *AccuracyMetric) Accumulate(src, dst *DescriptorMap, points []Point) error {
	if err := compatible(src, dst); err != nil {
		return err
	}
	for _, p := range points {
		peak := argmaxResponse(dst, src.Descriptor(p.SourceIndex))
		dx := float64(peak%dst.Width) - p.TargetX
		dy := float64(peak/dst.Width) - p.TargetY
		dist := math.Hypot(dx, dy)

		a.total++
		for k, mult := range [3]float64{1, 2, 4} {
			if dist <= mult*a.threshold {
				a.within[k]++
			}
		}
	}
	return nil
}

// Ratios reports the accumulated fractions at 1x, 2x and 4x the threshold.
// No accumulated points reads as zero accuracy.
func (a *AccuracyMetric) Ratios() (r1, r2, r4 float64) {
	if a.total == 0 {
		return 0, 0, 0
	}
	n := float64(a.total)
	return float64(a.within[0]) / n, float64(a.within[1]) / n, float64(a.within[2]) / n
}

// Total reports how many points have been accumulated.
func (a *AccuracyMetric) Total() int { return a.total }

// String renders the metric for run logs.
func (a *AccuracyMetric) String() string {
	r1, r2, r4 := a.Ratios()
	return fmt.Sprintf("accuracy %.3f/%.3f/%.3f at %g/%g/%g px (%d points)",
		r1, r2, r4, a.threshold, 2*a.threshold, 4*a.threshold, a.total)
}

func argmaxResponse(dm *DescriptorMap, d mat.Vector) int {
	n := dm.Width * dm.Height
	v := mat.NewVecDense(n, nil)
	v.MulVec(dm.data, d)
	return argmax(v.RawVector().Data)
}
