package match

import "math"

// softmax normalizes scores into probabilities in place, shifting by the
// maximum first so large matching scales cannot overflow.
func softmax(scores []float64) {
	if len(scores) == 0 {
		return
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	var sum float64
	for i, s := range scores {
		e := math.Exp(s - max)
		scores[i] = e
		sum += e
	}
	for i := range scores {
		scores[i] /= sum
	}
}

// argmax returns the index of the largest value, first occurrence on ties,
// so equal scores resolve to the lowest pixel index.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// expectation is the probability-weighted mean location of a distribution
// over a width-wide grid.
func expectation(probs []float64, width int) (x, y float64) {
	for i, p := range probs {
		x += p * float64(i%width)
		y += p * float64(i/width)
	}
	return x, y
}

// nearestCell snaps a subpixel coordinate to its closest grid cell, clamped
// to the frame, and returns the flat index.
func nearestCell(u, v float64, w, h int) int {
	x := int(math.Floor(u + 0.5))
	y := int(math.Floor(v + 0.5))
	if x < 0 {
		x = 0
	}
	if x > w-1 {
		x = w - 1
	}
	if y < 0 {
		y = 0
	}
	if y > h-1 {
		y = h - 1
	}
	return y*w + x
}
