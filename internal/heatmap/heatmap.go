// Package heatmap rasterizes Gaussian supervision targets for inlier
// correspondences. Each target is an isotropic Gaussian with analytic peak 1
// at the correspondence's subpixel location, truncated to a finite support
// window and stored sparsely. Aggregating targets into a single map is the
// consumer's business.
package heatmap

import (
	"math"

	"github.com/sightline-vision/densecorr/internal/config"
)

// Patch is one rasterized target, holding only its truncated support window.
type Patch struct {
	OriginX int // leftmost column of the support, frame coordinates
	OriginY int // topmost row of the support
	Width   int
	Height  int
	Values  []float32 // row-major, Width*Height
}

// At reads the patch in frame coordinates. Cells outside the support are 0.
func (p Patch) At(x, y int) float32 {
	lx, ly := x-p.OriginX, y-p.OriginY
	if lx < 0 || ly < 0 || lx >= p.Width || ly >= p.Height {
		return 0
	}
	return p.Values[ly*p.Width+lx]
}

// Peak returns the frame coordinate of the largest cell, ties broken by
// ascending row-major order. An empty patch reports (-1, -1, 0).
func (p Patch) Peak() (x, y int, val float32) {
	if len(p.Values) == 0 {
		return -1, -1, 0
	}
	best := 0
	for i, v := range p.Values {
		if v > p.Values[best] {
			best = i
		}
	}
	return p.OriginX + best%p.Width, p.OriginY + best/p.Width, p.Values[best]
}

// Render materializes the patch into a dense w x h map, zero outside the
// support.
func (p Patch) Render(w, h int) []float32 {
	out := make([]float32, w*h)
	for ly := 0; ly < p.Height; ly++ {
		y := p.OriginY + ly
		if y < 0 || y >= h {
			continue
		}
		for lx := 0; lx < p.Width; lx++ {
			x := p.OriginX + lx
			if x < 0 || x >= w {
				continue
			}
			out[y*w+x] = p.Values[ly*p.Width+lx]
		}
	}
	return out
}

// Builder rasterizes targets with a fixed standard deviation. Support is
// truncated at three standard deviations, where the Gaussian has decayed
// past 1.2% of its peak.
type Builder struct {
	sigma  float64
	radius int
}

// NewBuilder derives the rasterization parameters from the configuration.
func NewBuilder(cfg config.Config) *Builder {
	return &Builder{
		sigma:  cfg.HeatmapSigma,
		radius: int(math.Ceil(3 * cfg.HeatmapSigma)),
	}
}

// Target rasterizes the Gaussian centered at the subpixel coordinate (u,v),
// clipped to a w x h frame. The cell nearest the center always carries the
// largest sample, so the rendered peak sits within half a pixel of the true
// target on each axis.
func (b *Builder) Target(u, v float64, w, h int) Patch {
	cx := int(math.Floor(u + 0.5))
	cy := int(math.Floor(v + 0.5))

	x0, x1 := clip(cx-b.radius, cx+b.radius, w)
	y0, y1 := clip(cy-b.radius, cy+b.radius, h)
	if x0 > x1 || y0 > y1 {
		return Patch{}
	}

	p := Patch{
		OriginX: x0,
		OriginY: y0,
		Width:   x1 - x0 + 1,
		Height:  y1 - y0 + 1,
	}
	p.Values = make([]float32, p.Width*p.Height)

	inv := 1 / (2 * b.sigma * b.sigma)
	i := 0
	for y := y0; y <= y1; y++ {
		dy := float64(y) - v
		for x := x0; x <= x1; x++ {
			dx := float64(x) - u
			p.Values[i] = float32(math.Exp(-(dx*dx + dy*dy) * inv))
			i++
		}
	}
	return p
}

func clip(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}
