// Package corr generates depth-verified pixel correspondences for a frame
// pair: candidate sampling, projection through depth and relative pose,
// occlusion checking, and the inlier cut.
package corr

import (
	"errors"
	"math"

	"github.com/sightline-vision/densecorr/internal/geom"
	"github.com/sightline-vision/densecorr/internal/sfm"
)

// ErrNoCorrespondences reports a source frame whose valid-pixel set is empty,
// so no candidates can be drawn at all.
var ErrNoCorrespondences = errors.New("no valid pixels to sample correspondences from")

// epsilonDepth floors the denominator of the relative residual so badness
// stays finite for near-zero observed depths.
const epsilonDepth = 1e-6

// Correspondence links a source pixel in the first frame of a pair to its
// reprojected location in the second. Immutable once computed.
type Correspondence struct {
	SourceX int
	SourceY int

	TargetX     float64
	TargetY     float64
	TargetDepth float64 // observed target depth, 0 when unreadable

	// Badness is the relative depth residual at the target. Monotonic in the
	// occlusion residual; +Inf when no residual could be computed (projection
	// failed before the depth comparison).
	Badness float64

	Valid  bool // cleared the visibility and occlusion checks
	Inlier bool // set by the inlier filter, implies Valid
}

// SourceIndex flattens the source pixel to the row-major index used by all
// deterministic orderings.
func (c Correspondence) SourceIndex(width int) int {
	return c.SourceY*width + c.SourceX
}

// TransferResult carries one source pixel pushed through pair geometry into
// the target frame.
type TransferResult struct {
	U, V       float64 // target pixel coordinate
	ProjectedZ float64 // transferred point's depth in the target camera
	ObservedZ  float64 // bilinear target depth-map reading, 0 when unreadable
	Badness    float64
	Valid      bool
}

// Transfer backprojects source pixel (x,y) of frame a through its depth,
// applies rel (a-camera to b-camera), and projects into frame b. Validity
// requires positive projected depth, a bilinearly sampleable in-bounds
// target, the target inside b's FOV mask, and a depth residual within
// tol x observed (the occlusion check).
func Transfer(a, b *sfm.Frame, rel geom.Mat4, x, y int, tol float64) TransferResult {
	z := float64(a.Depth.At(x, y))
	if z <= 0 {
		return TransferResult{Badness: math.Inf(1)}
	}

	p := a.Intrinsics.Backproject(float64(x), float64(y), z)
	q := rel.Apply(p)

	u, v, ok := b.Intrinsics.Project(q)
	if !ok {
		return TransferResult{ProjectedZ: q.Z, Badness: math.Inf(1)}
	}
	if !b.Intrinsics.InBounds(u, v) {
		return TransferResult{U: u, V: v, ProjectedZ: q.Z, Badness: math.Inf(1)}
	}
	if !b.InMaskNear(u, v) {
		return TransferResult{U: u, V: v, ProjectedZ: q.Z, Badness: math.Inf(1)}
	}

	obs, ok := b.Depth.Bilinear(u, v)
	if !ok {
		return TransferResult{U: u, V: v, ProjectedZ: q.Z, Badness: math.Inf(1)}
	}

	residual := math.Abs(q.Z - obs)
	badness := residual / math.Max(obs, epsilonDepth)
	return TransferResult{
		U:          u,
		V:          v,
		ProjectedZ: q.Z,
		ObservedZ:  obs,
		Badness:    badness,
		Valid:      residual <= tol*obs,
	}
}
