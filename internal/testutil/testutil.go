// Package testutil provides shared test utilities and fixtures.
//
// The fixtures are small synthetic reconstructions with analytic geometry:
// fronto-parallel planes observed by translated cameras, so tests can state
// exact expectations for projected positions and depths instead of comparing
// against recorded data.
package testutil

import (
	"image"
	"image/color"
	"testing"

	"github.com/sightline-vision/densecorr/internal/geom"
	"github.com/sightline-vision/densecorr/internal/sfm"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Translation returns the camera-to-world pose of a camera at world position
// (tx, ty, tz) with identity rotation.
func Translation(tx, ty, tz float64) geom.Mat4 {
	m := geom.Identity()
	m[3] = tx
	m[7] = ty
	m[11] = tz
	return m
}

// PlanarIntrinsics builds working-resolution intrinsics with the principal
// point at the pixel-grid center, which keeps projections of axis-aligned
// translations symmetric.
func PlanarIntrinsics(width, height int, focal float64) geom.Intrinsics {
	return geom.Intrinsics{
		Fx:     focal,
		Fy:     focal,
		Cx:     float64(width-1) / 2,
		Cy:     float64(height-1) / 2,
		Width:  width,
		Height: height,
	}
}

// PlanarFrame builds a frame observing the world plane z = planeZ from a
// camera at the given world position with identity rotation. Every pixel
// carries the exact camera-space depth planeZ - position.Z and the mask
// admits the full frame.
func PlanarFrame(t *testing.T, seqID string, index int, intr geom.Intrinsics, planeZ float64, position geom.Vec3) *sfm.Frame {
	t.Helper()
	depth := planeZ - position.Z
	if depth <= 0 {
		t.Fatalf("camera at z=%g is not in front of plane z=%g", position.Z, planeZ)
	}

	dm := sfm.NewDepthMap(intr.Width, intr.Height)
	mask := make([]bool, intr.Width*intr.Height)
	for i := range dm.Data {
		dm.Data[i] = float32(depth)
		mask[i] = true
	}

	img := image.NewRGBA(image.Rect(0, 0, intr.Width, intr.Height))
	for y := 0; y < intr.Height; y++ {
		for x := 0; x < intr.Width; x++ {
			// Coordinate-dependent shading so resampled colors are
			// distinguishable in dataset tests.
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 7), B: uint8(index * 31), A: 255})
		}
	}

	f, err := sfm.NewFrame(seqID, index, img, dm, mask, Translation(position.X, position.Y, position.Z), intr)
	if err != nil {
		t.Fatalf("building planar frame %d: %v", index, err)
	}
	return f
}

// PlanarSequence builds one frame per camera position, all observing the
// world plane z = planeZ.
func PlanarSequence(t *testing.T, id string, intr geom.Intrinsics, planeZ float64, positions []geom.Vec3) *sfm.Sequence {
	t.Helper()
	seq := &sfm.Sequence{ID: id}
	for i, pos := range positions {
		seq.Frames = append(seq.Frames, PlanarFrame(t, id, i, intr, planeZ, pos))
	}
	return seq
}

// PunchDepthHole zeroes the depth at (x,y) and rebuilds the frame so its
// valid-pixel bitmap reflects the hole.
func PunchDepthHole(t *testing.T, f *sfm.Frame, x, y int) *sfm.Frame {
	t.Helper()
	f.Depth.Set(x, y, 0)
	nf, err := sfm.NewFrame(f.SequenceID, f.Index, f.Color, f.Depth, f.Mask, f.Pose, f.Intrinsics)
	if err != nil {
		t.Fatalf("rebuilding frame %d: %v", f.Index, err)
	}
	return nf
}
