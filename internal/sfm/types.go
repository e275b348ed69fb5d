package sfm

import (
	"fmt"
	"image"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sightline-vision/densecorr/internal/geom"
)

// DepthMap is a dense z-depth grid. Values <= 0 mark holes where the
// reconstruction has no coverage.
type DepthMap struct {
	Width  int
	Height int
	Data   []float32 // row-major, len = Width*Height
}

// NewDepthMap allocates a zeroed (all-hole) depth map.
func NewDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height),
	}
}

// At returns the depth at integer pixel (x,y). Out-of-range coordinates
// read as holes.
func (d *DepthMap) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Data[y*d.Width+x]
}

// Set stores the depth at integer pixel (x,y).
func (d *DepthMap) Set(x, y int, z float32) {
	d.Data[y*d.Width+x] = z
}

// Bilinear samples the depth at a continuous coordinate. ok is false when
// the coordinate is outside [0,W-1]x[0,H-1] or any of the four contributing
// cells is a hole; interpolating across a hole would fabricate geometry, so
// near-hole samples are rejected outright.
func (d *DepthMap) Bilinear(u, v float64) (z float64, ok bool) {
	if u < 0 || v < 0 || u > float64(d.Width-1) || v > float64(d.Height-1) {
		return 0, false
	}

	x0 := int(u)
	y0 := int(v)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 > d.Width-1 {
		x1 = d.Width - 1
	}
	if y1 > d.Height-1 {
		y1 = d.Height - 1
	}

	z00 := float64(d.Data[y0*d.Width+x0])
	z10 := float64(d.Data[y0*d.Width+x1])
	z01 := float64(d.Data[y1*d.Width+x0])
	z11 := float64(d.Data[y1*d.Width+x1])
	if z00 <= 0 || z10 <= 0 || z01 <= 0 || z11 <= 0 {
		return 0, false
	}

	fx := u - float64(x0)
	fy := v - float64(y0)
	top := z00*(1-fx) + z10*fx
	bottom := z01*(1-fx) + z11*fx
	return top*(1-fy) + bottom*fy, true
}

// NewFrame assembles a frame and derives its valid-pixel bitmap. All inputs
// must already be at working resolution; dimension mismatches are rejected
// rather than clamped.
func NewFrame(seqID string, index int, color *image.RGBA, depth *DepthMap, mask []bool, pose geom.Mat4, intr geom.Intrinsics) (*Frame, error) {
	if depth.Width != intr.Width || depth.Height != intr.Height {
		return nil, fmt.Errorf("frame %d: depth %dx%d does not match intrinsics %dx%d",
			index, depth.Width, depth.Height, intr.Width, intr.Height)
	}
	if len(mask) != intr.Width*intr.Height {
		return nil, fmt.Errorf("frame %d: mask has %d entries, want %d", index, len(mask), intr.Width*intr.Height)
	}
	f := &Frame{
		SequenceID: seqID,
		Index:      index,
		Color:      color,
		Depth:      depth,
		Mask:       mask,
		Pose:       pose,
		Intrinsics: intr,
	}
	f.buildValid()
	return f, nil
}

// Frame is one video frame with its reconstruction outputs, held entirely at
// working resolution. Frames are immutable once loaded.
type Frame struct {
	SequenceID string
	Index      int

	Color      *image.RGBA
	Depth      *DepthMap
	Mask       []bool // row-major FOV mask
	Pose       geom.Mat4
	Intrinsics geom.Intrinsics

	// Valid holds pixel indices (y*W+x) where the mask admits the pixel and
	// the depth is present. Rank/Select on it back uniform candidate
	// sampling without scanning the grid.
	Valid *roaring.Bitmap
}

// Width returns the working-resolution width.
func (f *Frame) Width() int { return f.Intrinsics.Width }

// Height returns the working-resolution height.
func (f *Frame) Height() int { return f.Intrinsics.Height }

// PixelIndex flattens (x,y) to the row-major index used by Valid and by all
// deterministic tie-breaks.
func (f *Frame) PixelIndex(x, y int) uint32 {
	return uint32(y*f.Width() + x)
}

// InMask reports whether the integer pixel lies inside the FOV mask.
func (f *Frame) InMask(x, y int) bool {
	if x < 0 || y < 0 || x >= f.Width() || y >= f.Height() {
		return false
	}
	return f.Mask[y*f.Width()+x]
}

// InMaskNear reports whether the mask admits the pixel nearest to a
// continuous coordinate.
func (f *Frame) InMaskNear(u, v float64) bool {
	return f.InMask(int(u+0.5), int(v+0.5))
}

// buildValid populates the Valid bitmap from the mask and depth grid.
func (f *Frame) buildValid() {
	bm := roaring.New()
	w, h := f.Width(), f.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if f.Mask[y*w+x] && f.Depth.Data[y*w+x] > 0 {
				bm.Add(uint32(y*w + x))
			}
		}
	}
	f.Valid = bm
}

// Sequence is an ordered set of frames from one video with a shared camera.
type Sequence struct {
	ID     string
	Frames []*Frame
}

// FrameCount returns the number of loaded frames.
func (s *Sequence) FrameCount() int { return len(s.Frames) }
