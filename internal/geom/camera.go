package geom

// Intrinsics is a pinhole camera model bound to a specific image resolution.
// Pixel coordinates follow image convention: u right, v down, origin at the
// center of the top-left pixel.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
	Width  int
	Height int
}

// Rescaled returns the intrinsics for the same camera resampled to
// newWidth x newHeight. Focal lengths and principal point scale linearly
// per axis.
func (in Intrinsics) Rescaled(newWidth, newHeight int) Intrinsics {
	sx := float64(newWidth) / float64(in.Width)
	sy := float64(newHeight) / float64(in.Height)
	return Intrinsics{
		Fx:     in.Fx * sx,
		Fy:     in.Fy * sy,
		Cx:     in.Cx * sx,
		Cy:     in.Cy * sy,
		Width:  newWidth,
		Height: newHeight,
	}
}

// Backproject lifts pixel (u,v) at z-depth z to a camera-space point.
func (in Intrinsics) Backproject(u, v, z float64) Vec3 {
	return Vec3{
		X: (u - in.Cx) / in.Fx * z,
		Y: (v - in.Cy) / in.Fy * z,
		Z: z,
	}
}

// Project maps a camera-space point to pixel coordinates. ok is false for
// points at or behind the camera plane, whose projection is undefined.
func (in Intrinsics) Project(p Vec3) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u = in.Fx*p.X/p.Z + in.Cx
	v = in.Fy*p.Y/p.Z + in.Cy
	return u, v, true
}

// InBounds reports whether the continuous pixel coordinate can be sampled
// bilinearly, i.e. lies within [0, W-1] x [0, H-1].
func (in Intrinsics) InBounds(u, v float64) bool {
	return u >= 0 && v >= 0 && u <= float64(in.Width-1) && v <= float64(in.Height-1)
}
