// Package geom provides the fixed-size linear algebra used by the
// correspondence pipeline: rigid camera poses as 4x4 row-major transforms
// and the pinhole camera model.
package geom

// Vec3 is a point or direction in camera or world space.
type Vec3 struct {
	X, Y, Z float64
}

// Mat4 is a 4x4 homogeneous transform stored row-major:
// m00,m01,m02,m03, m10,... Poses are camera-to-world unless stated otherwise.
type Mat4 [16]float64

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns a·b, the transform that applies b first and then a.
func (a Mat4) Mul(b Mat4) Mat4 {
	var out Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				sum += a[row*4+k] * b[k*4+col]
			}
			out[row*4+col] = sum
		}
	}
	return out
}

// Apply transforms point p. The bottom row is assumed to be 0,0,0,1.
func (m Mat4) Apply(p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// RigidInverse inverts a rigid transform as R^T, -R^T·t, avoiding a general
// 4x4 inversion. Only valid when the rotation block is orthonormal.
func (m Mat4) RigidInverse() Mat4 {
	tx, ty, tz := m[3], m[7], m[11]
	return Mat4{
		m[0], m[4], m[8], -(m[0]*tx + m[4]*ty + m[8]*tz),
		m[1], m[5], m[9], -(m[1]*tx + m[5]*ty + m[9]*tz),
		m[2], m[6], m[10], -(m[2]*tx + m[6]*ty + m[10]*tz),
		0, 0, 0, 1,
	}
}

// Relative returns the transform taking points in camera a's space to camera
// b's space, given camera-to-world poses for both.
func Relative(aPose, bPose Mat4) Mat4 {
	return bPose.RigidInverse().Mul(aPose)
}
