package geom

import (
	"math"
	"testing"
)

// rotZ builds a camera-to-world pose rotating by angle around Z with a
// translation, for exercising the rigid ops with a non-trivial rotation.
func rotZ(angle, tx, ty, tz float64) Mat4 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Mat4{
		c, -s, 0, tx,
		s, c, 0, ty,
		0, 0, 1, tz,
		0, 0, 0, 1,
	}
}

func matApproxEqual(t *testing.T, got, want Mat4, tol float64) {
	t.Helper()
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("matrix element %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestIdentityApply(t *testing.T) {
	p := Vec3{X: 1.5, Y: -2, Z: 3}
	got := Identity().Apply(p)
	if got != p {
		t.Fatalf("identity should not move point: got %+v", got)
	}
}

func TestMulMatchesSequentialApply(t *testing.T) {
	a := rotZ(0.3, 1, 2, 3)
	b := rotZ(-1.1, -4, 0.5, 2)
	p := Vec3{X: 0.7, Y: -1.2, Z: 5}

	viaMul := a.Mul(b).Apply(p)
	sequential := a.Apply(b.Apply(p))

	if math.Abs(viaMul.X-sequential.X) > 1e-12 ||
		math.Abs(viaMul.Y-sequential.Y) > 1e-12 ||
		math.Abs(viaMul.Z-sequential.Z) > 1e-12 {
		t.Fatalf("a.Mul(b).Apply != a.Apply(b.Apply): %+v vs %+v", viaMul, sequential)
	}
}

func TestRigidInverseRoundTrip(t *testing.T) {
	m := rotZ(0.8, 10, -3, 0.25)
	matApproxEqual(t, m.Mul(m.RigidInverse()), Identity(), 1e-12)
	matApproxEqual(t, m.RigidInverse().Mul(m), Identity(), 1e-12)
}

func TestRelativeIdenticalPoses(t *testing.T) {
	pose := rotZ(1.9, 2, 2, 2)
	matApproxEqual(t, Relative(pose, pose), Identity(), 1e-12)
}

func TestRelativeMapsBetweenCameras(t *testing.T) {
	// Camera a at origin, camera b translated 1m along world X. A world
	// point sits at (1,0,5): directly ahead of b, offset for a.
	a := Identity()
	b := rotZ(0, 1, 0, 0)

	rel := Relative(a, b)
	inB := rel.Apply(Vec3{X: 1, Y: 0, Z: 5})
	if math.Abs(inB.X) > 1e-12 || math.Abs(inB.Y) > 1e-12 || math.Abs(inB.Z-5) > 1e-12 {
		t.Fatalf("expected (0,0,5) in camera b, got %+v", inB)
	}
}
