// Package spatialmath defines the 2D affine transforms used to move points between image,
// tensor and world coordinates.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Affine2D is a 2x3 affine transform (linear part plus translation) between two 2D coordinate
// spaces, kept as a homogeneous 3x3 matrix whose last row is always (0, 0, 1). The zero value is
// not a valid transform; start from Identity or one of the constructors.
type Affine2D struct {
	m mgl32.Mat3
}

// Identity returns the transform that maps every point to itself.
func Identity() Affine2D {
	return Affine2D{m: mgl32.Ident3()}
}

// Translation returns the transform p -> p + v.
func Translation(v mgl32.Vec2) Affine2D {
	return Affine2D{m: mgl32.Translate2D(v.X(), v.Y())}
}

// Scale returns the transform scaling x by v.X() and y by v.Y(). A negative y scale flips the
// vertical axis, which is how image space (y up) and tensor space (rows down) are related.
func Scale(v mgl32.Vec2) Affine2D {
	return Affine2D{m: mgl32.Scale2D(v.X(), v.Y())}
}

// Rotation returns the counter-clockwise rotation by theta radians about the origin.
func Rotation(theta float32) Affine2D {
	return Affine2D{m: mgl32.HomogRotate2D(theta)}
}

// Compose returns a∘b: the transform that applies b first, then a.
func Compose(a, b Affine2D) Affine2D {
	return Affine2D{m: a.m.Mul3(b.m)}
}

// ComposeAll composes the transforms so that the last one is applied first, i.e.
// ComposeAll(a, b, c) == Compose(Compose(a, b), c).
func ComposeAll(transforms ...Affine2D) Affine2D {
	out := Identity()
	for _, t := range transforms {
		out = Compose(out, t)
	}
	return out
}

// Apply maps p through the transform.
func (t Affine2D) Apply(p mgl32.Vec2) mgl32.Vec2 {
	return t.m.Mul3x1(p.Vec3(1)).Vec2()
}

// Inverse returns the inverse transform. ok is false when the linear part is singular.
func (t Affine2D) Inverse() (inv Affine2D, ok bool) {
	det := t.m.Det()
	if math.Abs(float64(det)) < 1e-12 {
		return Affine2D{}, false
	}
	return Affine2D{m: t.m.Inv()}, true
}

// Linear returns the 2x2 linear part of the transform.
func (t Affine2D) Linear() mgl32.Mat2 {
	return mgl32.Mat2{t.m[0], t.m[1], t.m[3], t.m[4]}
}

// Offset returns the translation part of the transform.
func (t Affine2D) Offset() mgl32.Vec2 {
	return mgl32.Vec2{t.m[6], t.m[7]}
}

// Matrix returns the homogeneous 3x3 matrix.
func (t Affine2D) Matrix() mgl32.Mat3 {
	return t.m
}

// ApproxEqual reports whether every coefficient of t and other differ by at most eps.
func (t Affine2D) ApproxEqual(other Affine2D, eps float32) bool {
	return t.m.ApproxEqualThreshold(other.m, eps)
}

func (t Affine2D) String() string {
	return fmt.Sprintf("[%.4g %.4g %.4g; %.4g %.4g %.4g]",
		t.m.At(0, 0), t.m.At(0, 1), t.m.At(0, 2),
		t.m.At(1, 0), t.m.At(1, 1), t.m.At(1, 2))
}
