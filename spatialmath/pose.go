// Package spatialmath defines the rigid transforms used by the pose graph.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// TangentDim is the dimension of the pose tangent space: three translational components
// followed by three rotational ones.
const TangentDim = 6

// Tangent is an element of the pose tangent space.
type Tangent [TangentDim]float64

// Pose is a rigid transform. Rotation is always kept a unit quaternion.
type Pose struct {
	Translation r3.Vector
	Rotation    quat.Number
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose returns a pose from a translation and a (not necessarily normalized) quaternion.
func NewPose(translation r3.Vector, rotation quat.Number) Pose {
	return Pose{Translation: translation, Rotation: normalize(rotation)}
}

// NewPoseFromAxisAngle returns a pose rotated by theta radians about the given axis.
func NewPoseFromAxisAngle(translation, axis r3.Vector, theta float64) Pose {
	r4 := R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}
	return Pose{Translation: translation, Rotation: r4.ToQuat()}
}

// NewPoseFromArray builds a pose from [x y z qw qx qy qz].
func NewPoseFromArray(a [7]float64) Pose {
	return NewPose(r3.Vector{X: a[0], Y: a[1], Z: a[2]}, quat.Number{Real: a[3], Imag: a[4], Jmag: a[5], Kmag: a[6]})
}

// Array returns the pose as [x y z qw qx qy qz].
func (p Pose) Array() [7]float64 {
	return [7]float64{
		p.Translation.X, p.Translation.Y, p.Translation.Z,
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
	}
}

// IsFinite reports whether every component is a finite number and the rotation is not zero.
func (p Pose) IsFinite() bool {
	for _, v := range p.Array() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return quat.Abs(p.Rotation) > 0
}

// Compose returns p * o, i.e. o expressed in the frame p maps into.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Translation: p.Translation.Add(RotateVector(p.Rotation, o.Translation)),
		Rotation:    normalize(quat.Mul(p.Rotation, o.Rotation)),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.Rotation)
	return Pose{
		Translation: RotateVector(inv, p.Translation).Mul(-1),
		Rotation:    inv,
	}
}

// Transform maps a point through the pose.
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return RotateVector(p.Rotation, v).Add(p.Translation)
}

// Retract moves the pose along a tangent direction expressed in its own frame.
func (p Pose) Retract(delta Tangent) Pose {
	return p.Compose(Exp(delta))
}

// Local returns the tangent that retracts p onto o.
func (p Pose) Local(o Pose) Tangent {
	return Log(PoseBetween(p, o))
}

// Distance returns the euclidean distance between the origins of the two poses.
func (p Pose) Distance(o Pose) float64 {
	return p.Translation.Sub(o.Translation).Norm()
}

func (p Pose) String() string {
	r4 := QuatToR4AA(p.Rotation)
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f Theta:%.4f Axis:[%.3f %.3f %.3f]}",
		p.Translation.X, p.Translation.Y, p.Translation.Z, r4.Theta, r4.RX, r4.RY, r4.RZ)
}

// PoseBetween returns the pose that takes a to b, i.e. a^-1 * b.
func PoseBetween(a, b Pose) Pose {
	return a.Inverse().Compose(b)
}

// PoseAlmostEqual returns whether the two poses differ by less than epsilon in both
// translation and rotation angle.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.Translation.Sub(b.Translation).Norm() > epsilon {
		return false
	}
	return RotationLog(quat.Mul(quat.Conj(a.Rotation), b.Rotation)).Norm() <= epsilon
}

// Exp maps a tangent vector to a pose.
func Exp(xi Tangent) Pose {
	return Pose{
		Translation: r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]},
		Rotation:    RotationExp(r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}),
	}
}

// Log maps a pose to its tangent vector.
func Log(p Pose) Tangent {
	w := RotationLog(p.Rotation)
	return Tangent{p.Translation.X, p.Translation.Y, p.Translation.Z, w.X, w.Y, w.Z}
}

// RotationExp converts a rotation vector to a unit quaternion.
func RotationExp(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		return normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// RotationLog converts a unit quaternion to the rotation vector of the shortest rotation.
func RotationLog(q quat.Number) r3.Vector {
	q = normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := v.Norm()
	if n < 1e-12 {
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(n, q.Real)
	return v.Mul(theta / n)
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

func normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}
