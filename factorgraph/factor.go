package factorgraph

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
	"go.viam.com/globalmap/utils"
)

// Kind names a family of factors.
type Kind string

// The factor kinds the mapping backend creates.
const (
	KindPrior        Kind = "prior"
	KindBetween      Kind = "between"
	KindIMURotation  Kind = "imu_rotation"
	KindMatchingCost Kind = "matching_cost"
)

// Factor is a whitened residual over one or more pose variables.
type Factor interface {
	Keys() []Key
	// Dim is the length of the residual.
	Dim() int
	// Residual evaluates the whitened residual at poses, ordered as Keys.
	Residual(poses []spatialmath.Pose) []float64
	Kind() Kind
}

// Associator is implemented by factors whose data association depends on the estimate. The
// returned factor keeps the association made at poses fixed so it is smooth around them.
type Associator interface {
	Associate(poses []spatialmath.Pose) Factor
}

// Error returns half the squared norm of the factor residual at values.
func Error(f Factor, values Values) (float64, error) {
	poses, err := values.Poses(f.Keys())
	if err != nil {
		return 0, err
	}
	return halfSquaredNorm(f.Residual(poses)), nil
}

func halfSquaredNorm(r []float64) float64 {
	var sum float64
	for _, x := range r {
		sum += x * x
	}
	return 0.5 * sum
}

func whiten(t spatialmath.Tangent, sigmas [6]float64) []float64 {
	r := make([]float64, spatialmath.TangentDim)
	for i := range r {
		r[i] = t[i] / sigmas[i]
	}
	return r
}

// PriorFactor anchors a single pose.
type PriorFactor struct {
	Key    Key
	Prior  spatialmath.Pose
	Sigmas [6]float64
}

// NewPriorFactor returns a prior with isotropic sigma.
func NewPriorFactor(key Key, prior spatialmath.Pose, sigma float64) *PriorFactor {
	return &PriorFactor{Key: key, Prior: prior, Sigmas: [6]float64{sigma, sigma, sigma, sigma, sigma, sigma}}
}

// Keys implements Factor.
func (f *PriorFactor) Keys() []Key { return []Key{f.Key} }

// Dim implements Factor.
func (f *PriorFactor) Dim() int { return spatialmath.TangentDim }

// Kind implements Factor.
func (f *PriorFactor) Kind() Kind { return KindPrior }

// Residual implements Factor.
func (f *PriorFactor) Residual(poses []spatialmath.Pose) []float64 {
	return whiten(f.Prior.Local(poses[0]), f.Sigmas)
}

// BetweenFactor constrains the relative pose From^-1 * To.
type BetweenFactor struct {
	From, To Key
	Measured spatialmath.Pose
	// Sigmas are translation then rotation standard deviations.
	Sigmas [6]float64
}

// Keys implements Factor.
func (f *BetweenFactor) Keys() []Key { return []Key{f.From, f.To} }

// Dim implements Factor.
func (f *BetweenFactor) Dim() int { return spatialmath.TangentDim }

// Kind implements Factor.
func (f *BetweenFactor) Kind() Kind { return KindBetween }

// Residual implements Factor.
func (f *BetweenFactor) Residual(poses []spatialmath.Pose) []float64 {
	return whiten(f.Measured.Local(spatialmath.PoseBetween(poses[0], poses[1])), f.Sigmas)
}

// RotationFactor constrains the relative rotation between two poses, as measured by integrating
// a gyroscope between their stamps.
type RotationFactor struct {
	From, To Key
	Measured quat.Number
	Sigma    float64
}

// Keys implements Factor.
func (f *RotationFactor) Keys() []Key { return []Key{f.From, f.To} }

// Dim implements Factor.
func (f *RotationFactor) Dim() int { return 3 }

// Kind implements Factor.
func (f *RotationFactor) Kind() Kind { return KindIMURotation }

// Residual implements Factor.
func (f *RotationFactor) Residual(poses []spatialmath.Pose) []float64 {
	rel := quat.Mul(quat.Conj(poses[0].Rotation), poses[1].Rotation)
	w := spatialmath.RotationLog(quat.Mul(quat.Conj(f.Measured), rel))
	return []float64{w.X / f.Sigma, w.Y / f.Sigma, w.Z / f.Sigma}
}

// MatchingCostFactor scores how well the source submap's points land on the target submap's
// voxel centroids. Each source point contributes three residual rows; a point with no centroid
// within MaxCorrespondenceDistance contributes zeros.
type MatchingCostFactor struct {
	Target, Source            Key
	TargetVoxels              *pointcloud.VoxelMap
	SourcePoints              pointcloud.Cloud
	Sigma                     float64
	MaxCorrespondenceDistance float64
	// Parallel spreads residual evaluation over utils.ParallelFactor workers.
	Parallel bool
}

// Keys implements Factor.
func (f *MatchingCostFactor) Keys() []Key { return []Key{f.Target, f.Source} }

// Dim implements Factor.
func (f *MatchingCostFactor) Dim() int { return 3 * len(f.SourcePoints) }

// Kind implements Factor.
func (f *MatchingCostFactor) Kind() Kind { return KindMatchingCost }

// Residual implements Factor.
func (f *MatchingCostFactor) Residual(poses []spatialmath.Pose) []float64 {
	delta := spatialmath.PoseBetween(poses[0], poses[1])
	r := make([]float64, f.Dim())
	f.forEachPoint(func(i int) {
		pt := delta.Transform(f.SourcePoints[i])
		centroid, ok := f.TargetVoxels.Nearest(pt, f.MaxCorrespondenceDistance)
		if !ok {
			return
		}
		d := pt.Sub(centroid)
		r[3*i], r[3*i+1], r[3*i+2] = d.X/f.Sigma, d.Y/f.Sigma, d.Z/f.Sigma
	})
	return r
}

// Inliers returns how many source points have a correspondence at poses.
func (f *MatchingCostFactor) Inliers(poses []spatialmath.Pose) int {
	delta := spatialmath.PoseBetween(poses[0], poses[1])
	var mu sync.Mutex
	count := 0
	f.forEachPoint(func(i int) {
		if _, ok := f.TargetVoxels.Nearest(delta.Transform(f.SourcePoints[i]), f.MaxCorrespondenceDistance); ok {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	return count
}

// Associate implements Associator by freezing each point's centroid at poses.
func (f *MatchingCostFactor) Associate(poses []spatialmath.Pose) Factor {
	delta := spatialmath.PoseBetween(poses[0], poses[1])
	assoc := &associatedMatchingCost{
		target: f.Target, source: f.Source, sigma: f.Sigma,
		points:    f.SourcePoints,
		centroids: make([]r3.Vector, len(f.SourcePoints)),
		matched:   make([]bool, len(f.SourcePoints)),
	}
	f.forEachPoint(func(i int) {
		centroid, ok := f.TargetVoxels.Nearest(delta.Transform(f.SourcePoints[i]), f.MaxCorrespondenceDistance)
		assoc.matched[i] = ok
		assoc.centroids[i] = centroid
	})
	return assoc
}

func (f *MatchingCostFactor) forEachPoint(fn func(i int)) {
	if !f.Parallel || len(f.SourcePoints) < 2*utils.ParallelFactor {
		for i := range f.SourcePoints {
			fn(i)
		}
		return
	}
	// the background context never cancels
	_ = utils.GroupWorkParallel(context.Background(), len(f.SourcePoints), func(int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) { fn(workNum) }, nil
		})
}

type associatedMatchingCost struct {
	target, source Key
	sigma          float64
	points         pointcloud.Cloud
	centroids      []r3.Vector
	matched        []bool
}

func (f *associatedMatchingCost) Keys() []Key { return []Key{f.target, f.source} }
func (f *associatedMatchingCost) Dim() int    { return 3 * len(f.points) }
func (f *associatedMatchingCost) Kind() Kind  { return KindMatchingCost }

func (f *associatedMatchingCost) Residual(poses []spatialmath.Pose) []float64 {
	delta := spatialmath.PoseBetween(poses[0], poses[1])
	r := make([]float64, f.Dim())
	for i, pt := range f.points {
		if !f.matched[i] {
			continue
		}
		d := delta.Transform(pt).Sub(f.centroids[i])
		r[3*i], r[3*i+1], r[3*i+2] = d.X/f.sigma, d.Y/f.sigma, d.Z/f.sigma
	}
	return r
}

// ErrUnknownKind is returned when decoding a record of an unrecognized kind.
var ErrUnknownKind = errors.New("unknown factor kind")
