package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/globalmap/spatialmath"
)

// ErrNotEnoughCorrespondences is returned when registration cannot constrain a pose.
var ErrNotEnoughCorrespondences = errors.New("not enough correspondences for registration")

// ICPParams configure RegisterICP.
type ICPParams struct {
	MaxIterations             int
	MaxCorrespondenceDistance float64
	TranslationEps            float64
	RotationEps               float64
	MinInliers                int
}

// DefaultICPParams returns parameters suited to a target voxelized at resolution.
func DefaultICPParams(resolution float64) ICPParams {
	return ICPParams{
		MaxIterations:             32,
		MaxCorrespondenceDistance: 2 * resolution,
		TranslationEps:            1e-5,
		RotationEps:               1e-5,
		MinInliers:                3,
	}
}

// RegistrationResult is the outcome of aligning a source cloud onto a target map.
type RegistrationResult struct {
	// Pose maps source coordinates into the target frame.
	Pose       spatialmath.Pose
	Inliers    int
	Error      float64
	Iterations int
	Converged  bool
}

// RegisterICP aligns source onto target starting from guess. Each iteration pairs every
// transformed source point with the nearest voxel centroid within the correspondence distance
// and solves the rigid alignment of the pairs in closed form.
func RegisterICP(source Cloud, target *VoxelMap, guess spatialmath.Pose, params ICPParams) (RegistrationResult, error) {
	if params.MinInliers < 3 {
		params.MinInliers = 3
	}
	result := RegistrationResult{Pose: guess}
	if len(source) < params.MinInliers || target.Size() == 0 {
		return result, ErrNotEnoughCorrespondences
	}

	src := make([]r3.Vector, 0, len(source))
	dst := make([]r3.Vector, 0, len(source))
	for iter := 0; iter < params.MaxIterations; iter++ {
		src, dst = src[:0], dst[:0]
		for _, pt := range source {
			centroid, ok := target.Nearest(result.Pose.Transform(pt), params.MaxCorrespondenceDistance)
			if !ok {
				continue
			}
			src = append(src, pt)
			dst = append(dst, centroid)
		}
		if len(src) < params.MinInliers {
			return result, ErrNotEnoughCorrespondences
		}

		next, err := alignPairs(src, dst)
		if err != nil {
			return result, err
		}
		step := spatialmath.PoseBetween(result.Pose, next)
		result.Pose = next
		result.Iterations = iter + 1
		result.Inliers = len(src)
		result.Error = meanSquaredError(src, dst, next)

		if step.Translation.Norm() < params.TranslationEps &&
			spatialmath.RotationLog(step.Rotation).Norm() < params.RotationEps {
			result.Converged = true
			break
		}
	}
	return result, nil
}

// alignPairs returns the rigid transform T minimizing sum |T*src_i - dst_i|^2 (Kabsch).
func alignPairs(src, dst []r3.Vector) (spatialmath.Pose, error) {
	srcMean := Cloud(src).Centroid()
	dstMean := Cloud(dst).Centroid()

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(srcMean)
		d := dst[i].Sub(dstMean)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return spatialmath.Pose{}, errors.New("svd factorization failed")
	}
	var u, v, rot mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	var rm spatialmath.RotationMatrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rm[r*3+c] = rot.At(r, c)
		}
	}
	q := rm.Quaternion()
	translation := dstMean.Sub(spatialmath.RotateVector(q, srcMean))
	return spatialmath.NewPose(translation, q), nil
}

func meanSquaredError(src, dst []r3.Vector, pose spatialmath.Pose) float64 {
	if len(src) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range src {
		sum += pose.Transform(src[i]).Sub(dst[i]).Norm2()
	}
	return sum / float64(len(src))
}
