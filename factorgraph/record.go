package factorgraph

import (
	"github.com/pkg/errors"

	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

// Record is the serialized form of a factor. Matching cost factors store only their keys and
// parameters; the point data is resolved from the submaps on decode.
type Record struct {
	Kind     Kind       `msgpack:"kind"`
	Keys     []Key      `msgpack:"keys"`
	Measured [7]float64 `msgpack:"measured"`
	Sigmas   []float64  `msgpack:"sigmas"`

	MaxCorrespondenceDistance float64 `msgpack:"max_correspondence_distance,omitempty"`
	Parallel                  bool    `msgpack:"parallel,omitempty"`
}

// SubmapResolver supplies the point representations matching cost factors are built from.
type SubmapResolver interface {
	Voxelized(key Key) (*pointcloud.VoxelMap, error)
	Subsampled(key Key) (pointcloud.Cloud, error)
}

// ToRecord serializes a factor created by this package.
func ToRecord(f Factor) (Record, error) {
	switch typed := f.(type) {
	case *PriorFactor:
		return Record{Kind: KindPrior, Keys: typed.Keys(), Measured: typed.Prior.Array(), Sigmas: typed.Sigmas[:]}, nil
	case *BetweenFactor:
		return Record{Kind: KindBetween, Keys: typed.Keys(), Measured: typed.Measured.Array(), Sigmas: typed.Sigmas[:]}, nil
	case *RotationFactor:
		return Record{
			Kind:     KindIMURotation,
			Keys:     typed.Keys(),
			Measured: spatialmath.Pose{Rotation: typed.Measured}.Array(),
			Sigmas:   []float64{typed.Sigma},
		}, nil
	case *MatchingCostFactor:
		return Record{
			Kind:                      KindMatchingCost,
			Keys:                      typed.Keys(),
			Measured:                  spatialmath.NewZeroPose().Array(),
			Sigmas:                    []float64{typed.Sigma},
			MaxCorrespondenceDistance: typed.MaxCorrespondenceDistance,
			Parallel:                  typed.Parallel,
		}, nil
	default:
		return Record{}, errors.Wrapf(ErrUnknownKind, "cannot serialize %T", f)
	}
}

// FromRecord rebuilds a factor. The resolver is only consulted for matching cost factors.
func FromRecord(rec Record, resolver SubmapResolver) (Factor, error) {
	wantKeys, wantSigmas := 0, 0
	switch rec.Kind {
	case KindPrior:
		wantKeys, wantSigmas = 1, 6
	case KindBetween:
		wantKeys, wantSigmas = 2, 6
	case KindIMURotation, KindMatchingCost:
		wantKeys, wantSigmas = 2, 1
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", rec.Kind)
	}
	if len(rec.Keys) != wantKeys {
		return nil, errors.Errorf("%s factor needs %d keys, got %d", rec.Kind, wantKeys, len(rec.Keys))
	}
	if len(rec.Sigmas) != wantSigmas {
		return nil, errors.Errorf("%s factor needs %d sigmas, got %d", rec.Kind, wantSigmas, len(rec.Sigmas))
	}
	for _, s := range rec.Sigmas {
		if !(s > 0) {
			return nil, errors.Errorf("%s factor has non-positive sigma %v", rec.Kind, s)
		}
	}

	measured := spatialmath.NewPoseFromArray(rec.Measured)
	switch rec.Kind {
	case KindPrior:
		f := &PriorFactor{Key: rec.Keys[0], Prior: measured}
		copy(f.Sigmas[:], rec.Sigmas)
		return f, nil
	case KindBetween:
		f := &BetweenFactor{From: rec.Keys[0], To: rec.Keys[1], Measured: measured}
		copy(f.Sigmas[:], rec.Sigmas)
		return f, nil
	case KindIMURotation:
		return &RotationFactor{From: rec.Keys[0], To: rec.Keys[1], Measured: measured.Rotation, Sigma: rec.Sigmas[0]}, nil
	default:
		if resolver == nil {
			return nil, errors.New("matching cost factor needs a submap resolver")
		}
		voxels, err := resolver.Voxelized(rec.Keys[0])
		if err != nil {
			return nil, err
		}
		points, err := resolver.Subsampled(rec.Keys[1])
		if err != nil {
			return nil, err
		}
		return &MatchingCostFactor{
			Target:                    rec.Keys[0],
			Source:                    rec.Keys[1],
			TargetVoxels:              voxels,
			SourcePoints:              points,
			Sigma:                     rec.Sigmas[0],
			MaxCorrespondenceDistance: rec.MaxCorrespondenceDistance,
			Parallel:                  rec.Parallel,
		}, nil
	}
}
