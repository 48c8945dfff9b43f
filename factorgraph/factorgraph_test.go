package factorgraph

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.viam.com/test"

	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

func grid(n int, spacing float64) pointcloud.Cloud {
	var out pointcloud.Cloud
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out = append(out, r3.Vector{X: float64(i) * spacing, Y: float64(j) * spacing, Z: float64(k) * spacing})
			}
		}
	}
	return out
}

func norm(r []float64) float64 {
	var sum float64
	for _, x := range r {
		sum += x * x
	}
	return math.Sqrt(sum)
}

type fakeResolver struct {
	clouds map[Key]pointcloud.Cloud
}

func (r fakeResolver) Voxelized(key Key) (*pointcloud.VoxelMap, error) {
	c, ok := r.clouds[key]
	if !ok {
		return nil, errors.Errorf("no submap %s", key)
	}
	return pointcloud.NewVoxelMap(c, 0.25), nil
}

func (r fakeResolver) Subsampled(key Key) (pointcloud.Cloud, error) {
	c, ok := r.clouds[key]
	if !ok {
		return nil, errors.Errorf("no submap %s", key)
	}
	return c, nil
}

func TestValues(t *testing.T) {
	values := Values{3: spatialmath.NewZeroPose(), 1: spatialmath.NewZeroPose(), 2: spatialmath.NewZeroPose()}
	test.That(t, values.Keys(), test.ShouldResemble, []Key{1, 2, 3})

	clone := values.Clone()
	clone[1] = spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Rotation)
	test.That(t, values[1].Translation.X, test.ShouldEqual, 0.0)

	_, err := values.Poses([]Key{1, 7})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "x7")
}

func TestFactorResiduals(t *testing.T) {
	a := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 1}, r3.Vector{Z: 1}, 0.3)
	b := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 2, Y: 1}, r3.Vector{Z: 1}, 0.5)
	values := Values{0: a, 1: b}

	graph := NewGraph(
		NewPriorFactor(0, a, 0.01),
		&BetweenFactor{From: 0, To: 1, Measured: spatialmath.PoseBetween(a, b), Sigmas: [6]float64{1, 1, 1, 1, 1, 1}},
		&RotationFactor{From: 0, To: 1, Measured: spatialmath.PoseBetween(a, b).Rotation, Sigma: 0.1},
	)
	total, err := graph.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, total, test.ShouldAlmostEqual, 0.0)
	test.That(t, graph.CountKind(KindBetween), test.ShouldEqual, 1)
	test.That(t, graph.CountKind(KindMatchingCost), test.ShouldEqual, 0)

	// a 0.01 translation error on the prior is one sigma
	moved := values.Clone()
	moved[0] = spatialmath.NewPose(a.Translation.Add(r3.Vector{Y: 0.01}), a.Rotation)
	e, err := Error(graph.At(0), moved)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldAlmostEqual, 0.5, 1e-9)

	_, err = graph.Error(Values{0: a})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMatchingCostFactor(t *testing.T) {
	cloud := grid(6, 0.5)
	f := &MatchingCostFactor{
		Target:                    0,
		Source:                    1,
		TargetVoxels:              pointcloud.NewVoxelMap(cloud, 0.25),
		SourcePoints:              cloud,
		Sigma:                     0.1,
		MaxCorrespondenceDistance: 0.5,
	}
	test.That(t, f.Dim(), test.ShouldEqual, 3*len(cloud))

	aligned := []spatialmath.Pose{spatialmath.NewZeroPose(), spatialmath.NewZeroPose()}
	test.That(t, norm(f.Residual(aligned)), test.ShouldAlmostEqual, 0.0)
	test.That(t, f.Inliers(aligned), test.ShouldEqual, len(cloud))

	offset := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 0.05}, spatialmath.NewZeroPose().Rotation),
	}
	serial := f.Residual(offset)
	test.That(t, serial[0], test.ShouldAlmostEqual, 0.5)

	f.Parallel = true
	test.That(t, f.Residual(offset), test.ShouldResemble, serial)
	test.That(t, f.Inliers(offset), test.ShouldEqual, len(cloud))

	frozen := f.Associate(offset)
	test.That(t, frozen.Kind(), test.ShouldEqual, KindMatchingCost)
	test.That(t, frozen.Residual(offset), test.ShouldResemble, serial)

	far := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 100}, spatialmath.NewZeroPose().Rotation),
	}
	test.That(t, norm(f.Residual(far)), test.ShouldEqual, 0.0)
	test.That(t, f.Inliers(far), test.ShouldEqual, 0)
}

func TestRecords(t *testing.T) {
	cloud := grid(3, 0.5)
	resolver := fakeResolver{clouds: map[Key]pointcloud.Cloud{0: cloud, 1: cloud}}
	a := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 2}, r3.Vector{X: 1, Y: 1}, 0.7)

	factors := []Factor{
		NewPriorFactor(0, a, 0.001),
		&BetweenFactor{From: 0, To: 1, Measured: a, Sigmas: [6]float64{0.1, 0.1, 0.1, 0.2, 0.2, 0.2}},
		&RotationFactor{From: 0, To: 1, Measured: a.Rotation, Sigma: 0.05},
		&MatchingCostFactor{Target: 0, Source: 1, Sigma: 0.1, MaxCorrespondenceDistance: 0.5, Parallel: true},
	}
	records := make([]Record, len(factors))
	for i, f := range factors {
		rec, err := ToRecord(f)
		test.That(t, err, test.ShouldBeNil)
		records[i] = rec
	}

	data, err := msgpack.Marshal(records)
	test.That(t, err, test.ShouldBeNil)
	var decoded []Record
	test.That(t, msgpack.Unmarshal(data, &decoded), test.ShouldBeNil)

	for i, rec := range decoded {
		f, err := FromRecord(rec, resolver)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Kind(), test.ShouldEqual, factors[i].Kind())
		test.That(t, f.Keys(), test.ShouldResemble, factors[i].Keys())
	}
	between, err := FromRecord(decoded[1], nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(between.(*BetweenFactor).Measured, a, 1e-12), test.ShouldBeTrue)
	test.That(t, between.(*BetweenFactor).Sigmas[5], test.ShouldEqual, 0.2)

	mc, err := FromRecord(decoded[3], resolver)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mc.Dim(), test.ShouldEqual, 3*len(cloud))
	test.That(t, mc.(*MatchingCostFactor).Parallel, test.ShouldBeTrue)

	_, err = FromRecord(decoded[3], nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = FromRecord(Record{Kind: "bogus"}, nil)
	test.That(t, errors.Is(err, ErrUnknownKind), test.ShouldBeTrue)
	_, err = FromRecord(Record{Kind: KindBetween, Keys: []Key{0}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	bad := decoded[1]
	bad.Sigmas = []float64{0, 1, 1, 1, 1, 1}
	_, err = FromRecord(bad, nil)
	test.That(t, err, test.ShouldNotBeNil)
}
