package globalmapping

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/globalmap/factorgraph"
	"go.viam.com/globalmap/logging"
	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

const gridSide = 5

// gridCloud returns gridSide^3 points spaced 0.5 apart starting at the origin.
func gridCloud() pointcloud.Cloud {
	var out pointcloud.Cloud
	for i := 0; i < gridSide; i++ {
		for j := 0; j < gridSide; j++ {
			for k := 0; k < gridSide; k++ {
				out = append(out, r3.Vector{X: float64(i) * 0.5, Y: float64(j) * 0.5, Z: float64(k) * 0.5})
			}
		}
	}
	return out
}

func translation(x, y, z float64) spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{X: x, Y: y, Z: z}, spatialmath.NewZeroPose().Rotation)
}

func newSubmap(id int, stamp float64, origin spatialmath.Pose) *Submap {
	return &Submap{ID: id, Stamp: stamp, OdomWorldOrigin: origin, Points: gridCloud()}
}

// testConfig has between factors from odometry and no implicit loops.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableIMU = false
	cfg.EnableBetweenFactors = true
	cfg.BetweenRegistrationType = RegistrationNone
	cfg.SubmapVoxelResolution = 0.5
	cfg.MaxImplicitLoopDistance = 0
	cfg.MinImplicitLoopOverlap = 0.5
	cfg.ISAM2RelinearizeThresh = 1e-6
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return engine
}

func kinds(factors []factorgraph.Factor) map[factorgraph.Kind]int {
	out := map[factorgraph.Kind]int{}
	for _, f := range factors {
		out[f.Kind()]++
	}
	return out
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BetweenRegistrationType = "NDT"
	_, err := NewEngine(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIndexAlignment(t *testing.T) {
	cfg := testConfig()
	cfg.RandomSamplingRate = 0.3
	engine := newTestEngine(t, cfg)
	for i := 0; i < 6; i++ {
		test.That(t, engine.InsertSubmap(context.Background(), newSubmap(i, float64(i), translation(float64(i)*10, 0, 0))), test.ShouldBeNil)
		test.That(t, engine.NumSubmaps(), test.ShouldEqual, i+1)
		test.That(t, engine.NumSubsampled(), test.ShouldEqual, engine.NumSubmaps())
		test.That(t, engine.NumVoxelized(), test.ShouldEqual, engine.NumSubmaps())
	}
	test.That(t, engine.InsertSubmap(context.Background(), nil), test.ShouldEqual, ErrNilSubmap)
	test.That(t, engine.NumSubsampled(), test.ShouldEqual, 6)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, testConfig())
	origins := []spatialmath.Pose{
		translation(0, 0, 0),
		spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 10}, r3.Vector{Z: 1}, 0.1),
		spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 20, Y: 3}, r3.Vector{Z: 1}, 0.3),
	}
	for i, origin := range origins {
		test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), origin)), test.ShouldBeNil)
	}
	test.That(t, engine.StagedValues(), test.ShouldHaveLength, 3)
	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	test.That(t, engine.StagedValues(), test.ShouldBeEmpty)
	test.That(t, engine.StagedFactors(), test.ShouldBeEmpty)

	graph := engine.Graph()
	test.That(t, graph.CountKind(factorgraph.KindBetween), test.ShouldEqual, 2)
	test.That(t, graph.CountKind(factorgraph.KindPrior), test.ShouldEqual, 1)
	test.That(t, graph.CountKind(factorgraph.KindMatchingCost), test.ShouldEqual, 0)
	poses := engine.Poses()
	test.That(t, poses, test.ShouldHaveLength, 3)
	for i, origin := range origins {
		test.That(t, spatialmath.PoseAlmostEqual(poses[factorgraph.Key(i)], origin, 1e-6), test.ShouldBeTrue)
	}

	points, err := engine.ExportPoints(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, points, test.ShouldHaveLength, 3*gridSide*gridSide*gridSide)
	// the last point of the first submap is the far corner of its grid
	test.That(t, points[gridSide*gridSide*gridSide-1].X, test.ShouldAlmostEqual, 2.0, 1e-6)

	again, err := engine.ExportPoints(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, points)
}

func TestStarvation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, testConfig())
	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	points, err := engine.ExportPoints(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, points, test.ShouldBeEmpty)
	test.That(t, engine.Poses(), test.ShouldBeEmpty)

	test.That(t, engine.InsertImage(ctx, 1, image.NewGray(image.Rect(0, 0, 4, 4))), test.ShouldBeNil)
	test.That(t, engine.InsertImage(ctx, 2, nil), test.ShouldNotBeNil)
	test.That(t, engine.NumImages(), test.ShouldEqual, 1)
	_, err = engine.Submap(0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOptimizeIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name       string
		iterations int
		skip       int
		reevaluate bool
	}{
		{"converged", 10, 1, false},
		{"single iteration budget", 1, 1, false},
		{"relinearize skip", 10, 3, false},
		{"reevaluated loops", 1, 1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxImplicitLoopDistance = 5
			cfg.ISAM2RelinearizeThresh = 1e-3
			cfg.OptimizeIterations = tc.iterations
			cfg.ISAM2RelinearizeSkip = tc.skip
			cfg.ReevaluateLoopsOnOptimize = tc.reevaluate
			engine := newTestEngine(t, cfg)
			for i := 0; i < 4; i++ {
				origin := translation(float64(i)*0.5+0.05*float64(i%2), 0.1*float64(i), 0)
				test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), origin)), test.ShouldBeNil)
			}
			test.That(t, engine.Graph().CountKind(factorgraph.KindMatchingCost), test.ShouldBeGreaterThan, 0)

			test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
			test.That(t, engine.StagedFactors(), test.ShouldBeEmpty)
			first := engine.Poses()
			for i := 0; i < 3; i++ {
				test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
				test.That(t, engine.Poses(), test.ShouldResemble, first)
			}
		})
	}
}

func TestNonFiniteSubmapRejected(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxImplicitLoopDistance = 5
	engine := newTestEngine(t, cfg)
	for i := 0; i < 2; i++ {
		test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), translation(float64(i)*0.5, 0, 0))), test.ShouldBeNil)
	}
	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)

	badOrigin := newSubmap(2, 2, translation(math.NaN(), 0, 0))
	badPoint := newSubmap(2, 2, translation(1, 0, 0))
	badPoint.Points[7].Y = math.Inf(1)
	badStamp := newSubmap(2, math.NaN(), translation(1, 0, 0))
	for _, submap := range []*Submap{badOrigin, badPoint, badStamp} {
		err := engine.InsertSubmap(ctx, submap)
		test.That(t, errors.Is(err, ErrNonFiniteSubmap), test.ShouldBeTrue)
		test.That(t, engine.NumSubmaps(), test.ShouldEqual, 2)
		test.That(t, engine.NumSubsampled(), test.ShouldEqual, 2)
		test.That(t, engine.StagedValues(), test.ShouldBeEmpty)
		test.That(t, engine.StagedFactors(), test.ShouldBeEmpty)
	}

	test.That(t, engine.InsertSubmap(ctx, newSubmap(2, 2, translation(1, 0, 0))), test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	}
	test.That(t, engine.Poses(), test.ShouldHaveLength, 3)
}

// failingSolver rejects the first failures updates.
type failingSolver struct {
	Solver
	failures int
}

func (s *failingSolver) Update(newValues factorgraph.Values, newFactors []factorgraph.Factor) (factorgraph.Values, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("normal equations are singular")
	}
	return s.Solver.Update(newValues, newFactors)
}

func TestOptimizeRetriesAfterSolverFailure(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, testConfig())
	engine.smoother = &failingSolver{Solver: engine.smoother, failures: 2}
	for i := 0; i < 3; i++ {
		test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), translation(float64(i), 0, 0))), test.ShouldBeNil)
	}

	for i := 0; i < 2; i++ {
		err := engine.Optimize(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "optimization failed")
		test.That(t, engine.StagedValues(), test.ShouldHaveLength, 3)
		test.That(t, engine.smoother.NumValues(), test.ShouldEqual, 0)
	}
	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	test.That(t, engine.StagedValues(), test.ShouldBeEmpty)
	test.That(t, engine.smoother.NumValues(), test.ShouldEqual, 3)
	poses := engine.Poses()
	for i := 0; i < 3; i++ {
		test.That(t, spatialmath.PoseAlmostEqual(poses[factorgraph.Key(i)], translation(float64(i), 0, 0), 1e-6), test.ShouldBeTrue)
	}
}

func TestImplicitLoopFactors(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name        string
		maxDistance float64
		minOverlap  float64
		expected    int
	}{
		// the second grid is shifted by two of its five columns, leaving an overlap of 0.6
		{"within distance and overlap", 5, 0.5, 1},
		{"overlap below threshold", 5, 0.7, 0},
		{"too far apart", 0.5, 0.5, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.EnableBetweenFactors = false
			cfg.MaxImplicitLoopDistance = tc.maxDistance
			cfg.MinImplicitLoopOverlap = tc.minOverlap
			engine := newTestEngine(t, cfg)

			test.That(t, engine.InsertSubmap(ctx, newSubmap(0, 0, translation(0, 0, 0))), test.ShouldBeNil)
			test.That(t, engine.InsertSubmap(ctx, newSubmap(1, 1, translation(1, 0, 0))), test.ShouldBeNil)

			staged := engine.StagedFactors()
			counts := kinds(staged)
			test.That(t, counts[factorgraph.KindMatchingCost], test.ShouldEqual, tc.expected)
			test.That(t, counts[factorgraph.KindBetween], test.ShouldEqual, 0)
			for _, f := range staged {
				if f.Kind() == factorgraph.KindMatchingCost {
					test.That(t, f.Keys(), test.ShouldResemble, []factorgraph.Key{0, 1})
				}
			}
		})
	}
}

func TestLoopsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxImplicitLoopDistance = 5
	cfg.ReevaluateLoopsOnOptimize = true
	engine := newTestEngine(t, cfg)
	for i := 0; i < 3; i++ {
		test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), translation(float64(i)*0.5, 0, 0))), test.ShouldBeNil)
	}
	loops := engine.Graph().CountKind(factorgraph.KindMatchingCost)
	test.That(t, loops, test.ShouldEqual, 3)

	for i := 0; i < 2; i++ {
		test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
		test.That(t, engine.StagedFactors(), test.ShouldBeEmpty)
		test.That(t, engine.Graph().CountKind(factorgraph.KindMatchingCost), test.ShouldEqual, loops)
	}
}

func TestIMUFactors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.EnableIMU = true
	cfg.EnableBetweenFactors = false
	engine := newTestEngine(t, cfg)

	for i := 0; i <= 10; i++ {
		test.That(t, engine.InsertIMU(ctx, float64(i)*0.1, r3.Vector{Z: 9.81}, r3.Vector{Z: 0.2}), test.ShouldBeNil)
	}
	test.That(t, engine.InsertSubmap(ctx, newSubmap(0, 0, translation(0, 0, 0))), test.ShouldBeNil)
	test.That(t, kinds(engine.StagedFactors())[factorgraph.KindIMURotation], test.ShouldEqual, 0)

	origin := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 10}, r3.Vector{Z: 1}, 0.2)
	test.That(t, engine.InsertSubmap(ctx, newSubmap(1, 1, origin)), test.ShouldBeNil)
	var rotation *factorgraph.RotationFactor
	for _, f := range engine.StagedFactors() {
		if r, ok := f.(*factorgraph.RotationFactor); ok {
			rotation = r
		}
	}
	test.That(t, rotation, test.ShouldNotBeNil)
	test.That(t, spatialmath.RotationLog(rotation.Measured).Z, test.ShouldAlmostEqual, 0.2, 1e-9)

	// no samples remain between the second and a third submap
	test.That(t, engine.InsertSubmap(ctx, newSubmap(2, 2, translation(20, 0, 0))), test.ShouldBeNil)
	test.That(t, kinds(engine.StagedFactors())[factorgraph.KindIMURotation], test.ShouldEqual, 1)

	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	poses := engine.Poses()
	test.That(t, spatialmath.PoseAlmostEqual(poses[1], origin, 1e-6), test.ShouldBeTrue)
}

func TestGICPBetweenFactor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BetweenRegistrationType = RegistrationGICP
	engine := newTestEngine(t, cfg)

	truth := translation(0.3, 0, 0)
	world := gridCloud()
	test.That(t, engine.InsertSubmap(ctx, &Submap{ID: 0, OdomWorldOrigin: spatialmath.NewZeroPose(), Points: world}), test.ShouldBeNil)
	drifted := translation(0.32, 0.01, 0)
	test.That(t, engine.InsertSubmap(ctx, &Submap{
		ID:              1,
		Stamp:           1,
		OdomWorldOrigin: drifted,
		Points:          world.Transform(truth.Inverse()),
	}), test.ShouldBeNil)

	var between *factorgraph.BetweenFactor
	for _, f := range engine.StagedFactors() {
		if b, ok := f.(*factorgraph.BetweenFactor); ok {
			between = b
		}
	}
	test.That(t, between, test.ShouldNotBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(between.Measured, truth, 1e-6), test.ShouldBeTrue)

	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(engine.Poses()[1], truth, 1e-4), test.ShouldBeTrue)
}

func buildSavedEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxImplicitLoopDistance = 5
	cfg.RandomSamplingRate = 0.5
	engine := newTestEngine(t, cfg)
	for i := 0; i < 3; i++ {
		test.That(t, engine.InsertSubmap(ctx, newSubmap(i, float64(i), translation(float64(i)*0.5, 0, 0))), test.ShouldBeNil)
	}
	test.That(t, engine.Optimize(ctx), test.ShouldBeNil)
	// one staged submap survives the round trip as well
	test.That(t, engine.InsertSubmap(ctx, newSubmap(3, 3, translation(1.5, 0, 0))), test.ShouldBeNil)

	dir := filepath.Join(t.TempDir(), "map")
	test.That(t, engine.Save(ctx, dir), test.ShouldBeNil)
	return engine, dir
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	saved, dir := buildSavedEngine(t)

	loaded := newTestEngine(t, saved.Config())
	test.That(t, loaded.Load(ctx, dir), test.ShouldBeNil)
	test.That(t, loaded.MapID(), test.ShouldEqual, saved.MapID())
	test.That(t, loaded.NumSubmaps(), test.ShouldEqual, 4)
	test.That(t, loaded.NumSubsampled(), test.ShouldEqual, 4)
	test.That(t, loaded.NumVoxelized(), test.ShouldEqual, 4)

	savedPoses, loadedPoses := saved.Poses(), loaded.Poses()
	test.That(t, loadedPoses, test.ShouldHaveLength, len(savedPoses))
	for k, p := range savedPoses {
		test.That(t, spatialmath.PoseAlmostEqual(loadedPoses[k], p, 1e-12), test.ShouldBeTrue)
	}
	test.That(t, kinds(loaded.Graph().Factors()), test.ShouldResemble, kinds(saved.Graph().Factors()))
	test.That(t, loaded.Graph().Len(), test.ShouldEqual, saved.Graph().Len())

	for i := 0; i < 4; i++ {
		want, err := saved.Submap(i)
		test.That(t, err, test.ShouldBeNil)
		got, err := loaded.Submap(i)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Points, test.ShouldResemble, want.Points)
		test.That(t, got.Stamp, test.ShouldEqual, want.Stamp)
	}

	savedPoints, err := saved.ExportPoints(ctx)
	test.That(t, err, test.ShouldBeNil)
	loadedPoints, err := loaded.ExportPoints(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loadedPoints, test.ShouldHaveLength, len(savedPoints))

	test.That(t, loaded.Optimize(ctx), test.ShouldBeNil)
	test.That(t, loaded.StagedFactors(), test.ShouldBeEmpty)

	// further insertions do not reconnect loaded pairs
	test.That(t, loaded.InsertSubmap(ctx, newSubmap(4, 4, translation(2, 0, 0))), test.ShouldBeNil)
	for _, f := range loaded.StagedFactors() {
		test.That(t, f.Keys()[1], test.ShouldEqual, factorgraph.Key(4))
	}
}

func TestLoadDropsBufferedInputs(t *testing.T) {
	ctx := context.Background()
	saved, dir := buildSavedEngine(t)

	cfg := saved.Config()
	cfg.EnableIMU = true
	loaded := newTestEngine(t, cfg)
	test.That(t, loaded.InsertImage(ctx, 3, image.NewGray(image.Rect(0, 0, 2, 2))), test.ShouldBeNil)
	// these would bridge the last saved submap (stamp 3) and the next one
	for i := 0; i <= 10; i++ {
		test.That(t, loaded.InsertIMU(ctx, 3+float64(i)*0.1, r3.Vector{Z: 9.81}, r3.Vector{Z: 0.2}), test.ShouldBeNil)
	}

	test.That(t, loaded.Load(ctx, dir), test.ShouldBeNil)
	test.That(t, loaded.NumImages(), test.ShouldEqual, 0)
	test.That(t, loaded.InsertSubmap(ctx, newSubmap(4, 4, translation(2, 0, 0))), test.ShouldBeNil)
	test.That(t, kinds(loaded.StagedFactors())[factorgraph.KindIMURotation], test.ShouldEqual, 0)
}

func TestLoadFailureLeavesEngineUnchanged(t *testing.T) {
	ctx := context.Background()
	_, dir := buildSavedEngine(t)

	target := newTestEngine(t, testConfig())
	test.That(t, target.InsertSubmap(ctx, newSubmap(0, 0, translation(0, 0, 0))), test.ShouldBeNil)
	mapID := target.MapID()

	err := target.Load(ctx, filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)

	pointsPath := filepath.Join(dir, submapPath(2, pointsFile))
	data, err := os.ReadFile(pointsPath)
	test.That(t, err, test.ShouldBeNil)
	data[len(data)-1] ^= 0xFF
	test.That(t, os.WriteFile(pointsPath, data, filePermissions), test.ShouldBeNil)

	err = target.Load(ctx, dir)
	test.That(t, errors.Is(err, ErrCorruptMap), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "checksum")

	test.That(t, os.Remove(filepath.Join(dir, graphFile)), test.ShouldBeNil)
	test.That(t, target.Load(ctx, dir), test.ShouldNotBeNil)

	test.That(t, target.NumSubmaps(), test.ShouldEqual, 1)
	test.That(t, target.Poses(), test.ShouldHaveLength, 1)
	test.That(t, target.StagedValues(), test.ShouldHaveLength, 1)
	test.That(t, target.MapID(), test.ShouldEqual, mapID)
}
