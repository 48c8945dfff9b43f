// Package globalmapping maintains a pose graph over submap origins and optimizes it
// incrementally. Engine holds the graph and is driven from a single goroutine; AsyncMapper wraps
// an Engine with lock free ingestion queues and a background optimization loop.
package globalmapping

import (
	"context"
	"image"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.opencensus.io/trace"

	"go.viam.com/globalmap/factorgraph"
	"go.viam.com/globalmap/imu"
	"go.viam.com/globalmap/isam"
	"go.viam.com/globalmap/logging"
	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

const exportCacheSize = 1024

// Mapper is the synchronous global mapping interface. Implementations are not safe for
// concurrent use.
type Mapper interface {
	InsertImage(ctx context.Context, stamp float64, img image.Image) error
	InsertIMU(ctx context.Context, stamp float64, acc, gyro r3.Vector) error
	InsertSubmap(ctx context.Context, submap *Submap) error
	Optimize(ctx context.Context) error
	Save(ctx context.Context, path string) error
	ExportPoints(ctx context.Context) (pointcloud.Cloud, error)
}

// Solver is the incremental optimizer behind an Engine. isam.Smoother implements it.
type Solver interface {
	Update(newValues factorgraph.Values, newFactors []factorgraph.Factor) (factorgraph.Values, error)
	Estimate() factorgraph.Values
	NumValues() int
	Factors() []factorgraph.Factor
	LastUpdate() isam.UpdateInfo
}

var _ Solver = (*isam.Smoother)(nil)

type submapPair struct {
	target, source int
}

type exportKey struct {
	index int
	pose  [7]float64
}

// Engine owns the submaps, their derived representations, the staged graph delta and the
// smoother.
type Engine struct {
	cfg    Config
	logger logging.Logger
	rng    *rand.Rand
	mapID  uuid.UUID

	imu *imu.Integrator

	submaps    []*Submap
	subsampled []pointcloud.Cloud
	voxelized  []*pointcloud.VoxelMap

	smoother   Solver
	estimates  factorgraph.Values
	newValues  factorgraph.Values
	newFactors []factorgraph.Factor
	connected  map[submapPair]struct{}

	images      int
	exportCache *lru.Cache[exportKey, pointcloud.Cloud]
}

// NewEngine validates the config and returns an empty engine.
func NewEngine(cfg Config, logger logging.Logger) (*Engine, error) {
	if err := cfg.Validate("global_mapping"); err != nil {
		return nil, err
	}
	cache, err := lru.New[exportKey, pointcloud.Cloud](exportCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		rng:         rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec
		mapID:       uuid.New(),
		exportCache: cache,
	}
	e.reset()
	if cfg.parallelMatchingCost() {
		logger.Info("evaluating matching cost factors in parallel")
	}
	return e, nil
}

func (e *Engine) reset() {
	e.submaps = nil
	e.subsampled = nil
	e.voxelized = nil
	e.smoother = isam.NewSmoother(e.cfg.SmootherParams(), e.logger.Sublogger("smoother"))
	e.estimates = factorgraph.Values{}
	e.newValues = factorgraph.Values{}
	e.newFactors = nil
	e.connected = map[submapPair]struct{}{}
	e.imu = imu.NewIntegrator(r3.Vector{})
	e.images = 0
	e.exportCache.Purge()
}

// Config returns the engine options.
func (e *Engine) Config() Config {
	return e.cfg
}

// MapID identifies the map across save and load.
func (e *Engine) MapID() uuid.UUID {
	return e.mapID
}

// InsertImage accepts a camera frame. Images do not constrain the graph; they are counted so
// front ends can verify delivery.
func (e *Engine) InsertImage(ctx context.Context, stamp float64, img image.Image) error {
	if img == nil {
		return errors.New("image is nil")
	}
	e.images++
	e.logger.Debugw("image inserted", "stamp", stamp, "bounds", img.Bounds().String())
	return nil
}

// NumImages returns how many images were inserted.
func (e *Engine) NumImages() int {
	return e.images
}

// InsertIMU buffers an IMU sample until the next submap consumes it. Stamps are not re-sorted.
func (e *Engine) InsertIMU(ctx context.Context, stamp float64, acc, gyro r3.Vector) error {
	if !e.cfg.EnableIMU {
		return nil
	}
	e.imu.Insert(stamp, acc, gyro)
	return nil
}

// InsertSubmap appends the submap, caches its subsampled and voxelized representations and
// stages its pose variable along with every factor tying it to the earlier submaps. A nil or
// non-finite submap is rejected before anything is changed.
func (e *Engine) InsertSubmap(ctx context.Context, submap *Submap) error {
	_, span := trace.StartSpan(ctx, "globalmapping::Engine::InsertSubmap")
	defer span.End()

	if err := submap.validate(); err != nil {
		return err
	}
	current := len(e.submaps)
	key := factorgraph.Key(current)

	subsampled := pointcloud.RandomSample(submap.Points, e.cfg.RandomSamplingRate, e.rng)
	e.submaps = append(e.submaps, submap)
	e.subsampled = append(e.subsampled, subsampled)
	e.voxelized = append(e.voxelized, pointcloud.NewVoxelMap(subsampled, e.cfg.SubmapVoxelResolution))

	var initial spatialmath.Pose
	if current == 0 {
		initial = submap.OdomWorldOrigin
		e.newFactors = append(e.newFactors, factorgraph.NewPriorFactor(key, initial, e.cfg.PriorSigma))
	} else {
		prev := e.submaps[current-1]
		odomDelta := spatialmath.PoseBetween(prev.OdomWorldOrigin, submap.OdomWorldOrigin)
		initial = e.estimates[key-1].Compose(odomDelta)
	}
	e.estimates[key] = initial
	e.newValues[key] = initial

	if current > 0 {
		if e.cfg.EnableBetweenFactors {
			e.newFactors = append(e.newFactors, e.createBetweenFactors(current)...)
		}
		if e.cfg.EnableIMU {
			e.newFactors = append(e.newFactors, e.createIMUFactors(current)...)
		}
	}
	e.newFactors = append(e.newFactors, e.createMatchingCostFactors(current)...)

	e.logger.Debugw("submap inserted",
		"index", current,
		"id", submap.ID,
		"points", len(submap.Points),
		"subsampled", len(subsampled),
		"staged_factors", len(e.newFactors))
	return nil
}

// createBetweenFactors ties submap current to its predecessor with the odometry delta, refined by
// registration when configured.
func (e *Engine) createBetweenFactors(current int) []factorgraph.Factor {
	prev := e.submaps[current-1]
	delta := spatialmath.PoseBetween(prev.OdomWorldOrigin, e.submaps[current].OdomWorldOrigin)

	if e.cfg.BetweenRegistrationType == RegistrationGICP {
		result, err := pointcloud.RegisterICP(
			e.subsampled[current],
			e.voxelized[current-1],
			delta,
			pointcloud.DefaultICPParams(e.cfg.SubmapVoxelResolution),
		)
		switch {
		case err != nil:
			e.logger.Warnw("between registration failed, using odometry", "index", current, "error", err)
		case !result.Converged:
			e.logger.Warnw("between registration did not converge, using odometry",
				"index", current, "iterations", result.Iterations)
		default:
			delta = result.Pose
		}
	}

	return []factorgraph.Factor{&factorgraph.BetweenFactor{
		From:     factorgraph.Key(current - 1),
		To:       factorgraph.Key(current),
		Measured: delta,
		Sigmas:   e.cfg.betweenSigmas(),
	}}
}

// createIMUFactors bridges the stamps of submap current and its predecessor with the integrated
// gyro rotation. Consumed samples are dropped.
func (e *Engine) createIMUFactors(current int) []factorgraph.Factor {
	from, to := e.submaps[current-1].Stamp, e.submaps[current].Stamp
	delta, used := e.imu.Integrate(from, to)
	e.imu.EraseBefore(to)
	if used < 2 || delta.Duration <= 0 {
		e.logger.Debugw("not enough imu samples for a factor", "index", current, "samples", used)
		return nil
	}
	return []factorgraph.Factor{&factorgraph.RotationFactor{
		From:     factorgraph.Key(current - 1),
		To:       factorgraph.Key(current),
		Measured: delta.Rotation,
		Sigma:    e.cfg.IMURotationSigma,
	}}
}

// createMatchingCostFactors connects submap current to every earlier submap that lies within
// max_implicit_loop_distance of it and overlaps it by at least min_implicit_loop_overlap, using
// the current estimates. Pairs that are already connected are skipped.
func (e *Engine) createMatchingCostFactors(current int) []factorgraph.Factor {
	var factors []factorgraph.Factor
	source := e.estimates[factorgraph.Key(current)]
	for i := 0; i < current; i++ {
		pair := submapPair{target: i, source: current}
		if _, ok := e.connected[pair]; ok {
			continue
		}
		target := e.estimates[factorgraph.Key(i)]
		if target.Distance(source) > e.cfg.MaxImplicitLoopDistance {
			continue
		}
		overlap := e.voxelized[i].Overlap(e.subsampled[current], spatialmath.PoseBetween(target, source))
		if overlap < e.cfg.MinImplicitLoopOverlap {
			continue
		}
		factors = append(factors, e.newMatchingCostFactor(i, current))
		e.connected[pair] = struct{}{}
		e.logger.Debugw("implicit loop", "target", i, "source", current, "overlap", overlap)
	}
	return factors
}

func (e *Engine) newMatchingCostFactor(target, source int) *factorgraph.MatchingCostFactor {
	return &factorgraph.MatchingCostFactor{
		Target:                    factorgraph.Key(target),
		Source:                    factorgraph.Key(source),
		TargetVoxels:              e.voxelized[target],
		SourcePoints:              e.subsampled[source],
		Sigma:                     e.cfg.MatchingCostSigma,
		MaxCorrespondenceDistance: e.cfg.SubmapVoxelResolution,
		Parallel:                  e.cfg.parallelMatchingCost(),
	}
}

// Optimize hands the staged values and factors to the smoother in one batch and adopts its
// estimates. If the smoother rejects the batch it is left untouched and the delta stays staged.
// With reevaluate_loops_on_optimize the loops found against the refreshed estimates are submitted
// within the same call, so a second Optimize with no insertions in between changes nothing.
func (e *Engine) Optimize(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "globalmapping::Engine::Optimize")
	defer span.End()

	if len(e.newValues) == 0 && len(e.newFactors) == 0 {
		return nil
	}
	if err := e.submitStaged(); err != nil {
		return err
	}

	if e.cfg.ReevaluateLoopsOnOptimize {
		for j := 1; j < len(e.submaps); j++ {
			e.newFactors = append(e.newFactors, e.createMatchingCostFactors(j)...)
		}
		if len(e.newFactors) > 0 {
			e.logger.Infow("re-evaluated implicit loops", "new_factors", len(e.newFactors))
			return e.submitStaged()
		}
	}
	return nil
}

func (e *Engine) submitStaged() error {
	estimates, err := e.smoother.Update(e.newValues, e.newFactors)
	if err != nil {
		return errors.Wrap(err, "optimization failed")
	}
	info := e.smoother.LastUpdate()
	if !info.Converged {
		e.logger.Debugw("optimization did not converge", "iterations", info.Iterations, "error", info.FinalError)
	}
	e.estimates = estimates
	e.newValues = factorgraph.Values{}
	e.newFactors = nil
	return nil
}

// ExportPoints returns every submap's points transformed by one snapshot of the estimates.
func (e *Engine) ExportPoints(ctx context.Context) (pointcloud.Cloud, error) {
	_, span := trace.StartSpan(ctx, "globalmapping::Engine::ExportPoints")
	defer span.End()

	snapshot := e.estimates.Clone()
	total := lo.SumBy(e.submaps, func(submap *Submap) int { return len(submap.Points) })
	out := make(pointcloud.Cloud, 0, total)
	for i, submap := range e.submaps {
		pose := snapshot[factorgraph.Key(i)]
		key := exportKey{index: i, pose: pose.Array()}
		transformed, ok := e.exportCache.Get(key)
		if !ok {
			transformed = submap.Points.Transform(pose)
			e.exportCache.Add(key, transformed)
		}
		out = append(out, transformed...)
	}
	return out, nil
}

// NumSubmaps returns the number of inserted submaps.
func (e *Engine) NumSubmaps() int {
	return len(e.submaps)
}

// NumSubsampled returns the number of cached subsampled representations.
func (e *Engine) NumSubsampled() int {
	return len(e.subsampled)
}

// NumVoxelized returns the number of cached voxelized representations.
func (e *Engine) NumVoxelized() int {
	return len(e.voxelized)
}

// StagedFactors returns the factors waiting for the next optimization.
func (e *Engine) StagedFactors() []factorgraph.Factor {
	return append([]factorgraph.Factor(nil), e.newFactors...)
}

// StagedValues returns the pose variables waiting for the next optimization.
func (e *Engine) StagedValues() factorgraph.Values {
	return e.newValues.Clone()
}

// Graph returns every factor, those absorbed by the smoother followed by the staged ones.
func (e *Engine) Graph() *factorgraph.Graph {
	graph := factorgraph.NewGraph(e.smoother.Factors()...)
	graph.Add(e.newFactors...)
	return graph
}

// Poses returns the current pose estimate of every submap.
func (e *Engine) Poses() factorgraph.Values {
	return e.estimates.Clone()
}

// Submap returns the i-th inserted submap.
func (e *Engine) Submap(i int) (*Submap, error) {
	if i < 0 || i >= len(e.submaps) {
		return nil, errors.Errorf("no submap %d, have %d", i, len(e.submaps))
	}
	return e.submaps[i], nil
}
