package globalmapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.viam.com/globalmap/factorgraph"
	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
	"go.viam.com/globalmap/utils"
)

const (
	formatVersion   = 1
	manifestFile    = "manifest.json"
	graphFile       = "graph.msgpack"
	submapsDir      = "submaps"
	submapMetaFile  = "submap.json"
	pointsFile      = "points.pcd"
	subsampledFile  = "subsampled.pcd"
	dirPermissions  = 0o750
	filePermissions = 0o640
)

type manifest struct {
	Version    int               `json:"version"`
	MapID      string            `json:"map_id"`
	NumSubmaps int               `json:"num_submaps"`
	Config     Config            `json:"config"`
	Checksums  map[string]string `json:"checksums"`
}

type savedGraph struct {
	Keys     []factorgraph.Key    `msgpack:"keys"`
	Poses    [][7]float64         `msgpack:"poses"`
	Staged   []factorgraph.Key    `msgpack:"staged_keys"`
	Absorbed []factorgraph.Record `msgpack:"absorbed"`
	Pending  []factorgraph.Record `msgpack:"pending"`
}

func submapPath(i int, name string) string {
	return filepath.Join(submapsDir, fmt.Sprintf("%06d", i), name)
}

func checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// checksumSet collects file checksums from parallel writers.
type checksumSet struct {
	mu   sync.Mutex
	sums map[string]string
}

func (cs *checksumSet) add(rel string, data []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sums[rel] = checksum(data)
}

// Save writes the submaps, their point data, the estimates and the complete factor set under
// path. The manifest is written last, so a directory without one is an incomplete save.
func (e *Engine) Save(ctx context.Context, path string) error {
	ctx, span := trace.StartSpan(ctx, "globalmapping::Engine::Save")
	defer span.End()

	if err := os.MkdirAll(filepath.Join(path, submapsDir), dirPermissions); err != nil {
		return errors.Wrap(err, "cannot create map directory")
	}
	sums := &checksumSet{sums: map[string]string{}}

	graph, err := e.encodeGraph()
	if err != nil {
		return err
	}
	if err := writeFile(path, graphFile, graph); err != nil {
		return err
	}
	sums.add(graphFile, graph)

	writers := make([]utils.SimpleFunc, 0, len(e.submaps))
	for i := range e.submaps {
		i := i
		writers = append(writers, func(ctx context.Context) error {
			return e.saveSubmap(ctx, path, i, sums)
		})
	}
	if _, err := utils.RunInParallel(ctx, writers); err != nil {
		return errors.Wrap(err, "cannot save submaps")
	}

	m := manifest{
		Version:    formatVersion,
		MapID:      e.mapID.String(),
		NumSubmaps: len(e.submaps),
		Config:     e.cfg,
		Checksums:  sums.sums,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(path, manifestFile, data); err != nil {
		return err
	}
	e.logger.Infow("map saved", "path", path, "submaps", len(e.submaps), "map_id", m.MapID)
	return nil
}

func (e *Engine) encodeGraph() ([]byte, error) {
	saved := savedGraph{Keys: e.estimates.Keys(), Staged: e.newValues.Keys()}
	for _, k := range saved.Keys {
		saved.Poses = append(saved.Poses, e.estimates[k].Array())
	}
	for _, f := range e.smoother.Factors() {
		rec, err := factorgraph.ToRecord(f)
		if err != nil {
			return nil, err
		}
		saved.Absorbed = append(saved.Absorbed, rec)
	}
	for _, f := range e.newFactors {
		rec, err := factorgraph.ToRecord(f)
		if err != nil {
			return nil, err
		}
		saved.Pending = append(saved.Pending, rec)
	}
	return msgpack.Marshal(&saved)
}

func (e *Engine) saveSubmap(ctx context.Context, path string, i int, sums *checksumSet) error {
	if err := os.MkdirAll(filepath.Join(path, filepath.Dir(submapPath(i, ""))), dirPermissions); err != nil {
		return err
	}
	submap := e.submaps[i]
	meta, err := json.MarshalIndent(submapMeta{
		ID:              submap.ID,
		Stamp:           submap.Stamp,
		OdomWorldOrigin: submap.OdomWorldOrigin.Array(),
		NumPoints:       len(submap.Points),
		NumSubsampled:   len(e.subsampled[i]),
	}, "", "  ")
	if err != nil {
		return err
	}

	var points, subsampled bytes.Buffer
	err = multierr.Combine(
		pointcloud.ToPCD(submap.Points, &points, pointcloud.PCDBinary),
		pointcloud.ToPCD(e.subsampled[i], &subsampled, pointcloud.PCDBinary),
	)
	if err != nil {
		return err
	}
	for name, data := range map[string][]byte{
		submapMetaFile: meta,
		pointsFile:     points.Bytes(),
		subsampledFile: subsampled.Bytes(),
	} {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := submapPath(i, name)
		if err := writeFile(path, rel, data); err != nil {
			return err
		}
		sums.add(rel, data)
	}
	return nil
}

func writeFile(root, rel string, data []byte) error {
	if err := os.WriteFile(filepath.Join(root, rel), data, filePermissions); err != nil {
		return errors.Wrapf(err, "cannot write %s", rel)
	}
	return nil
}

// verifiedReader reads files listed in a manifest and checks them against their checksum.
type verifiedReader struct {
	root string
	sums map[string]string
}

func (vr verifiedReader) read(rel string) ([]byte, error) {
	want, ok := vr.sums[rel]
	if !ok {
		return nil, errors.Wrapf(ErrCorruptMap, "%s is not listed in the manifest", rel)
	}
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(vr.root, rel))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", rel)
	}
	if got := checksum(data); got != want {
		return nil, errors.Wrapf(ErrCorruptMap, "checksum mismatch for %s", rel)
	}
	return data, nil
}

// loadedState is everything Load builds before swapping it into the engine.
type loadedState struct {
	mapID      uuid.UUID
	resolution float64
	submaps    []*Submap
	subsampled []pointcloud.Cloud
	voxelized  []*pointcloud.VoxelMap
	estimates  factorgraph.Values
	staged     factorgraph.Values
	factors    []factorgraph.Factor
	pending    int
}

func (ls *loadedState) Voxelized(key factorgraph.Key) (*pointcloud.VoxelMap, error) {
	if int(key) < 0 || int(key) >= len(ls.voxelized) {
		return nil, errors.Wrapf(ErrCorruptMap, "factor references missing submap %s", key)
	}
	return ls.voxelized[key], nil
}

func (ls *loadedState) Subsampled(key factorgraph.Key) (pointcloud.Cloud, error) {
	if int(key) < 0 || int(key) >= len(ls.subsampled) {
		return nil, errors.Wrapf(ErrCorruptMap, "factor references missing submap %s", key)
	}
	return ls.subsampled[key], nil
}

// Load replaces the engine state with a map written by Save. Every file is verified before
// anything is replaced; on error the engine is left unchanged. The loaded factors and values are
// staged so the next Optimize hands the whole graph to a fresh smoother.
func (e *Engine) Load(ctx context.Context, path string) error {
	ctx, span := trace.StartSpan(ctx, "globalmapping::Engine::Load")
	defer span.End()

	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(path, manifestFile))
	if err != nil {
		return errors.Wrap(err, "cannot read manifest")
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrapf(ErrCorruptMap, "invalid manifest: %v", err)
	}
	if m.Version != formatVersion {
		return errors.Errorf("unsupported map version %d", m.Version)
	}
	if m.NumSubmaps < 0 {
		return errors.Wrapf(ErrCorruptMap, "invalid submap count %d", m.NumSubmaps)
	}
	mapID, err := uuid.Parse(m.MapID)
	if err != nil {
		return errors.Wrapf(ErrCorruptMap, "invalid map id: %v", err)
	}
	if m.Config.SubmapVoxelResolution <= 0 {
		return errors.Wrap(ErrCorruptMap, "invalid submap_voxel_resolution")
	}
	if m.Config.SubmapVoxelResolution != e.cfg.SubmapVoxelResolution {
		e.logger.Warnw("map was built with a different voxel resolution, keeping it for loaded submaps",
			"saved", m.Config.SubmapVoxelResolution, "configured", e.cfg.SubmapVoxelResolution)
	}

	reader := verifiedReader{root: path, sums: m.Checksums}
	state := &loadedState{
		mapID:      mapID,
		resolution: m.Config.SubmapVoxelResolution,
		submaps:    make([]*Submap, m.NumSubmaps),
		subsampled: make([]pointcloud.Cloud, m.NumSubmaps),
		voxelized:  make([]*pointcloud.VoxelMap, m.NumSubmaps),
	}
	readers := make([]utils.SimpleFunc, 0, m.NumSubmaps)
	for i := 0; i < m.NumSubmaps; i++ {
		i := i
		readers = append(readers, func(ctx context.Context) error {
			return state.loadSubmap(reader, i)
		})
	}
	if _, err := utils.RunInParallel(ctx, readers); err != nil {
		return err
	}

	graphData, err := reader.read(graphFile)
	if err != nil {
		return err
	}
	if err := state.decodeGraph(graphData); err != nil {
		return err
	}

	e.reset()
	e.mapID = state.mapID
	e.submaps = state.submaps
	e.subsampled = state.subsampled
	e.voxelized = state.voxelized
	e.estimates = state.estimates
	e.newValues = state.estimates.Clone()
	e.newFactors = state.factors
	for _, f := range state.factors {
		if f.Kind() == factorgraph.KindMatchingCost {
			keys := f.Keys()
			e.connected[submapPair{target: int(keys[0]), source: int(keys[1])}] = struct{}{}
		}
	}
	e.logger.Infow("map loaded",
		"path", path,
		"map_id", e.mapID.String(),
		"submaps", len(e.submaps),
		"factors", len(e.newFactors),
		"pending_factors", state.pending,
		"staged_values", len(state.staged))
	return nil
}

func (ls *loadedState) loadSubmap(reader verifiedReader, i int) error {
	metaData, err := reader.read(submapPath(i, submapMetaFile))
	if err != nil {
		return err
	}
	var meta submapMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return errors.Wrapf(ErrCorruptMap, "submap %d: %v", i, err)
	}
	pointsData, err := reader.read(submapPath(i, pointsFile))
	if err != nil {
		return err
	}
	points, err := pointcloud.ReadPCD(bytes.NewReader(pointsData))
	if err != nil {
		return errors.Wrapf(ErrCorruptMap, "submap %d points: %v", i, err)
	}
	subData, err := reader.read(submapPath(i, subsampledFile))
	if err != nil {
		return err
	}
	subsampled, err := pointcloud.ReadPCD(bytes.NewReader(subData))
	if err != nil {
		return errors.Wrapf(ErrCorruptMap, "submap %d subsampled points: %v", i, err)
	}
	if len(points) != meta.NumPoints || len(subsampled) != meta.NumSubsampled {
		return errors.Wrapf(ErrCorruptMap, "submap %d point counts do not match its description", i)
	}

	ls.submaps[i] = &Submap{
		ID:              meta.ID,
		Stamp:           meta.Stamp,
		OdomWorldOrigin: spatialmath.NewPoseFromArray(meta.OdomWorldOrigin),
		Points:          points,
	}
	ls.subsampled[i] = subsampled
	ls.voxelized[i] = pointcloud.NewVoxelMap(subsampled, ls.resolution)
	return nil
}

func (ls *loadedState) decodeGraph(data []byte) error {
	var saved savedGraph
	if err := msgpack.Unmarshal(data, &saved); err != nil {
		return errors.Wrapf(ErrCorruptMap, "graph: %v", err)
	}
	if len(saved.Keys) != len(ls.submaps) || len(saved.Poses) != len(saved.Keys) {
		return errors.Wrapf(ErrCorruptMap, "graph has %d poses for %d submaps", len(saved.Poses), len(ls.submaps))
	}
	ls.estimates = factorgraph.Values{}
	for i, k := range saved.Keys {
		if int(k) != i {
			return errors.Wrapf(ErrCorruptMap, "graph key %s out of order", k)
		}
		ls.estimates[k] = spatialmath.NewPoseFromArray(saved.Poses[i])
	}
	ls.staged = factorgraph.Values{}
	for _, k := range saved.Staged {
		p, ok := ls.estimates[k]
		if !ok {
			return errors.Wrapf(ErrCorruptMap, "staged key %s has no pose", k)
		}
		ls.staged[k] = p
	}

	records := append(append([]factorgraph.Record(nil), saved.Absorbed...), saved.Pending...)
	ls.pending = len(saved.Pending)
	ls.factors = make([]factorgraph.Factor, 0, len(records))
	for _, rec := range records {
		for _, k := range rec.Keys {
			if _, ok := ls.estimates[k]; !ok {
				return errors.Wrapf(ErrCorruptMap, "%s factor references unknown %s", rec.Kind, k)
			}
		}
		f, err := factorgraph.FromRecord(rec, ls)
		if err != nil {
			return errors.Wrapf(ErrCorruptMap, "%v", err)
		}
		ls.factors = append(ls.factors, f)
	}
	return nil
}
