// Package main replays recorded submaps through the global mapping backend and inspects saved
// maps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/globalmap/events"
	"go.viam.com/globalmap/globalmapping"
	"go.viam.com/globalmap/logging"
	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

const (
	flagInput         = "input"
	flagOutput        = "output"
	flagConfig        = "config"
	flagExport        = "export"
	flagMap           = "map"
	flagOptimizeEvery = "optimize-every"
	flagASCII         = "ascii"
	flagLogFile       = "log-file"

	imuFile = "imu.json"
)

// recordedSubmap is the metadata stored next to each NNNNNN.pcd in a replay directory.
type recordedSubmap struct {
	Stamp           float64    `json:"stamp"`
	OdomWorldOrigin [7]float64 `json:"odom_world_origin"`
}

type recordedIMU struct {
	Stamp float64    `json:"stamp"`
	Acc   [3]float64 `json:"acc"`
	Gyro  [3]float64 `json:"gyro"`
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Global().Fatal(err)
	}
}

func newApp() *cli.App {
	var logger logging.Logger
	var logFile *lumberjack.Logger

	return &cli.App{
		Name:  "globalmap",
		Usage: "build and inspect global point cloud maps",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.PathFlag{
				Name:  flagLogFile,
				Usage: "also write logs to this rotated `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			level := logging.INFO
			if c.Bool("debug") {
				level = logging.DEBUG
			}
			if path := c.Path(flagLogFile); path != "" {
				logFile = &lumberjack.Logger{
					Filename:   path,
					MaxSize:    100,
					MaxBackups: 2,
					Compress:   true,
				}
				logger = logging.NewTeeLogger("globalmap", level, logFile)
			} else if level == logging.DEBUG {
				logger = logging.NewDebugLogger("globalmap")
			} else {
				logger = logging.NewLogger("globalmap")
			}
			logging.ReplaceGlobal(logger)
			return nil
		},
		After: func(c *cli.Context) error {
			if logFile == nil {
				return nil
			}
			return logFile.Close()
		},
		Commands: []*cli.Command{
			{
				Name:  "replay",
				Usage: "feed a directory of recorded submaps through the backend and save the map",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagInput, Required: true, Usage: "directory of NNNNNN.pcd and NNNNNN.json files"},
					&cli.PathFlag{Name: flagOutput, Required: true, Usage: "directory to save the map to"},
					&cli.PathFlag{Name: flagConfig, Usage: "engine config `FILE` (.json or .toml)"},
					&cli.PathFlag{Name: flagExport, Usage: "also write the global cloud to this PCD `FILE`"},
					&cli.IntFlag{Name: flagOptimizeEvery, Value: 10, Usage: "request an optimization every N submaps"},
					&cli.BoolFlag{Name: flagASCII, Usage: "write the exported cloud as ascii PCD"},
				},
				Action: func(c *cli.Context) error {
					return replay(c, logger)
				},
			},
			{
				Name:  "optimize",
				Usage: "load a saved map, optimize it and save it back",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagMap, Required: true},
					&cli.PathFlag{Name: flagConfig, Usage: "engine config `FILE` (.json or .toml)"},
				},
				Action: func(c *cli.Context) error {
					engine, err := loadEngine(c, logger)
					if err != nil {
						return err
					}
					if err := engine.Optimize(c.Context); err != nil {
						return err
					}
					return engine.Save(c.Context, c.Path(flagMap))
				},
			},
			{
				Name:  "export",
				Usage: "write the global cloud of a saved map as PCD",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagMap, Required: true},
					&cli.PathFlag{Name: flagOutput, Required: true, Usage: "PCD `FILE` to write"},
					&cli.PathFlag{Name: flagConfig, Usage: "engine config `FILE` (.json or .toml)"},
					&cli.BoolFlag{Name: flagASCII, Usage: "write ascii instead of binary PCD"},
				},
				Action: func(c *cli.Context) error {
					engine, err := loadEngine(c, logger)
					if err != nil {
						return err
					}
					return exportPoints(c.Context, engine, c.Path(flagOutput), c.Bool(flagASCII))
				},
			},
		},
	}
}

func readConfig(c *cli.Context) (globalmapping.Config, error) {
	if path := c.Path(flagConfig); path != "" {
		return globalmapping.ReadConfig(path)
	}
	return globalmapping.DefaultConfig(), nil
}

func loadEngine(c *cli.Context, logger logging.Logger) (*globalmapping.Engine, error) {
	cfg, err := readConfig(c)
	if err != nil {
		return nil, err
	}
	engine, err := globalmapping.NewEngine(cfg, logger.Sublogger("engine"))
	if err != nil {
		return nil, err
	}
	if err := engine.Load(c.Context, c.Path(flagMap)); err != nil {
		return nil, err
	}
	return engine, nil
}

func replay(c *cli.Context, logger logging.Logger) (err error) {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	input := c.Path(flagInput)
	ids, err := listSubmaps(input)
	if err != nil {
		return err
	}
	samples, err := readIMU(input)
	if err != nil {
		return err
	}

	engine, err := globalmapping.NewEngine(cfg, logger.Sublogger("engine"))
	if err != nil {
		return err
	}
	hub := events.NewHub(logger.Sublogger("hub"))
	defer hub.Close()
	mapper, err := globalmapping.NewAsyncMapper(engine, hub, globalmapping.DefaultAsyncConfig(), logger.Sublogger("async"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, mapper.Close(context.Background()))
	}()

	submaps, err := readSubmaps(c.Context, input, ids)
	if err != nil {
		return err
	}

	next := 0
	every := c.Int(flagOptimizeEvery)
	for n, submap := range submaps {
		// IMU samples up to the submap stamp go in first
		for ; next < len(samples) && samples[next].Stamp <= submap.Stamp; next++ {
			s := samples[next]
			if err := mapper.InsertIMU(s.Stamp, r3.Vector{X: s.Acc[0], Y: s.Acc[1], Z: s.Acc[2]},
				r3.Vector{X: s.Gyro[0], Y: s.Gyro[1], Z: s.Gyro[2]}); err != nil {
				return err
			}
		}
		if err := mapper.InsertSubmap(submap); err != nil {
			return err
		}
		if every > 0 && (n+1)%every == 0 {
			hub.RequestOptimize()
		}
	}
	mapper.Join()
	logger.Infow("replay finished", "submaps", engine.NumSubmaps())

	if err := engine.Optimize(c.Context); err != nil {
		return err
	}
	if err := engine.Save(c.Context, c.Path(flagOutput)); err != nil {
		return err
	}
	if export := c.Path(flagExport); export != "" {
		return exportPoints(c.Context, engine, export, c.Bool(flagASCII))
	}
	return nil
}

// listSubmaps returns the numeric names of every NNNNNN.pcd in dir in increasing order.
func listSubmaps(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".pcd" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".pcd"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("no submaps found in %s", dir)
	}
	sort.Ints(ids)
	return ids, nil
}

// readSubmaps reads the given submaps concurrently, keeping their order.
func readSubmaps(ctx context.Context, dir string, ids []int) ([]*globalmapping.Submap, error) {
	submaps := make([]*globalmapping.Submap, len(ids))
	errs, ctx := errgroup.WithContext(ctx)
	errs.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		errs.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			submap, err := readSubmap(dir, id)
			if err != nil {
				return err
			}
			submaps[i] = submap
			return nil
		})
	}
	if err := errs.Wait(); err != nil {
		return nil, err
	}
	return submaps, nil
}

func readSubmap(dir string, id int) (*globalmapping.Submap, error) {
	base := filepath.Join(dir, fmt.Sprintf("%06d", id))
	//nolint:gosec
	meta, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, errors.Wrapf(err, "submap %d has no metadata", id)
	}
	var rec recordedSubmap
	if err := json.Unmarshal(meta, &rec); err != nil {
		return nil, errors.Wrapf(err, "cannot parse metadata of submap %d", id)
	}
	//nolint:gosec
	f, err := os.Open(base + ".pcd")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	points, err := pointcloud.ReadPCD(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read points of submap %d", id)
	}
	return &globalmapping.Submap{
		ID:              id,
		Stamp:           rec.Stamp,
		OdomWorldOrigin: spatialmath.NewPoseFromArray(rec.OdomWorldOrigin),
		Points:          points,
	}, nil
}

// readIMU reads the optional imu.json of a replay directory, sorted by stamp.
func readIMU(dir string) ([]recordedIMU, error) {
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, imuFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var samples []recordedIMU
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", imuFile)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Stamp < samples[j].Stamp
	})
	return samples, nil
}

func exportPoints(ctx context.Context, engine *globalmapping.Engine, path string, ascii bool) (err error) {
	points, err := engine.ExportPoints(ctx)
	if err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	format := pointcloud.PCDBinary
	if ascii {
		format = pointcloud.PCDAscii
	}
	return pointcloud.ToPCD(points, f, format)
}
