package globalmapping

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"github.com/golang/geo/r3"

	"go.viam.com/globalmap/pointcloud"
	"go.viam.com/globalmap/spatialmath"
)

// Submap is a locally built chunk of the map handed over by the front end. It must not be
// modified after it is inserted.
type Submap struct {
	ID    int
	Stamp float64
	// OdomWorldOrigin is the origin pose estimated by the front end's odometry.
	OdomWorldOrigin spatialmath.Pose
	// Points are expressed in the submap origin frame.
	Points pointcloud.Cloud
}

// validate rejects a submap that would poison the solver.
func (s *Submap) validate() error {
	if s == nil {
		return ErrNilSubmap
	}
	if !s.OdomWorldOrigin.IsFinite() {
		return errors.Wrapf(ErrNonFiniteSubmap, "submap %d origin %v", s.ID, s.OdomWorldOrigin.Array())
	}
	if !finite(s.Stamp) {
		return errors.Wrapf(ErrNonFiniteSubmap, "submap %d stamp %v", s.ID, s.Stamp)
	}
	for i, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return errors.Wrapf(ErrNonFiniteSubmap, "submap %d point %d", s.ID, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// submapMeta is the on-disk description of a submap next to its point files.
type submapMeta struct {
	ID              int        `json:"id"`
	Stamp           float64    `json:"stamp"`
	OdomWorldOrigin [7]float64 `json:"odom_world_origin"`
	NumPoints       int        `json:"num_points"`
	NumSubsampled   int        `json:"num_subsampled"`
}

type imageItem struct {
	stamp float64
	img   image.Image
}

// imuItem packs stamp, acceleration and angular velocity the way they travel through the queue.
type imuItem [7]float64

func newIMUItem(stamp float64, acc, gyro r3.Vector) imuItem {
	return imuItem{stamp, acc.X, acc.Y, acc.Z, gyro.X, gyro.Y, gyro.Z}
}

func (item imuItem) decode() (float64, r3.Vector, r3.Vector) {
	return item[0], r3.Vector{X: item[1], Y: item[2], Z: item[3]}, r3.Vector{X: item[4], Y: item[5], Z: item[6]}
}
