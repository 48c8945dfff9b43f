// Package pointcloud holds the point set operations the mapping backend needs: random
// subsampling, sparse voxel maps, overlap estimation, point-to-centroid registration and the
// PCD file codec. All coordinates are in meters.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/globalmap/spatialmath"
)

// Cloud is an ordered sequence of points. Duplicates are allowed.
type Cloud []r3.Vector

// Size returns the number of points.
func (c Cloud) Size() int {
	return len(c)
}

// Transform returns a new cloud with every point mapped through the pose.
func (c Cloud) Transform(pose spatialmath.Pose) Cloud {
	out := make(Cloud, len(c))
	for i, p := range c {
		out[i] = pose.Transform(p)
	}
	return out
}

// Centroid returns the mean of the points, or the zero vector for an empty cloud.
func (c Cloud) Centroid() r3.Vector {
	if len(c) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(c)))
}

// MetaData contains the axis aligned bounds of a cloud.
type MetaData struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// Bounds computes the axis aligned bounding box of the cloud.
func (c Cloud) Bounds() MetaData {
	md := MetaData{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
		MinZ: math.Inf(1), MaxZ: math.Inf(-1),
	}
	for _, p := range c {
		md.MinX = math.Min(md.MinX, p.X)
		md.MaxX = math.Max(md.MaxX, p.X)
		md.MinY = math.Min(md.MinY, p.Y)
		md.MaxY = math.Max(md.MaxY, p.Y)
		md.MinZ = math.Min(md.MinZ, p.Z)
		md.MaxZ = math.Max(md.MaxZ, p.Z)
	}
	return md
}
