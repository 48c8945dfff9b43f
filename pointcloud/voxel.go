package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/globalmap/spatialmath"
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// GetVoxelCoordinates computes the voxel containing pt on a grid of the given resolution
// anchored at the origin.
func GetVoxelCoordinates(pt r3.Vector, resolution float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(pt.X / resolution)),
		J: int64(math.Floor(pt.Y / resolution)),
		K: int64(math.Floor(pt.Z / resolution)),
	}
}

// Voxel accumulates the points that fell into one grid cell.
type Voxel struct {
	Key      VoxelCoords
	Count    int
	Sum      r3.Vector
	Centroid r3.Vector
}

func (v *Voxel) add(pt r3.Vector) {
	v.Count++
	v.Sum = v.Sum.Add(pt)
	v.Centroid = v.Sum.Mul(1 / float64(v.Count))
}

// VoxelMap is a sparse voxel grid over a point set.
type VoxelMap struct {
	Resolution float64
	Voxels     map[VoxelCoords]*Voxel
}

// NewVoxelMap voxelizes the points at the given resolution. A non-positive resolution yields an
// empty map.
func NewVoxelMap(points Cloud, resolution float64) *VoxelMap {
	vm := &VoxelMap{Resolution: resolution, Voxels: make(map[VoxelCoords]*Voxel)}
	if resolution <= 0 {
		return vm
	}
	for _, pt := range points {
		vm.Insert(pt)
	}
	return vm
}

// Insert adds a single point.
func (vm *VoxelMap) Insert(pt r3.Vector) {
	key := GetVoxelCoordinates(pt, vm.Resolution)
	v, ok := vm.Voxels[key]
	if !ok {
		v = &Voxel{Key: key}
		vm.Voxels[key] = v
	}
	v.add(pt)
}

// Size returns the number of occupied voxels.
func (vm *VoxelMap) Size() int {
	if vm == nil {
		return 0
	}
	return len(vm.Voxels)
}

// Occupied reports whether the voxel containing pt holds any point.
func (vm *VoxelMap) Occupied(pt r3.Vector) bool {
	if vm.Size() == 0 {
		return false
	}
	_, ok := vm.Voxels[GetVoxelCoordinates(pt, vm.Resolution)]
	return ok
}

// Lookup returns the voxel containing pt.
func (vm *VoxelMap) Lookup(pt r3.Vector) (*Voxel, bool) {
	if vm.Size() == 0 {
		return nil, false
	}
	v, ok := vm.Voxels[GetVoxelCoordinates(pt, vm.Resolution)]
	return v, ok
}

// Nearest returns the centroid closest to pt among the voxel containing pt and its 26
// neighbours, as long as it lies within maxDist.
func (vm *VoxelMap) Nearest(pt r3.Vector, maxDist float64) (r3.Vector, bool) {
	if vm.Size() == 0 {
		return r3.Vector{}, false
	}
	center := GetVoxelCoordinates(pt, vm.Resolution)
	best := math.Inf(1)
	var found r3.Vector
	for di := int64(-1); di <= 1; di++ {
		for dj := int64(-1); dj <= 1; dj++ {
			for dk := int64(-1); dk <= 1; dk++ {
				v, ok := vm.Voxels[VoxelCoords{I: center.I + di, J: center.J + dj, K: center.K + dk}]
				if !ok {
					continue
				}
				if d := v.Centroid.Sub(pt).Norm2(); d < best {
					best = d
					found = v.Centroid
				}
			}
		}
	}
	if math.IsInf(best, 1) || best > maxDist*maxDist {
		return r3.Vector{}, false
	}
	return found, true
}

// Overlap is the fraction of source points that land in an occupied voxel after being
// transformed by delta. An empty source or an empty map overlaps nothing.
func (vm *VoxelMap) Overlap(source Cloud, delta spatialmath.Pose) float64 {
	if len(source) == 0 || vm.Size() == 0 {
		return 0
	}
	hits := 0
	for _, pt := range source {
		if vm.Occupied(delta.Transform(pt)) {
			hits++
		}
	}
	return float64(hits) / float64(len(source))
}
