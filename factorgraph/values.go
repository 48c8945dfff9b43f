// Package factorgraph holds the pose graph over submap origins: keyed pose values and the
// factors constraining them.
package factorgraph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/globalmap/spatialmath"
)

// Key identifies a pose variable. Submap i is keyed by Key(i).
type Key int

func (k Key) String() string {
	return fmt.Sprintf("x%d", int(k))
}

// Values maps keys to pose estimates.
type Values map[Key]spatialmath.Pose

// Keys returns the keys in ascending order.
func (v Values) Keys() []Key {
	keys := make([]Key, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns a shallow copy; poses are values so the copy is independent.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, p := range v {
		out[k] = p
	}
	return out
}

// Poses returns the poses for keys, failing on the first missing key.
func (v Values) Poses(keys []Key) ([]spatialmath.Pose, error) {
	poses := make([]spatialmath.Pose, len(keys))
	for i, k := range keys {
		p, ok := v[k]
		if !ok {
			return nil, errors.Errorf("no value for key %s", k)
		}
		poses[i] = p
	}
	return poses, nil
}
