package pointcloud

import (
	"math/rand"
)

// RandomSample keeps each point independently with probability rate. A rate at or above one
// returns a copy of the input; a rate at or below zero returns an empty cloud. The result
// preserves input order.
func RandomSample(points Cloud, rate float64, rng *rand.Rand) Cloud {
	if rate >= 1 {
		return append(Cloud(nil), points...)
	}
	if rate <= 0 || len(points) == 0 {
		return Cloud{}
	}
	out := make(Cloud, 0, int(float64(len(points))*rate)+1)
	for _, p := range points {
		if rng.Float64() < rate {
			out = append(out, p)
		}
	}
	return out
}
