// Package imu accumulates inertial samples between submap stamps and integrates them into a
// relative motion.
package imu

import (
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/globalmap/spatialmath"
)

// Sample is one IMU reading. Acc is in m/s^2, Gyro in rad/s, both in the sensor frame.
type Sample struct {
	Stamp float64   `json:"stamp"`
	Acc   r3.Vector `json:"acc"`
	Gyro  r3.Vector `json:"gyro"`
}

// Delta is the motion integrated over an interval, expressed in the frame at its start.
type Delta struct {
	Rotation quat.Number
	Velocity r3.Vector
	Position r3.Vector
	Duration float64
}

// Pose returns the rotation and position parts of the delta as a pose.
func (d Delta) Pose() spatialmath.Pose {
	return spatialmath.NewPose(d.Position, d.Rotation)
}

// Integrator buffers samples in arrival order. Samples are never re-sorted: an out of order or
// duplicate stamp contributes a non-positive interval and is skipped during integration.
type Integrator struct {
	mu      sync.Mutex
	samples []Sample
	gravity r3.Vector
}

// NewIntegrator returns an integrator that subtracts gravity (in the start frame) from the
// integrated acceleration. Pass the zero vector to disable compensation.
func NewIntegrator(gravity r3.Vector) *Integrator {
	return &Integrator{gravity: gravity}
}

// Insert appends a sample.
func (integ *Integrator) Insert(stamp float64, acc, gyro r3.Vector) {
	integ.mu.Lock()
	defer integ.mu.Unlock()
	integ.samples = append(integ.samples, Sample{Stamp: stamp, Acc: acc, Gyro: gyro})
}

// Len returns the number of buffered samples.
func (integ *Integrator) Len() int {
	integ.mu.Lock()
	defer integ.mu.Unlock()
	return len(integ.samples)
}

// Integrate integrates the buffered samples whose stamps lie in [from, to] and returns the
// resulting delta along with the number of samples used. Each sample is held until the stamp of
// the next one in range.
func (integ *Integrator) Integrate(from, to float64) (Delta, int) {
	integ.mu.Lock()
	defer integ.mu.Unlock()

	delta := Delta{Rotation: quat.Number{Real: 1}}
	var inRange []Sample
	for _, s := range integ.samples {
		if s.Stamp >= from && s.Stamp <= to {
			inRange = append(inRange, s)
		}
	}
	for i := 0; i+1 < len(inRange); i++ {
		cur, next := inRange[i], inRange[i+1]
		dt := next.Stamp - cur.Stamp
		if dt <= 0 {
			continue
		}
		acc := spatialmath.RotateVector(delta.Rotation, cur.Acc).Sub(integ.gravity)
		delta.Position = delta.Position.Add(delta.Velocity.Mul(dt)).Add(acc.Mul(0.5 * dt * dt))
		delta.Velocity = delta.Velocity.Add(acc.Mul(dt))
		delta.Rotation = quat.Mul(delta.Rotation, spatialmath.RotationExp(cur.Gyro.Mul(dt)))
		delta.Duration += dt
	}
	return delta, len(inRange)
}

// EraseBefore drops every sample stamped before stamp.
func (integ *Integrator) EraseBefore(stamp float64) {
	integ.mu.Lock()
	defer integ.mu.Unlock()
	kept := integ.samples[:0]
	for _, s := range integ.samples {
		if s.Stamp >= stamp {
			kept = append(kept, s)
		}
	}
	integ.samples = kept
}

// Samples returns a copy of the buffered samples.
func (integ *Integrator) Samples() []Sample {
	integ.mu.Lock()
	defer integ.mu.Unlock()
	return append([]Sample(nil), integ.samples...)
}
