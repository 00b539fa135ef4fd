package peer

import (
	"fmt"
	"math"

	"github.com/danmuck/mbclink/internal/protocol"
)

// Model parametrizes the reference peers.
type Model struct {
	TimeStep  float64 // s
	Stiffness float64 // N/m and N*m/rad
	Damping   float64 // N*s/m and N*m*s/rad
	Amplitude float64 // m
	Frequency float64 // Hz
}

func DefaultModel() Model {
	return Model{
		TimeStep:  1e-3,
		Stiffness: 1e3,
		Damping:   10,
		Amplitude: 1e-2,
		Frequency: 1,
	}
}

func (m Model) Validate() error {
	if !(m.TimeStep > 0) {
		return fmt.Errorf("%w: time step must be positive", protocol.ErrInvalidConfig)
	}
	if m.Stiffness < 0 || m.Damping < 0 || m.Frequency < 0 {
		return fmt.Errorf("%w: stiffness, damping and frequency must not be negative", protocol.ErrInvalidConfig)
	}
	return nil
}

// LoadFunc computes the loads for a step from the latest kinematics.
type LoadFunc func(step uint32, rb *protocol.RigidBodyState, nodes protocol.NodalState) (*protocol.RigidBodyLoad, protocol.NodalLoad)

// MotionFunc computes the kinematics for a step from the latest loads.
type MotionFunc func(step uint32, rb *protocol.RigidBodyLoad, nodes protocol.NodalLoad) (*protocol.RigidBodyState, protocol.NodalState)

// SpringLoads ties every node to its origin with a linear spring-damper.
// Moments are only produced when the rotation carries angular velocity;
// the elastic moment needs an orientation vector.
func SpringLoads(cfg protocol.Config, m Model) LoadFunc {
	return func(_ uint32, rb *protocol.RigidBodyState, nodes protocol.NodalState) (*protocol.RigidBodyLoad, protocol.NodalLoad) {
		var rbl *protocol.RigidBodyLoad
		if rb != nil {
			l := spring(cfg, m, *rb)
			rbl = &l
		}
		out := make(protocol.NodalLoad, len(nodes))
		for i := range nodes {
			out[i] = spring(cfg, m, nodes[i])
		}
		return rbl, out
	}
}

func spring(cfg protocol.Config, m Model, k protocol.Kinematics) protocol.Load {
	l := protocol.Load{Label: k.Label}
	for i := 0; i < 3; i++ {
		l.Force[i] = -m.Stiffness*k.Position[i] - m.Damping*k.Velocity[i]
	}
	if !cfg.Rotation.HasAngular() {
		return l
	}
	for i := 0; i < 3; i++ {
		l.Moment[i] = -m.Damping * k.AngularVelocity[i]
		if cfg.Rotation == protocol.RotVector && len(k.Orientation) == 3 {
			l.Moment[i] -= m.Stiffness * k.Orientation[i]
		}
	}
	return l
}

// PrescribedMotion translates node i along x with amplitude scaled by its
// index, and the rigid body with the base amplitude. Orientation stays at
// the identity of the negotiated parametrization.
func PrescribedMotion(cfg protocol.Config, m Model) MotionFunc {
	return func(step uint32, _ *protocol.RigidBodyLoad, _ protocol.NodalLoad) (*protocol.RigidBodyState, protocol.NodalState) {
		t := float64(step) * m.TimeStep
		var rb *protocol.RigidBodyState
		if cfg.Rigid {
			k := protocol.NewKinematics(cfg, 0)
			harmonic(&k, m, m.Amplitude, t)
			rb = &k
		}
		nodes := protocol.NewNodalState(cfg)
		for i := range nodes {
			harmonic(&nodes[i], m, m.Amplitude*float64(i+1), t)
		}
		return rb, nodes
	}
}

func harmonic(k *protocol.Kinematics, m Model, amp, t float64) {
	w := 2 * math.Pi * m.Frequency
	k.Position[0] = amp * math.Sin(w*t)
	k.Velocity[0] = amp * w * math.Cos(w*t)
	k.Acceleration[0] = -amp * w * w * math.Sin(w*t)
}
