// Package codec serializes kinematics and load blocks for a negotiated
// protocol.Config.
//
// Layout, big-endian, no padding:
//
//	rigid block: label, position, orientation, velocity, angular velocity,
//	             [acceleration, angular acceleration]
//	nodal block: one array per field across all nodes, in the order
//	             [labels], positions, orientations, velocities,
//	             [angular velocities], [accelerations], [angular accelerations]
//
// Loads follow the same scheme with label, force and moment. Moments and
// every angular field are absent when the rotation is protocol.RotNone.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/mbclink/internal/protocol"
)

// EncodeLoad serializes the outbound load of the external side.
func EncodeLoad(cfg protocol.Config, rb *protocol.RigidBodyLoad, nodes protocol.NodalLoad) ([]byte, error) {
	if err := checkLoad(cfg, rb, nodes); err != nil {
		return nil, err
	}
	w := newWriter(cfg.LoadSize())
	if cfg.Rigid {
		w.u32(rb.Label)
		w.vec(rb.Force)
		w.vec(rb.Moment)
	}
	if cfg.Labels {
		for i := range nodes {
			w.u32(nodes[i].Label)
		}
	}
	for i := range nodes {
		w.vec(nodes[i].Force)
	}
	if cfg.Rotation.HasAngular() {
		for i := range nodes {
			w.vec(nodes[i].Moment)
		}
	}
	return w.bytes()
}

// DecodeLoad is the solver-side mirror of EncodeLoad.
func DecodeLoad(cfg protocol.Config, b []byte) (*protocol.RigidBodyLoad, protocol.NodalLoad, error) {
	if len(b) != cfg.LoadSize() {
		return nil, nil, sizeError("load", len(b), cfg.LoadSize())
	}
	r := reader{buf: b}
	var rb *protocol.RigidBodyLoad
	if cfg.Rigid {
		rb = &protocol.RigidBodyLoad{}
		rb.Label = r.u32()
		rb.Force = r.vec()
		rb.Moment = r.vec()
	}
	var nodes protocol.NodalLoad
	if cfg.Nodes > 0 {
		nodes = make(protocol.NodalLoad, cfg.Nodes)
	}
	if cfg.Labels {
		for i := range nodes {
			nodes[i].Label = r.u32()
		}
	}
	for i := range nodes {
		nodes[i].Force = r.vec()
	}
	if cfg.Rotation.HasAngular() {
		for i := range nodes {
			nodes[i].Moment = r.vec()
		}
	}
	return rb, nodes, nil
}

// EncodeState is the solver-side serializer for kinematics.
func EncodeState(cfg protocol.Config, rb *protocol.RigidBodyState, nodes protocol.NodalState) ([]byte, error) {
	if err := checkState(cfg, rb, nodes); err != nil {
		return nil, err
	}
	w := newWriter(cfg.StateSize())
	if cfg.Rigid {
		w.u32(rb.Label)
		w.vec(rb.Position)
		w.reals(rb.Orientation)
		w.vec(rb.Velocity)
		w.vec(rb.AngularVelocity)
		if cfg.Accels {
			w.vec(rb.Acceleration)
			w.vec(rb.AngularAcceleration)
		}
	}
	angular := cfg.Rotation.HasAngular()
	if cfg.Labels {
		for i := range nodes {
			w.u32(nodes[i].Label)
		}
	}
	for i := range nodes {
		w.vec(nodes[i].Position)
	}
	for i := range nodes {
		w.reals(nodes[i].Orientation)
	}
	for i := range nodes {
		w.vec(nodes[i].Velocity)
	}
	if angular {
		for i := range nodes {
			w.vec(nodes[i].AngularVelocity)
		}
	}
	if cfg.Accels {
		for i := range nodes {
			w.vec(nodes[i].Acceleration)
		}
		if angular {
			for i := range nodes {
				w.vec(nodes[i].AngularAcceleration)
			}
		}
	}
	return w.bytes()
}

// DecodeState parses the kinematics received by the external side.
// The orientation width comes from cfg, never from the payload length.
func DecodeState(cfg protocol.Config, b []byte) (*protocol.RigidBodyState, protocol.NodalState, error) {
	if len(b) != cfg.StateSize() {
		return nil, nil, sizeError("state", len(b), cfg.StateSize())
	}
	r := reader{buf: b}
	width := cfg.Rotation.Width()
	var rb *protocol.RigidBodyState
	if cfg.Rigid {
		rb = &protocol.RigidBodyState{}
		rb.Label = r.u32()
		rb.Position = r.vec()
		rb.Orientation = r.reals(width)
		rb.Velocity = r.vec()
		rb.AngularVelocity = r.vec()
		if cfg.Accels {
			rb.Acceleration = r.vec()
			rb.AngularAcceleration = r.vec()
		}
	}
	var nodes protocol.NodalState
	if cfg.Nodes > 0 {
		nodes = make(protocol.NodalState, cfg.Nodes)
	}
	angular := cfg.Rotation.HasAngular()
	if cfg.Labels {
		for i := range nodes {
			nodes[i].Label = r.u32()
		}
	}
	for i := range nodes {
		nodes[i].Position = r.vec()
	}
	for i := range nodes {
		nodes[i].Orientation = r.reals(width)
	}
	for i := range nodes {
		nodes[i].Velocity = r.vec()
	}
	if angular {
		for i := range nodes {
			nodes[i].AngularVelocity = r.vec()
		}
	}
	if cfg.Accels {
		for i := range nodes {
			nodes[i].Acceleration = r.vec()
		}
		if angular {
			for i := range nodes {
				nodes[i].AngularAcceleration = r.vec()
			}
		}
	}
	return rb, nodes, nil
}

// CheckLoad validates caller-supplied loads against cfg.
func CheckLoad(cfg protocol.Config, rb *protocol.RigidBodyLoad, nodes protocol.NodalLoad) error {
	return checkLoad(cfg, rb, nodes)
}

// CheckState validates caller-supplied kinematics against cfg.
func CheckState(cfg protocol.Config, rb *protocol.RigidBodyState, nodes protocol.NodalState) error {
	return checkState(cfg, rb, nodes)
}

func checkLoad(cfg protocol.Config, rb *protocol.RigidBodyLoad, nodes protocol.NodalLoad) error {
	if err := checkRigid(cfg, rb != nil); err != nil {
		return err
	}
	if len(nodes) != int(cfg.Nodes) {
		return fmt.Errorf("%w: %d node loads, negotiated %d", protocol.ErrFrameSize, len(nodes), cfg.Nodes)
	}
	return nil
}

func checkState(cfg protocol.Config, rb *protocol.RigidBodyState, nodes protocol.NodalState) error {
	if err := checkRigid(cfg, rb != nil); err != nil {
		return err
	}
	if len(nodes) != int(cfg.Nodes) {
		return fmt.Errorf("%w: %d node states, negotiated %d", protocol.ErrFrameSize, len(nodes), cfg.Nodes)
	}
	width := cfg.Rotation.Width()
	if rb != nil && len(rb.Orientation) != width {
		return fmt.Errorf("%w: rigid body orientation has %d values, %s needs %d",
			protocol.ErrFrameSize, len(rb.Orientation), cfg.Rotation, width)
	}
	for i := range nodes {
		if len(nodes[i].Orientation) != width {
			return fmt.Errorf("%w: node %d orientation has %d values, %s needs %d",
				protocol.ErrFrameSize, i, len(nodes[i].Orientation), cfg.Rotation, width)
		}
	}
	return nil
}

func checkRigid(cfg protocol.Config, present bool) error {
	if cfg.Rigid && !present {
		return fmt.Errorf("%w: rigid body negotiated but missing", protocol.ErrFrameSize)
	}
	if !cfg.Rigid && present {
		return fmt.Errorf("%w: rigid body not negotiated", protocol.ErrFrameSize)
	}
	return nil
}

func sizeError(what string, got, want int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, negotiated %d", protocol.ErrFrameSize, what, got, want)
}

type writer struct {
	buf []byte
	off int
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, size)}
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += protocol.LabelSize
}

func (w *writer) real(v float64) {
	binary.BigEndian.PutUint64(w.buf[w.off:], math.Float64bits(v))
	w.off += protocol.RealSize
}

func (w *writer) vec(v protocol.Vec3) {
	w.real(v[0])
	w.real(v[1])
	w.real(v[2])
}

func (w *writer) reals(v []float64) {
	for _, x := range v {
		w.real(x)
	}
}

func (w *writer) bytes() ([]byte, error) {
	if w.off != len(w.buf) {
		return nil, fmt.Errorf("%w: encoded %d of %d bytes", protocol.ErrFrameSize, w.off, len(w.buf))
	}
	return w.buf, nil
}

// reader trusts its caller to have checked the total length.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += protocol.LabelSize
	return v
}

func (r *reader) real() float64 {
	v := math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += protocol.RealSize
	return v
}

func (r *reader) vec() protocol.Vec3 {
	return protocol.Vec3{r.real(), r.real(), r.real()}
}

func (r *reader) reals(n int) []float64 {
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.real()
	}
	return out
}
