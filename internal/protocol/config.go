package protocol

import (
	"fmt"
	"strconv"
)

const (
	// LabelSize is the wire width of one node label (uint32).
	LabelSize = 4
	// RealSize is the wire width of one real value (float64).
	RealSize = 8
	// MaxNodes bounds the node count so it fits the ConfigID.
	MaxNodes = 1<<24 - 1
)

const vecSize = 3 * RealSize

// Config is the shape both peers agree on at negotiation time.
// It never changes for the lifetime of a session.
type Config struct {
	Rigid    bool
	Nodes    uint32
	Labels   bool
	Rotation Rotation
	Accels   bool
}

func (c Config) Validate() error {
	if !c.Rotation.Valid() {
		return fmt.Errorf("%w: unknown rotation %d", ErrInvalidConfig, uint8(c.Rotation))
	}
	if c.Rigid && c.Rotation == RotNone {
		return fmt.Errorf("%w: rigid body requires a rotation parametrization", ErrInvalidConfig)
	}
	if c.Nodes > MaxNodes {
		return fmt.Errorf("%w: nodes=%d exceeds %d", ErrInvalidConfig, c.Nodes, MaxNodes)
	}
	return nil
}

// ID packs the config into the identifier carried by every step frame.
//
//	bit 0      rigid
//	bit 1      labels
//	bit 2      accels
//	bits 3-4   rotation
//	bits 8-31  node count
func (c Config) ID() uint32 {
	var id uint32
	if c.Rigid {
		id |= 1 << 0
	}
	if c.Labels {
		id |= 1 << 1
	}
	if c.Accels {
		id |= 1 << 2
	}
	id |= uint32(c.Rotation&0x3) << 3
	id |= (c.Nodes & MaxNodes) << 8
	return id
}

// ConfigFromID reverses ID.
func ConfigFromID(id uint32) Config {
	return Config{
		Rigid:    id&(1<<0) != 0,
		Labels:   id&(1<<1) != 0,
		Accels:   id&(1<<2) != 0,
		Rotation: Rotation((id >> 3) & 0x3),
		Nodes:    id >> 8,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("rigid=%t nodes=%d labels=%t rot=%s accels=%t",
		c.Rigid, c.Nodes, c.Labels, c.Rotation, c.Accels)
}

// Diff returns a MismatchError for the first field that differs from peer.
func (c Config) Diff(peer Config) error {
	switch {
	case c.Rigid != peer.Rigid:
		return MismatchError{Field: "rigid", Local: strconv.FormatBool(c.Rigid), Peer: strconv.FormatBool(peer.Rigid)}
	case c.Nodes != peer.Nodes:
		return MismatchError{Field: "nodes", Local: strconv.FormatUint(uint64(c.Nodes), 10), Peer: strconv.FormatUint(uint64(peer.Nodes), 10)}
	case c.Labels != peer.Labels:
		return MismatchError{Field: "labels", Local: strconv.FormatBool(c.Labels), Peer: strconv.FormatBool(peer.Labels)}
	case c.Rotation != peer.Rotation:
		return MismatchError{Field: "rotation", Local: c.Rotation.String(), Peer: peer.Rotation.String()}
	case c.Accels != peer.Accels:
		return MismatchError{Field: "accels", Local: strconv.FormatBool(c.Accels), Peer: strconv.FormatBool(peer.Accels)}
	}
	return nil
}

// RigidStateSize is the byte size of the rigid body kinematics block.
func (c Config) RigidStateSize() int {
	if !c.Rigid {
		return 0
	}
	size := LabelSize + vecSize + c.Rotation.Width()*RealSize + 2*vecSize
	if c.Accels {
		size += 2 * vecSize
	}
	return size
}

// NodeStateSize is the byte size of one node's kinematics.
func (c Config) NodeStateSize() int {
	size := vecSize + c.Rotation.Width()*RealSize + vecSize
	if c.Rotation.HasAngular() {
		size += vecSize
	}
	if c.Accels {
		size += vecSize
		if c.Rotation.HasAngular() {
			size += vecSize
		}
	}
	if c.Labels {
		size += LabelSize
	}
	return size
}

// RigidLoadSize is the byte size of the rigid body load block.
func (c Config) RigidLoadSize() int {
	if !c.Rigid {
		return 0
	}
	return LabelSize + 2*vecSize
}

// NodeLoadSize is the byte size of one node's load.
func (c Config) NodeLoadSize() int {
	size := vecSize
	if c.Rotation.HasAngular() {
		size += vecSize
	}
	if c.Labels {
		size += LabelSize
	}
	return size
}

// StateSize is the payload size of one kinematics frame.
func (c Config) StateSize() int {
	return c.RigidStateSize() + int(c.Nodes)*c.NodeStateSize()
}

// LoadSize is the payload size of one load frame.
func (c Config) LoadSize() int {
	return c.RigidLoadSize() + int(c.Nodes)*c.NodeLoadSize()
}
