package protocol

import (
	"fmt"
	"strings"
)

// Rotation selects the orientation parametrization exchanged per node.
type Rotation uint8

const (
	// RotNone exchanges positions and forces only.
	RotNone Rotation = iota
	// RotVector is the 3-component orientation (rotation) vector.
	RotVector
	// RotMatrix is the 3x3 orientation matrix, row-major.
	RotMatrix
	// RotEuler123 is the 1-2-3 Euler angle sequence.
	RotEuler123
)

// Width returns the number of reals one orientation occupies on the wire.
func (r Rotation) Width() int {
	switch r {
	case RotVector, RotEuler123:
		return 3
	case RotMatrix:
		return 9
	default:
		return 0
	}
}

func (r Rotation) Valid() bool {
	return r <= RotEuler123
}

// HasAngular reports whether angular velocity, angular acceleration and
// moments travel alongside the orientation.
func (r Rotation) HasAngular() bool {
	return r != RotNone
}

func (r Rotation) String() string {
	switch r {
	case RotNone:
		return "none"
	case RotVector:
		return "vector"
	case RotMatrix:
		return "matrix"
	case RotEuler123:
		return "euler123"
	default:
		return fmt.Sprintf("rotation(%d)", uint8(r))
	}
}

// ParseRotation accepts the names produced by String plus a few aliases.
func ParseRotation(raw string) (Rotation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "":
		return RotNone, nil
	case "vector", "theta", "orientation_vector", "euler_parameters":
		return RotVector, nil
	case "matrix", "mat":
		return RotMatrix, nil
	case "euler123", "euler_123", "euler":
		return RotEuler123, nil
	default:
		return RotNone, fmt.Errorf("%w: unknown rotation %q", ErrInvalidConfig, raw)
	}
}
