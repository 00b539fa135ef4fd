package protocol

// Vec3 is a Cartesian 3-vector.
type Vec3 [3]float64

// Kinematics is the motion of one node.
// Orientation holds Rotation.Width() reals; the acceleration fields are
// only meaningful when accelerations were negotiated.
type Kinematics struct {
	Label               uint32
	Position            Vec3
	Orientation         []float64
	Velocity            Vec3
	AngularVelocity     Vec3
	Acceleration        Vec3
	AngularAcceleration Vec3
}

// Load is the force and moment applied to one node.
type Load struct {
	Label  uint32
	Force  Vec3
	Moment Vec3
}

// RigidBodyState is the reference rigid body motion, present iff Config.Rigid.
type RigidBodyState = Kinematics

// RigidBodyLoad is the reference rigid body load, present iff Config.Rigid.
type RigidBodyLoad = Load

// NodalState holds one record per node, index-aligned with NodalLoad.
type NodalState []Kinematics

// NodalLoad holds one record per node, index-aligned with NodalState.
type NodalLoad []Load

func (k Kinematics) Clone() Kinematics {
	out := k
	if k.Orientation != nil {
		out.Orientation = append([]float64(nil), k.Orientation...)
	}
	return out
}

func (s NodalState) Clone() NodalState {
	if s == nil {
		return nil
	}
	out := make(NodalState, len(s))
	for i := range s {
		out[i] = s[i].Clone()
	}
	return out
}

func (l NodalLoad) Clone() NodalLoad {
	if l == nil {
		return nil
	}
	out := make(NodalLoad, len(l))
	copy(out, l)
	return out
}

// NewKinematics returns a zero record whose orientation is the identity for
// the configured parametrization.
func NewKinematics(cfg Config, label uint32) Kinematics {
	k := Kinematics{Label: label}
	if w := cfg.Rotation.Width(); w > 0 {
		k.Orientation = make([]float64, w)
		if cfg.Rotation == RotMatrix {
			k.Orientation[0], k.Orientation[4], k.Orientation[8] = 1, 1, 1
		}
	}
	return k
}

// NewNodalState allocates cfg.Nodes records labelled 1..N.
func NewNodalState(cfg Config) NodalState {
	if cfg.Nodes == 0 {
		return nil
	}
	out := make(NodalState, cfg.Nodes)
	for i := range out {
		out[i] = NewKinematics(cfg, uint32(i+1))
	}
	return out
}

// NewNodalLoad allocates cfg.Nodes zero loads labelled 1..N.
func NewNodalLoad(cfg Config) NodalLoad {
	if cfg.Nodes == 0 {
		return nil
	}
	out := make(NodalLoad, cfg.Nodes)
	for i := range out {
		out[i].Label = uint32(i + 1)
	}
	return out
}
