package channel

import (
	"fmt"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/codec"
)

func (s *Session) Config() protocol.Config {
	return s.cfg
}

func (s *Session) Side() Side {
	return s.side
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Step is the index of the exchange currently in progress.
func (s *Session) Step() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// History returns the recorded frames, oldest first.
func (s *Session) History() []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// RigidState returns a copy of the reference body kinematics. ok is false
// when no rigid body was negotiated.
func (s *Session) RigidState() (protocol.RigidBodyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rigidState == nil {
		return protocol.RigidBodyState{}, false
	}
	return s.rigidState.Clone(), true
}

func (s *Session) NodalState() protocol.NodalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodalState.Clone()
}

func (s *Session) RigidLoad() (protocol.RigidBodyLoad, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rigidLoad == nil {
		return protocol.RigidBodyLoad{}, false
	}
	return *s.rigidLoad, true
}

func (s *Session) NodalLoad() protocol.NodalLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodalLoad.Clone()
}

// SetRigidLoad stages the reference body load for the next Send.
func (s *Session) SetRigidLoad(rb protocol.RigidBodyLoad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(SideExternal, "rigid load"); err != nil {
		return err
	}
	if err := codec.CheckLoad(s.cfg, &rb, s.nodalLoad); err != nil {
		return err
	}
	s.rigidLoad = &rb
	return nil
}

// SetNodalLoad stages one load per node for the next Send.
func (s *Session) SetNodalLoad(nodes protocol.NodalLoad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(SideExternal, "nodal load"); err != nil {
		return err
	}
	if err := codec.CheckLoad(s.cfg, s.rigidLoad, nodes); err != nil {
		return err
	}
	s.nodalLoad = nodes.Clone()
	return nil
}

func (s *Session) SetRigidState(rb protocol.RigidBodyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(SideSolver, "rigid state"); err != nil {
		return err
	}
	if err := codec.CheckState(s.cfg, &rb, s.nodalState); err != nil {
		return err
	}
	c := rb.Clone()
	s.rigidState = &c
	return nil
}

func (s *Session) SetNodalState(nodes protocol.NodalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(SideSolver, "nodal state"); err != nil {
		return err
	}
	if err := codec.CheckState(s.cfg, s.rigidState, nodes); err != nil {
		return err
	}
	s.nodalState = nodes.Clone()
	return nil
}

func (s *Session) writableLocked(owner Side, what string) error {
	if s.side != owner {
		return fmt.Errorf("%w: %s side does not send %s", protocol.ErrProtocolViolation, s.side, what)
	}
	if s.state == StateClosed {
		return fmt.Errorf("%w: set %s on closed session", protocol.ErrProtocolViolation, what)
	}
	return nil
}
