package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/mbclink/internal/channel"
	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Result summarizes one finished coupling run.
type Result struct {
	Steps   uint32
	Elapsed time.Duration
	Aborted bool
	// FinalRigid and FinalNodes hold the last kinematics received on the
	// external side or staged on the solver side.
	FinalRigid *protocol.RigidBodyState
	FinalNodes protocol.NodalState
}

// RunExternal performs steps exchanges, flagging the last one. steps <= 0
// runs until ctx is done; cancellation is observed between steps and ends
// the run with a final exchange instead of tearing the session down.
func RunExternal(ctx context.Context, s *channel.Session, steps int, loads LoadFunc) (Result, error) {
	if s.Side() != channel.SideExternal {
		return Result{}, fmt.Errorf("%w: RunExternal on %s session", protocol.ErrProtocolViolation, s.Side())
	}
	start := time.Now()
	for i := 0; ; i++ {
		last := (steps > 0 && i == steps-1) || ctx.Err() != nil

		rb, nodes := latestState(s)
		rbl, nl := loads(s.Step(), rb, nodes)
		if rbl != nil {
			if err := s.SetRigidLoad(*rbl); err != nil {
				return result(s, start), err
			}
		}
		if err := s.SetNodalLoad(nl); err != nil {
			return result(s, start), err
		}
		if err := s.Send(last); err != nil {
			return result(s, start), err
		}
		// The solver flagged the previous reply; our send closed the session.
		if s.State() == channel.StateClosed {
			break
		}
		if err := s.Recv(); err != nil {
			return finish(s, start, err)
		}
		if s.State() == channel.StateClosed {
			break
		}
	}
	res := result(s, start)
	log.Info().Str("session", s.ID()).Uint32("steps", res.Steps).Dur("elapsed", res.Elapsed).Msg("external run complete")
	return res, nil
}

// RunSolver answers load frames until the exchange flagged last. steps > 0
// makes the solver flag its reply on that step itself. Cancelling ctx
// closes the session and unblocks a pending Recv.
func RunSolver(ctx context.Context, s *channel.Session, steps int, motion MotionFunc) (Result, error) {
	if s.Side() != channel.SideSolver {
		return Result{}, fmt.Errorf("%w: RunSolver on %s session", protocol.ErrProtocolViolation, s.Side())
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	start := time.Now()
	for {
		if err := s.Recv(); err != nil {
			if ctx.Err() != nil {
				return result(s, start), fmt.Errorf("%w: %w", protocol.ErrTransportClosed, ctx.Err())
			}
			return finish(s, start, err)
		}
		if s.State() == channel.StateClosed {
			break
		}
		step := s.Step()
		rbl, _ := s.RigidLoad()
		rb, nodes := motion(step, &rbl, s.NodalLoad())
		if rb != nil {
			if err := s.SetRigidState(*rb); err != nil {
				return result(s, start), err
			}
		}
		if err := s.SetNodalState(nodes); err != nil {
			return result(s, start), err
		}
		last := steps > 0 && int(step) == steps-1
		if err := s.Send(last); err != nil {
			return result(s, start), err
		}
		if s.State() == channel.StateClosed {
			break
		}
	}
	res := result(s, start)
	log.Info().Str("session", s.ID()).Uint32("steps", res.Steps).Dur("elapsed", res.Elapsed).Msg("solver run complete")
	return res, nil
}

// finish turns a peer abort into a normal end of run.
func finish(s *channel.Session, start time.Time, err error) (Result, error) {
	res := result(s, start)
	if errors.Is(err, protocol.ErrPeerAborted) {
		res.Aborted = true
		log.Warn().Str("session", s.ID()).Uint32("step", res.Steps).Msg("peer aborted")
		return res, nil
	}
	return res, err
}

func latestState(s *channel.Session) (*protocol.RigidBodyState, protocol.NodalState) {
	var rb *protocol.RigidBodyState
	if k, ok := s.RigidState(); ok {
		rb = &k
	}
	return rb, s.NodalState()
}

func result(s *channel.Session, start time.Time) Result {
	rb, nodes := latestState(s)
	return Result{
		Steps:      s.Step(),
		Elapsed:    time.Since(start),
		FinalRigid: rb,
		FinalNodes: nodes,
	}
}
