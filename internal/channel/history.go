package channel

import (
	"time"

	"github.com/eapache/queue"
)

// Direction of one recorded frame.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// StepRecord summarizes one frame that crossed the channel.
type StepRecord struct {
	Step      uint32
	Direction Direction
	Kind      string
	Last      bool
	Bytes     int
	At        time.Time
}

// history keeps the most recent records; callers hold Session.mu.
type history struct {
	depth int
	q     *queue.Queue
}

func newHistory(depth int) *history {
	return &history{depth: depth, q: queue.New()}
}

func (h *history) add(rec StepRecord) {
	if h.depth <= 0 {
		return
	}
	h.q.Add(rec)
	for h.q.Length() > h.depth {
		h.q.Remove()
	}
}

func (h *history) snapshot() []StepRecord {
	out := make([]StepRecord, h.q.Length())
	for i := range out {
		out[i] = h.q.Get(i).(StepRecord)
	}
	return out
}
