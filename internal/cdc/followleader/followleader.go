// Package followleader drives the prefetch/replay state machine that keeps
// CDC apply from ever blocking the live replication receiver. The receiver
// always runs, writing segment files; this package only reports whether the
// tailer reading those files back is working through a backlog of sealed
// segments (prefetch) or has caught up to the file currently being written
// (replay). The state is a plain atomic int32, the same idiom other
// migration tooling in this codebase uses for a progress state machine that
// multiple goroutines read without a lock.
package followleader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type state int32

const (
	stateInit state = iota
	statePrefetch
	stateDraining
	stateReplay
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case statePrefetch:
		return "prefetch"
	case stateDraining:
		return "draining"
	case stateReplay:
		return "replay"
	case stateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Back-pressure thresholds governing the prefetch/replay transition. These
// are named constants, not magic numbers, because both directions of the
// switch depend on them and a future tuning pass should only need to touch
// this one place.
const (
	// backlogHigh is the pending-message count on the apply-side channel
	// above which we give up trying to keep pace live and fall back to
	// writing segment files for a separate catch-up pass to drain.
	backlogHigh = 4096
	// backlogHighDwell is how long the backlog must stay above backlogHigh
	// before we act on it, so a brief burst does not flap the state.
	backlogHighDwell = 5 * time.Second
)

// BacklogFunc reports the current depth of the apply-side channel.
type BacklogFunc func() int

// PendingSegmentFunc reports whether an unconsumed segment file still
// exists on disk (prefetch output not yet drained by transform+apply).
type PendingSegmentFunc func() bool

// Machine tracks the current follow-leader state and decides transitions.
type Machine struct {
	cur    int32
	logger zerolog.Logger

	backlog        BacklogFunc
	pendingSegment PendingSegmentFunc

	highSince time.Time
}

// New builds a follow-leader state machine. backlog reports the current
// apply-channel depth; pendingSegment reports whether prefetch output is
// still waiting to be drained.
func New(backlog BacklogFunc, pendingSegment PendingSegmentFunc, logger zerolog.Logger) *Machine {
	return &Machine{
		backlog:        backlog,
		pendingSegment: pendingSegment,
		logger:         logger.With().Str("component", "followleader").Logger(),
	}
}

func (m *Machine) get() state     { return state(atomic.LoadInt32(&m.cur)) }
func (m *Machine) set(s state) {
	atomic.StoreInt32(&m.cur, int32(s))
	m.logger.Info().Str("state", s.String()).Msg("follow-leader state transition")
}

// State returns the current state as a string, for status reporting.
func (m *Machine) State() string { return m.get().String() }

// Start begins in prefetch mode; the caller is responsible for starting the
// receiver (which always runs) independently of this machine.
func (m *Machine) Start() {
	m.set(statePrefetch)
}

// Finish marks the machine terminal; Run's poll loop exits on the next tick.
func (m *Machine) Finish() {
	m.set(stateFinished)
}

// Run polls backlog/pendingSegment at the given interval and transitions
// between prefetch and replay, until ctx is cancelled or Finish is called.
func (m *Machine) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.get() == stateFinished {
				return
			}
			m.tick()
		}
	}
}

func (m *Machine) tick() {
	cur := m.get()
	backlog := m.backlog()

	switch cur {
	case statePrefetch:
		if backlog == 0 && !m.pendingSegment() {
			m.set(stateDraining)
			m.set(stateReplay)
		}
	case stateReplay:
		if backlog > backlogHigh {
			if m.highSince.IsZero() {
				m.highSince = time.Now()
			} else if time.Since(m.highSince) >= backlogHighDwell {
				m.set(stateDraining)
				m.set(statePrefetch)
				m.highSince = time.Time{}
			}
		} else {
			m.highSince = time.Time{}
		}
	}
}
