package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soundline/duplex/internal/observe"
	"github.com/soundline/duplex/pkg/audio"
)

// DefaultWatchdogMargin is added to each unit's duration to form its
// watchdog deadline.
const DefaultWatchdogMargin = 250 * time.Millisecond

var errSchedulerClosed = errors.New("playback: scheduler closed")

// scheduler keeps the agent's streamed audio gapless. Arriving frames are
// scheduled back-to-back at a watermark on the output stream's clock; the
// watermark resets to "now" after an idle gap so a new turn starts
// immediately instead of in the past.
//
// The session is Speaking while any unit is outstanding and returns to
// Listening when the last one really finishes. A per-unit watchdog reaps
// units whose completion callback never fires, so a driver glitch cannot
// leave the session deaf.
type scheduler struct {
	out     audio.PlaybackStream
	states  *StateMachine
	margin  time.Duration
	metrics *observe.Metrics

	mu          sync.Mutex
	nextStart   time.Duration
	outstanding map[uint64]*playbackUnit
	nextID      uint64
	closed      bool
}

// playbackUnit is one scheduled frame awaiting completion.
type playbackUnit struct {
	handle   audio.Playback
	watchdog *time.Timer
}

func newScheduler(out audio.PlaybackStream, states *StateMachine, margin time.Duration, metrics *observe.Metrics) *scheduler {
	if margin <= 0 {
		margin = DefaultWatchdogMargin
	}
	return &scheduler{
		out:         out,
		states:      states,
		margin:      margin,
		metrics:     metrics,
		outstanding: make(map[uint64]*playbackUnit),
	}
}

// enqueue schedules frame directly after all previously scheduled audio.
func (s *scheduler) enqueue(frame audio.Frame) error {
	duration := frame.Duration()
	if duration <= 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSchedulerClosed
	}

	// After an idle gap the watermark points into the past; starting there
	// would make the device play catch-up. Snap it forward to now.
	if now := s.out.Clock(); s.nextStart < now {
		s.nextStart = now
	}
	start := s.nextStart

	handle, err := s.out.PlayAt(frame, start)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("playback: schedule: %w", err)
	}
	s.nextStart = start + duration

	id := s.nextID
	s.nextID++
	unit := &playbackUnit{handle: handle}
	unit.watchdog = time.AfterFunc(duration+s.margin, func() { s.expire(id) })
	s.outstanding[id] = unit
	first := len(s.outstanding) == 1
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PlaybackUnits.Add(context.Background(), 1)
	}
	if first {
		s.states.ToSpeaking()
	}
	go s.await(id, handle)
	return nil
}

// await finishes the unit when the output stream reports real completion.
func (s *scheduler) await(id uint64, handle audio.Playback) {
	<-handle.Done()
	s.finish(id, false)
}

// expire is the watchdog path: the unit's deadline passed without a
// completion callback.
func (s *scheduler) expire(id uint64) {
	s.finish(id, true)
}

// finish removes unit id and flips back to Listening once nothing is left
// outstanding. Whichever of the completion and watchdog paths gets here
// first wins; the loser finds the id gone and does nothing.
func (s *scheduler) finish(id uint64, byWatchdog bool) {
	s.mu.Lock()
	unit, ok := s.outstanding[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.outstanding, id)
	unit.watchdog.Stop()
	drained := len(s.outstanding) == 0 && !s.closed
	s.mu.Unlock()

	if byWatchdog {
		unit.handle.Stop()
		slog.Warn("playback unit never completed, reaped by watchdog", "unit", id)
		if s.metrics != nil {
			s.metrics.WatchdogRecoveries.Add(context.Background(), 1)
		}
	}
	if drained {
		s.states.ToListening()
	}
}

// interrupt cancels all outstanding audio and returns the session to
// Listening. Safe to call at any time, in any state, repeatedly.
func (s *scheduler) interrupt() {
	cancelled := s.cancelAll()
	if cancelled > 0 && s.metrics != nil {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
	s.states.ToListening()
}

// flush cancels all outstanding audio without touching the turn state. Used
// on the Stop path, where the session drives its own terminal transition.
func (s *scheduler) flush() {
	s.cancelAll()
}

// close marks the scheduler unusable and cancels everything outstanding.
func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelAll()
}

// cancelAll stops every outstanding unit best-effort and resets the
// watermark, returning how many units were cancelled.
func (s *scheduler) cancelAll() int {
	s.mu.Lock()
	units := make([]*playbackUnit, 0, len(s.outstanding))
	for _, u := range s.outstanding {
		units = append(units, u)
	}
	clear(s.outstanding)
	s.nextStart = s.out.Clock()
	s.mu.Unlock()

	for _, u := range units {
		u.watchdog.Stop()
		u.handle.Stop()
	}
	if len(units) > 0 && s.metrics != nil {
		s.metrics.PlaybackCancelled.Add(context.Background(), int64(len(units)))
	}
	return len(units)
}

// outstandingCount reports how many units are scheduled but not finished.
func (s *scheduler) outstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}
