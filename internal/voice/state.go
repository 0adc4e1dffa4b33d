// Package voice implements the duplex voice session: the turn state machine,
// the capture pipeline with ducking, the gapless playback scheduler, tool
// dispatch, and the session lifecycle that wires them to a realtime
// transport.
package voice

import (
	"context"
	"sync"

	"github.com/soundline/duplex/internal/observe"
)

// TurnState is the authoritative conversational state of a session.
type TurnState int

const (
	// StateIdle is the initial state before Start.
	StateIdle TurnState = iota

	// StateConnecting covers device acquisition and the transport handshake.
	StateConnecting

	// StateListening means the user has the floor: capture audio flows to
	// the service unducked.
	StateListening

	// StateSpeaking means the agent has the floor: playback units are
	// outstanding and capture is ducked.
	StateSpeaking

	// StateError is terminal: the session failed.
	StateError

	// StateEnded is terminal: the session finished deliberately.
	StateEnded
)

// String returns the state as a short lowercase label.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state absorbs all further transitions.
func (s TurnState) Terminal() bool {
	return s == StateError || s == StateEnded
}

// StateMachine is the single mutator of a session's [TurnState]. All
// transition methods validate the source state and report whether the
// transition happened; invalid requests are ignored rather than escalated,
// so racing callers (playback completion vs. interrupt, say) stay correct
// without coordinating.
//
// Readers take snapshots via Current; Subscribe delivers transition
// notifications without ever blocking a mutator.
type StateMachine struct {
	mu      sync.Mutex
	cur     TurnState
	subs    []chan TurnState
	closed  bool
	metrics *observe.Metrics
}

// NewStateMachine returns a machine in [StateIdle].
func NewStateMachine(metrics *observe.Metrics) *StateMachine {
	return &StateMachine{cur: StateIdle, metrics: metrics}
}

// Current returns a snapshot of the state.
func (m *StateMachine) Current() TurnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Subscribe returns a channel receiving every subsequent transition. The
// channel has the given buffer; a subscriber that falls behind misses
// notifications instead of stalling the session. The channel is closed by
// [StateMachine.Close].
func (m *StateMachine) Subscribe(buffer int) <-chan TurnState {
	ch := make(chan TurnState, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Close closes all subscriber channels. Further transitions are still
// accepted but no longer notified.
func (m *StateMachine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// ToConnecting moves Idle → Connecting.
func (m *StateMachine) ToConnecting() bool {
	return m.transition(StateConnecting, StateIdle)
}

// ToListening moves Connecting or Speaking → Listening.
func (m *StateMachine) ToListening() bool {
	return m.transition(StateListening, StateConnecting, StateSpeaking)
}

// ToSpeaking moves Listening → Speaking.
func (m *StateMachine) ToSpeaking() bool {
	return m.transition(StateSpeaking, StateListening)
}

// ToError moves any non-terminal state → Error.
func (m *StateMachine) ToError() bool {
	return m.transition(StateError, StateIdle, StateConnecting, StateListening, StateSpeaking)
}

// ToEnded moves any non-terminal state → Ended.
func (m *StateMachine) ToEnded() bool {
	return m.transition(StateEnded, StateIdle, StateConnecting, StateListening, StateSpeaking)
}

// transition applies cur → to when cur is in allowedFrom, notifying
// subscribers on success.
func (m *StateMachine) transition(to TurnState, allowedFrom ...TurnState) bool {
	m.mu.Lock()
	allowed := false
	for _, from := range allowedFrom {
		if m.cur == from {
			allowed = true
			break
		}
	}
	if !allowed || m.cur == to {
		m.mu.Unlock()
		return false
	}
	m.cur = to
	for _, ch := range m.subs {
		select {
		case ch <- to:
		default:
			// Slow subscriber; skip rather than block the mutator.
		}
	}
	metrics := m.metrics
	m.mu.Unlock()

	if metrics != nil {
		metrics.RecordStateTransition(context.Background(), to.String())
	}
	return true
}
