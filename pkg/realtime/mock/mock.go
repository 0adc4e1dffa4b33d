// Package mock provides scriptable in-memory implementations of the realtime
// transport interfaces for tests.
//
// All mocks record their calls and expose settable error fields. Tests drive
// the inbound side through Emit, End, and Fail on [Conn].
package mock

import (
	"context"
	"sync"

	"github.com/soundline/duplex/pkg/realtime"
)

// Compile-time interface checks.
var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*Conn)(nil)
)

// DialCall records the arguments of one Dial invocation.
type DialCall struct {
	Config realtime.SessionConfig
}

// Dialer is a mock realtime.Dialer. Set DialErr to make Dial fail; otherwise
// it hands out Conn (created on first use when nil).
type Dialer struct {
	mu sync.Mutex

	// Conn is the connection Dial returns.
	Conn *Conn

	// DialErr, when non-nil, is returned by Dial.
	DialErr error

	// DialCalls records every Dial invocation.
	DialCalls []DialCall

	// SessionProfile is what Profile reports. The zero value means 16 kHz
	// capture, 24 kHz playback.
	SessionProfile realtime.Profile
}

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(_ context.Context, cfg realtime.SessionConfig) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Config: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn == nil {
		d.Conn = NewConn()
	}
	return d.Conn, nil
}

// Profile implements realtime.Dialer.
func (d *Dialer) Profile() realtime.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SessionProfile == (realtime.Profile{}) {
		return realtime.Profile{CaptureRate: 16000, PlaybackRate: 24000}
	}
	return d.SessionProfile
}

// Conn is a mock realtime.Conn. The test feeds inbound events with Emit and
// terminates the stream with End or Fail.
type Conn struct {
	mu sync.Mutex

	events chan realtime.Event
	err    error
	closed bool
	once   sync.Once

	// SendAudioCalls records every SendAudio payload.
	SendAudioCalls [][]byte

	// SendToolResultCalls records every SendToolResult argument.
	SendToolResultCalls []realtime.ToolCallResult

	// SendAudioErr and SendToolResultErr, when non-nil, are returned by the
	// corresponding methods.
	SendAudioErr      error
	SendToolResultErr error

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// NewConn returns a connection with room for 64 buffered events.
func NewConn() *Conn {
	return &Conn{events: make(chan realtime.Event, 64)}
}

// Emit delivers one inbound event. It reports false once the stream ended.
func (c *Conn) Emit(ev realtime.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// End closes the event stream cleanly, as if the peer shut the session down.
func (c *Conn) End() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

// Fail terminates the stream with err, as a fatal transport error would.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.End()
}

// SendAudio implements realtime.Conn.
func (c *Conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.SendAudioCalls = append(c.SendAudioCalls, buf)
	return c.SendAudioErr
}

// SendToolResult implements realtime.Conn.
func (c *Conn) SendToolResult(res realtime.ToolCallResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendToolResultCalls = append(c.SendToolResultCalls, res)
	return c.SendToolResultErr
}

// Events implements realtime.Conn.
func (c *Conn) Events() <-chan realtime.Event { return c.events }

// Err implements realtime.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements realtime.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.mu.Unlock()
	c.End()
	return nil
}

// AudioSent returns a copy of all SendAudio payloads so far.
func (c *Conn) AudioSent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SendAudioCalls))
	copy(out, c.SendAudioCalls)
	return out
}

// ToolResultsSent returns a copy of all SendToolResult arguments so far.
func (c *Conn) ToolResultsSent() []realtime.ToolCallResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.ToolCallResult, len(c.SendToolResultCalls))
	copy(out, c.SendToolResultCalls)
	return out
}
