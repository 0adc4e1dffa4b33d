// Package mock provides scriptable in-memory implementations of the audio
// device interfaces for tests.
//
// All mocks record their calls and expose settable error fields. The
// playback stream's clock is manual: tests advance it explicitly and decide
// when each scheduled play completes.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/soundline/duplex/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.InputDevice    = (*InputDevice)(nil)
	_ audio.CaptureStream  = (*CaptureStream)(nil)
	_ audio.OutputDevice   = (*OutputDevice)(nil)
	_ audio.PlaybackStream = (*PlaybackStream)(nil)
	_ audio.Playback       = (*Play)(nil)
)

// InputDevice is a mock audio.InputDevice. Set OpenErr to make OpenCapture
// fail; otherwise it hands out Stream (created on first use when nil).
type InputDevice struct {
	mu sync.Mutex

	// Stream is the capture stream OpenCapture returns.
	Stream *CaptureStream

	// OpenErr, when non-nil, is returned by OpenCapture.
	OpenErr error

	// OpenCalls records the config of every OpenCapture call.
	OpenCalls []audio.StreamConfig
}

// OpenCapture implements audio.InputDevice.
func (d *InputDevice) OpenCapture(_ context.Context, cfg audio.StreamConfig) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream == nil {
		d.Stream = NewCaptureStream()
	}
	return d.Stream, nil
}

// CaptureStream is a mock audio.CaptureStream fed by the test through Emit.
type CaptureStream struct {
	mu        sync.Mutex
	frames    chan audio.Frame
	err       error
	closed    bool
	closeOnce sync.Once

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// NewCaptureStream returns a stream with room for 64 buffered frames.
func NewCaptureStream() *CaptureStream {
	return &CaptureStream{frames: make(chan audio.Frame, 64)}
}

// Emit delivers one frame to the consumer. It reports false once the stream
// has been closed.
func (s *CaptureStream) Emit(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Fail simulates a device failure: the given error becomes visible through
// Err and the frame channel closes.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.frames)
	})
}

// Frames implements audio.CaptureStream.
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Err implements audio.CaptureStream.
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements audio.CaptureStream.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.frames)
	})
	return nil
}

// OutputDevice is a mock audio.OutputDevice.
type OutputDevice struct {
	mu sync.Mutex

	// Stream is the playback stream OpenPlayback returns.
	Stream *PlaybackStream

	// OpenErr, when non-nil, is returned by OpenPlayback.
	OpenErr error

	// OpenCalls records the rate of every OpenPlayback call.
	OpenCalls []int
}

// OpenPlayback implements audio.OutputDevice.
func (d *OutputDevice) OpenPlayback(_ context.Context, rate int) (audio.PlaybackStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, rate)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream == nil {
		d.Stream = &PlaybackStream{}
	}
	return d.Stream, nil
}

// PlaybackStream is a mock audio.PlaybackStream with a manually advanced
// clock. Scheduled plays never complete on their own; tests call Complete on
// individual plays.
type PlaybackStream struct {
	mu    sync.Mutex
	clock time.Duration

	// Plays records every PlayAt call in order.
	Plays []*Play

	// PlayErr, when non-nil, is returned by PlayAt.
	PlayErr error

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// SetClock moves the stream clock to d.
func (s *PlaybackStream) SetClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = d
}

// AdvanceClock moves the stream clock forward by d.
func (s *PlaybackStream) AdvanceClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += d
}

// Clock implements audio.PlaybackStream.
func (s *PlaybackStream) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// PlayAt implements audio.PlaybackStream.
func (s *PlaybackStream) PlayAt(frame audio.Frame, start time.Duration) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	p := &Play{Frame: frame, Start: start, done: make(chan struct{})}
	s.Plays = append(s.Plays, p)
	return p, nil
}

// Close implements audio.PlaybackStream.
func (s *PlaybackStream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	return nil
}

// PlaysSnapshot returns a copy of all recorded plays so far.
func (s *PlaybackStream) PlaysSnapshot() []*Play {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Play, len(s.Plays))
	copy(out, s.Plays)
	return out
}

// Play is one recorded PlayAt call.
type Play struct {
	// Frame and Start capture the scheduling request.
	Frame audio.Frame
	Start time.Duration

	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	stopped bool
}

// Complete marks the play as finished, closing Done.
func (p *Play) Complete() {
	p.once.Do(func() { close(p.done) })
}

// Stopped reports whether Stop was called before the play completed.
func (p *Play) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Done implements audio.Playback.
func (p *Play) Done() <-chan struct{} { return p.done }

// Stop implements audio.Playback.
func (p *Play) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}
