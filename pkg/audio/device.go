package audio

import (
	"context"
	"time"
)

// StreamConfig describes the capture stream a session wants: the sample rate
// the remote service expects and the cadence frames should arrive at.
type StreamConfig struct {
	// Rate is the capture sample rate in Hz.
	Rate int

	// FramePeriod is the duration of each delivered frame. Zero means
	// [DefaultFramePeriod].
	FramePeriod time.Duration
}

// SamplesPerFrame returns how many samples one frame period holds at the
// configured rate.
func (c StreamConfig) SamplesPerFrame() int {
	period := c.FramePeriod
	if period <= 0 {
		period = DefaultFramePeriod
	}
	return int(int64(c.Rate) * int64(period) / int64(time.Second))
}

// InputDevice opens capture streams from a microphone. Acquiring the
// underlying hardware may be permission-gated and block until the user
// grants access; the context bounds that wait.
type InputDevice interface {
	OpenCapture(ctx context.Context, cfg StreamConfig) (CaptureStream, error)
}

// CaptureStream delivers microphone audio as fixed-size frames.
type CaptureStream interface {
	// Frames returns the channel frames arrive on, one per frame period. The
	// channel is closed when the stream ends; call Err to distinguish a
	// deliberate Close from a device failure.
	Frames() <-chan Frame

	// Err reports why the frame channel closed. It returns nil after a
	// deliberate Close and the device error otherwise.
	Err() error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// OutputDevice opens playback streams to a speaker.
type OutputDevice interface {
	OpenPlayback(ctx context.Context, rate int) (PlaybackStream, error)
}

// PlaybackStream plays frames at absolute positions on its own clock, which
// starts at zero when the stream opens and advances in real time.
type PlaybackStream interface {
	// Clock returns the stream's current playback position.
	Clock() time.Duration

	// PlayAt schedules frame to start exactly at start on the stream clock.
	// A start already in the past begins playback immediately. Scheduling is
	// the caller's job; overlapping plays are mixed, not rejected.
	PlayAt(frame Frame, start time.Duration) (Playback, error)

	// Close stops all playback and releases the device. Safe to call more
	// than once.
	Close() error
}

// Playback is the handle for one scheduled frame.
type Playback interface {
	// Done is closed once the frame has finished playing or was stopped.
	Done() <-chan struct{}

	// Stop cancels any not-yet-played audio best-effort. Safe to call more
	// than once and after completion.
	Stop()
}
