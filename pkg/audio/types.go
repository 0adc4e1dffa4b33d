// Package audio defines the frame type, the PCM16 wire codec, and the local
// device abstractions used by the duplex voice pipeline.
//
// A [Frame] is the atomic unit of audio transport: a chunk of mono float32
// samples captured from a microphone or decoded from the remote peer. The two
// device abstractions are:
//
//   - [InputDevice] / [CaptureStream] — a microphone delivering frames at a
//     fixed cadence.
//   - [OutputDevice] / [PlaybackStream] — a speaker that plays frames at
//     absolute positions on its own monotonic clock.
//
// Platform adapters live in subpackages (audio/malgo for local hardware);
// audio/mock provides scriptable test doubles.
package audio

import "time"

// Standard session sample rates. Capture feeds the remote service at 16 kHz
// and the service replies at 24 kHz; transports may override these through
// their session profile.
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
)

// DefaultFramePeriod is the capture cadence: one frame every 20 ms.
const DefaultFramePeriod = 20 * time.Millisecond

// Frame is a single chunk of mono audio in native float32 format.
// Samples are nominally in [-1, 1]; the codec clamps anything outside.
type Frame struct {
	// Samples holds the mono samples.
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int
}

// Duration returns how long the frame takes to play at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate)
}
