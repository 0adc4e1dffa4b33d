package voice

import (
	"context"
	"fmt"

	"github.com/soundline/duplex/internal/observe"
	"github.com/soundline/duplex/pkg/audio"
)

// capturePipeline forwards microphone frames to the transport at the
// device's cadence, ducking them while the agent speaks.
type capturePipeline struct {
	stream  audio.CaptureStream
	send    func(pcm []byte) error
	state   func() TurnState
	onLevel func(float64)
	tap     func(audio.Frame)
	metrics *observe.Metrics
}

// run consumes frames until the stream closes or ctx is cancelled. A device
// failure surfaces as a non-nil error; a deliberate stream Close returns
// nil.
func (p *capturePipeline) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-p.stream.Frames():
			if !ok {
				if err := p.stream.Err(); err != nil {
					return fmt.Errorf("capture: %w", err)
				}
				return nil
			}
			if err := p.forward(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// forward reports the frame's level and sends it, zeroed when ducked.
func (p *capturePipeline) forward(ctx context.Context, frame audio.Frame) error {
	// The level always reflects the live microphone so a UI meter keeps
	// moving while the agent talks over the user.
	level := audio.Level(frame.Samples)
	if p.onLevel != nil {
		p.onLevel(level)
	}
	if p.tap != nil {
		p.tap(frame)
	}

	// The agent can start or stop speaking between any two frames, so the
	// ducking decision is taken fresh for every frame.
	ducked := p.state() == StateSpeaking

	var pcm []byte
	if ducked {
		pcm = make([]byte, len(frame.Samples)*2) // silence on the wire
	} else {
		pcm = audio.EncodePCM16(frame.Samples)
	}

	if p.metrics != nil {
		p.metrics.RecordCaptureFrame(ctx, level, ducked)
	}

	if err := p.send(pcm); err != nil {
		return fmt.Errorf("capture: send: %w", err)
	}
	return nil
}
