// Package malgo adapts local audio hardware to the duplex device interfaces
// using miniaudio (github.com/gen2brain/malgo).
//
// Capture delivers fixed-size float32 mono frames at the requested cadence.
// Playback implements the absolute-start scheduling contract: the stream
// clock is the number of samples the device has rendered, and each PlayAt
// call mixes its frame into the render callback at the requested position.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/soundline/duplex/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.InputDevice    = (*Platform)(nil)
	_ audio.OutputDevice   = (*Platform)(nil)
	_ audio.CaptureStream  = (*captureStream)(nil)
	_ audio.PlaybackStream = (*playbackStream)(nil)
	_ audio.Playback       = (*scheduledPlay)(nil)
)

// ErrDeviceStopped is reported by a capture stream whose device stopped
// without Close being called, e.g. because the hardware was unplugged.
var ErrDeviceStopped = errors.New("malgo: device stopped unexpectedly")

// Platform owns a miniaudio context and opens capture and playback streams
// on the system default devices. It is safe for concurrent use.
type Platform struct {
	ctx *malgo.AllocatedContext
}

// NewPlatform initialises a miniaudio context for the host backend.
// Call Close when no more streams will be opened.
func NewPlatform() (*Platform, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Platform{ctx: ctx}, nil
}

// Close tears down the miniaudio context. Streams opened from this platform
// must be closed first.
func (p *Platform) Close() error {
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	p.ctx.Free()
	return nil
}

// OpenCapture implements audio.InputDevice. The device runs in float32 mono
// at cfg.Rate; miniaudio converts from the hardware format when needed.
func (p *Platform) OpenCapture(_ context.Context, cfg audio.StreamConfig) (audio.CaptureStream, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("malgo: open capture: invalid rate %d", cfg.Rate)
	}
	frameSize := cfg.SamplesPerFrame()
	if frameSize <= 0 {
		return nil, fmt.Errorf("malgo: open capture: invalid frame period %v", cfg.FramePeriod)
	}

	s := &captureStream{
		frames:    make(chan audio.Frame, 16),
		rate:      cfg.Rate,
		frameSize: frameSize,
		pending:   make([]float32, 0, frameSize),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.Rate)

	dev, err := malgo.InitDevice(p.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}
	return s, nil
}

// OpenPlayback implements audio.OutputDevice.
func (p *Platform) OpenPlayback(_ context.Context, rate int) (audio.PlaybackStream, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("malgo: open playback: invalid rate %d", rate)
	}

	s := &playbackStream{rate: rate}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(rate)

	dev, err := malgo.InitDevice(p.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start playback device: %w", err)
	}
	return s, nil
}

// captureStream chunks the device callback's sample flow into fixed-size
// frames. The callback runs on miniaudio's audio thread, so it must never
// block: a full consumer channel drops the frame and counts it.
type captureStream struct {
	dev       *malgo.Device
	frames    chan audio.Frame
	rate      int
	frameSize int

	mu      sync.Mutex
	pending []float32
	closed  bool
	err     error
	dropped int
}

func (s *captureStream) onData(_, input []byte, frameCount uint32) {
	samples := bytesToFloat32(input, int(frameCount))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSize {
		frame := audio.Frame{Samples: make([]float32, s.frameSize), Rate: s.rate}
		copy(frame.Samples, s.pending[:s.frameSize])
		s.pending = s.pending[:copy(s.pending, s.pending[s.frameSize:])]

		select {
		case s.frames <- frame:
		default:
			// Consumer is not keeping up; drop rather than stall the
			// audio thread.
			s.dropped++
			if s.dropped%100 == 1 {
				slog.Warn("capture consumer falling behind, dropping frames", "dropped", s.dropped)
			}
		}
	}
}

func (s *captureStream) onStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = ErrDeviceStopped
	close(s.frames)
}

// Frames implements audio.CaptureStream.
func (s *captureStream) Frames() <-chan audio.Frame { return s.frames }

// Err implements audio.CaptureStream.
func (s *captureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements audio.CaptureStream. It stops the device and closes the
// frame channel without reporting an error.
func (s *captureStream) Close() error {
	s.mu.Lock()
	if s.dev == nil {
		s.mu.Unlock()
		return nil
	}
	dev := s.dev
	s.dev = nil
	alreadyClosed := s.closed
	s.closed = true
	s.err = nil
	if !alreadyClosed {
		close(s.frames)
	}
	s.mu.Unlock()

	// Uninit stops the device and triggers onStop, which sees closed and
	// returns; the lock is released first to avoid deadlocking against the
	// audio thread.
	dev.Uninit()
	return nil
}

// playbackStream renders scheduled plays in the device callback. The clock
// is the count of samples handed to the device, so Clock moves in real time
// while the device runs.
type playbackStream struct {
	dev  *malgo.Device
	rate int

	mu       sync.Mutex
	rendered int64
	plays    []*scheduledPlay
	closed   bool
}

// Clock implements audio.PlaybackStream.
func (s *playbackStream) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rendered) * time.Second / time.Duration(s.rate)
}

// PlayAt implements audio.PlaybackStream.
func (s *playbackStream) PlayAt(frame audio.Frame, start time.Duration) (audio.Playback, error) {
	if frame.Rate != s.rate {
		return nil, fmt.Errorf("malgo: play: frame rate %d does not match stream rate %d", frame.Rate, s.rate)
	}

	samples := make([]float32, len(frame.Samples))
	copy(samples, frame.Samples)
	p := &scheduledPlay{
		samples: samples,
		start:   int64(start) * int64(s.rate) / int64(time.Second),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("malgo: play: stream closed")
	}
	if p.start < s.rendered {
		p.start = s.rendered
	}
	s.plays = append(s.plays, p)
	return p, nil
}

// Close implements audio.PlaybackStream.
func (s *playbackStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	plays := s.plays
	s.plays = nil
	dev := s.dev
	s.mu.Unlock()

	for _, p := range plays {
		p.finish()
	}
	dev.Uninit()
	return nil
}

// onData mixes every overlapping scheduled play into the output buffer.
// Positions the schedule left silent render as zeros, which is what keeps
// playback gapless without per-sample bookkeeping by the caller.
func (s *playbackStream) onData(output, _ []byte, frameCount uint32) {
	n := int(frameCount)
	buf := bytesAsFloat32(output, n)
	for i := range buf {
		buf[i] = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	from := s.rendered
	to := from + int64(n)
	var finished []*scheduledPlay
	live := s.plays[:0]
	for _, p := range s.plays {
		if p.cancelled() {
			finished = append(finished, p)
			continue
		}
		end := p.start + int64(len(p.samples))
		if end <= from {
			finished = append(finished, p)
			continue
		}
		if p.start < to {
			lo := max(p.start, from)
			hi := min(end, to)
			for pos := lo; pos < hi; pos++ {
				v := buf[pos-from] + p.samples[pos-p.start]
				// Hard clip when concurrent plays overlap.
				if v > 1 {
					v = 1
				} else if v < -1 {
					v = -1
				}
				buf[pos-from] = v
			}
		}
		if end <= to {
			finished = append(finished, p)
			continue
		}
		live = append(live, p)
	}
	s.plays = live
	s.rendered = to

	for _, p := range finished {
		p.finish()
	}
}

// scheduledPlay is one frame scheduled at an absolute sample position.
type scheduledPlay struct {
	samples []float32
	start   int64

	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	stopped bool
}

// Done implements audio.Playback.
func (p *scheduledPlay) Done() <-chan struct{} { return p.done }

// Stop implements audio.Playback. The play is dropped from the mix on the
// next render callback; the few milliseconds already handed to the device
// cannot be recalled.
func (p *scheduledPlay) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.finish()
}

func (p *scheduledPlay) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *scheduledPlay) finish() {
	p.once.Do(func() { close(p.done) })
}

// bytesToFloat32 copies frameCount float32 samples out of a device buffer.
func bytesToFloat32(data []byte, frameCount int) []float32 {
	out := make([]float32, frameCount)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// bytesAsFloat32 reinterprets a device buffer as float32 samples in place.
func bytesAsFloat32(data []byte, frameCount int) []float32 {
	if len(data) < frameCount*4 {
		frameCount = len(data) / 4
	}
	if frameCount == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), frameCount)
}
