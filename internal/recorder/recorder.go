// Package recorder writes both sides of a conversation to disk as Opus.
//
// Each session produces two track files in the configured directory, one for
// the microphone and one for the agent. A track file is a raw packet stream:
// every Opus packet is preceded by its length as a 4-byte big-endian
// integer. The stream carries mono audio at the track's native rate with
// 20 ms packets.
package recorder

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"layeh.com/gopus"

	"github.com/soundline/duplex/pkg/audio"
)

const (
	packetMS = 20

	// maxPacketBytes bounds a single encoded packet. Generous for mono
	// speech at any supported rate.
	maxPacketBytes = 4000
)

// opusEncoder is the subset of the gopus encoder a track needs. Tests
// substitute a fake.
type opusEncoder interface {
	Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error)
}

// Recorder captures one session's audio into per-direction Opus tracks.
type Recorder struct {
	mic   *track
	agent *track
}

// New creates the recording directory if needed and opens both tracks.
// captureRate and playbackRate must be Opus-supported rates (8, 12, 16, 24
// or 48 kHz).
func New(dir, sessionID string, captureRate, playbackRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}

	mic, err := openTrack(filepath.Join(dir, sessionID+"-mic.opuspkt"), captureRate)
	if err != nil {
		return nil, err
	}
	agent, err := openTrack(filepath.Join(dir, sessionID+"-agent.opuspkt"), playbackRate)
	if err != nil {
		mic.close()
		return nil, err
	}
	return &Recorder{mic: mic, agent: agent}, nil
}

// CaptureTap returns the tap to hang on the capture pipeline.
func (r *Recorder) CaptureTap() func(audio.Frame) {
	return r.mic.write
}

// PlaybackTap returns the tap to hang on the playback path.
func (r *Recorder) PlaybackTap() func(audio.Frame) {
	return r.agent.write
}

// Close flushes and closes both tracks. Audio shorter than one packet at the
// tail is dropped.
func (r *Recorder) Close() error {
	micErr := r.mic.close()
	agentErr := r.agent.close()
	if micErr != nil {
		return micErr
	}
	return agentErr
}

// track encodes one direction of audio into a packet stream file.
type track struct {
	mu        sync.Mutex
	enc       opusEncoder
	file      *os.File
	rate      int
	frameSize int
	pending   []int16
	closed    bool
}

func openTrack(path string, rate int) (*track, error) {
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("recorder: create encoder for %d Hz: %w", rate, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %q: %w", path, err)
	}
	return &track{
		enc:       enc,
		file:      f,
		rate:      rate,
		frameSize: rate * packetMS / 1000,
	}, nil
}

// write appends the frame's samples and flushes every complete packet. Safe
// to call from the audio pipelines; a failure logs a warning and disables
// the track so recording problems never disturb the conversation.
func (t *track) write(frame audio.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || frame.Rate != t.rate {
		return
	}

	t.pending = append(t.pending, samplesToInt16(frame.Samples)...)
	for len(t.pending) >= t.frameSize {
		packet, err := t.enc.Encode(t.pending[:t.frameSize], t.frameSize, maxPacketBytes)
		if err != nil {
			t.disable("encode", err)
			return
		}
		if err := writePacket(t.file, packet); err != nil {
			t.disable("write", err)
			return
		}
		t.pending = t.pending[t.frameSize:]
	}
}

// disable marks the track closed after a failure. Called with mu held.
func (t *track) disable(op string, err error) {
	t.closed = true
	slog.Warn("recording track disabled", "file", t.file.Name(), "op", op, "error", err)
}

func (t *track) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.closed = true
	if err != nil {
		return fmt.Errorf("recorder: close track: %w", err)
	}
	return nil
}

// writePacket emits one length-prefixed packet.
func writePacket(f *os.File, packet []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.Write(packet)
	return err
}

// samplesToInt16 converts float32 samples to int16 with clamping, matching
// the wire codec's behaviour.
func samplesToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}
