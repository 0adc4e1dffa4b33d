package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soundline/duplex/pkg/audio"
	audiomock "github.com/soundline/duplex/pkg/audio/mock"
	"github.com/soundline/duplex/pkg/realtime"
	rtmock "github.com/soundline/duplex/pkg/realtime/mock"
)

// sessionHarness bundles a session with the mocks behind it.
type sessionHarness struct {
	session  *Session
	dialer   *rtmock.Dialer
	conn     *rtmock.Conn
	capture  *audiomock.CaptureStream
	playback *audiomock.PlaybackStream
	input    *audiomock.InputDevice
	output   *audiomock.OutputDevice
}

func newHarness(t *testing.T, mutate func(*Config)) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		conn:     rtmock.NewConn(),
		capture:  audiomock.NewCaptureStream(),
		playback: &audiomock.PlaybackStream{},
	}
	h.dialer = &rtmock.Dialer{Conn: h.conn}
	h.input = &audiomock.InputDevice{Stream: h.capture}
	h.output = &audiomock.OutputDevice{Stream: h.playback}

	cfg := Config{
		Dialer: h.dialer,
		Input:  h.input,
		Output: h.output,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.session = s
	t.Cleanup(s.Stop)
	return h
}

// agentAudio returns a wire-encoded agent chunk of the given duration.
func agentAudio(d time.Duration) []byte {
	n := int(int64(24000) * int64(d) / int64(time.Second))
	return audio.EncodePCM16(make([]float32, n))
}

func TestSessionConfig_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config should fail")
	}
	if _, err := New(Config{Dialer: &rtmock.Dialer{}}); err == nil {
		t.Error("New without devices should fail")
	}
}

func TestSession_StartReachesListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if got := h.session.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.session.State(); got != StateListening {
		t.Fatalf("state after Start = %v, want listening", got)
	}

	// Devices were opened with the transport's rates.
	if got := h.input.OpenCalls[0].Rate; got != 16000 {
		t.Errorf("capture rate = %d, want 16000", got)
	}
	if got := h.output.OpenCalls[0]; got != 24000 {
		t.Errorf("playback rate = %d, want 24000", got)
	}

	// The status stream saw Connecting then Listening.
	var seen []TurnState
	for len(seen) < 2 {
		select {
		case st := <-h.session.Status():
			seen = append(seen, st)
		case <-time.After(2 * time.Second):
			t.Fatalf("status stream stalled after %v", seen)
		}
	}
	if seen[0] != StateConnecting || seen[1] != StateListening {
		t.Errorf("status sequence = %v, want [connecting listening]", seen)
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(h.dialer.DialCalls); got != 1 {
		t.Errorf("dialled %d times, want 1", got)
	}
}

func TestSession_DialFailureReleasesDevices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	dialErr := errors.New("endpoint unreachable")
	h.dialer.DialErr = dialErr

	err := h.session.Start(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("Start error = %v, want wrapped %v", err, dialErr)
	}

	<-h.session.Done()
	if got := h.session.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
	if h.capture.CloseCallCount == 0 {
		t.Error("capture stream never closed")
	}
	if h.playback.CloseCallCount == 0 {
		t.Error("playback stream never closed")
	}
	if !errors.Is(h.session.Err(), dialErr) {
		t.Errorf("Err() = %v, want wrapped %v", h.session.Err(), dialErr)
	}
}

func TestSession_CaptureFlowsToTransport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	samples := []float32{0.1, -0.1, 0.2, -0.2}
	h.capture.Emit(audio.Frame{Samples: samples, Rate: 16000})

	waitFor(t, func() bool { return len(h.conn.AudioSent()) == 1 }, "capture frame never sent")

	// A level reading arrived alongside.
	select {
	case level := <-h.session.Levels():
		if level <= 0 || level > 1 {
			t.Errorf("level = %v, want in (0, 1]", level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no level reading")
	}
}

func TestSession_AgentAudioDrivesTurnTaking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindAudio, Audio: agentAudio(200 * time.Millisecond)})
	waitFor(t, func() bool { return h.session.State() == StateSpeaking }, "never entered speaking")

	// While speaking, captured audio is ducked to silence on the wire.
	h.capture.Emit(audio.Frame{Samples: []float32{0.5, 0.5}, Rate: 16000})
	waitFor(t, func() bool { return len(h.conn.AudioSent()) == 1 }, "ducked frame never sent")
	for _, b := range h.conn.AudioSent()[0] {
		if b != 0 {
			t.Fatal("wire bytes during speaking are not silence")
		}
	}

	plays := h.playback.PlaysSnapshot()
	if len(plays) != 1 {
		t.Fatalf("scheduled %d plays, want 1", len(plays))
	}
	if got := plays[0].Frame.Duration(); got != 200*time.Millisecond {
		t.Errorf("scheduled duration = %v, want 200ms", got)
	}

	plays[0].Complete()
	waitFor(t, func() bool { return h.session.State() == StateListening }, "never returned to listening")

	// The finished turn produced a record.
	select {
	case rec := <-h.session.Records():
		if rec.Turn != 1 {
			t.Errorf("record turn = %d, want 1", rec.Turn)
		}
		if rec.AudioDuration != 200*time.Millisecond {
			t.Errorf("record audio duration = %v, want 200ms", rec.AudioDuration)
		}
		if rec.Interrupted {
			t.Error("record marked interrupted, want clean completion")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no interaction record")
	}
}

func TestSession_BargeInCancelsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindAudio, Audio: agentAudio(500 * time.Millisecond)})
	waitFor(t, func() bool { return h.session.State() == StateSpeaking }, "never entered speaking")

	h.conn.Emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalInterrupted})
	waitFor(t, func() bool { return h.session.State() == StateListening }, "interrupt never processed")

	if !h.playback.PlaysSnapshot()[0].Stopped() {
		t.Error("outstanding play was not stopped")
	}

	select {
	case rec := <-h.session.Records():
		if !rec.Interrupted {
			t.Error("record not marked interrupted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no interaction record")
	}
}

func TestSession_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	tools := NewDispatcher()
	tools.Register(realtime.ToolDefinition{Name: "lookup"}, func(_ context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"answer": args["q"]}, nil
	})

	h := newHarness(t, func(cfg *Config) { cfg.Tools = tools })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The handshake advertised the registered tools.
	if got := h.dialer.DialCalls[0].Config.Tools; len(got) != 1 || got[0].Name != "lookup" {
		t.Errorf("advertised tools = %v, want [lookup]", got)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindToolCall, ToolCall: &realtime.ToolCallRequest{
		ID:   "req-9",
		Name: "lookup",
		Args: map[string]any{"q": "42"},
	}})

	waitFor(t, func() bool { return len(h.conn.ToolResultsSent()) == 1 }, "tool result never sent")
	res := h.conn.ToolResultsSent()[0]
	if res.ID != "req-9" {
		t.Errorf("result ID = %q, want req-9", res.ID)
	}
	if res.IsError {
		t.Errorf("IsError = true, output %v", res.Output)
	}
	if res.Output["answer"] != "42" {
		t.Errorf("output = %v, want answer=42", res.Output)
	}
}

func TestSession_ToolFailureDoesNotEndSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindToolCall, ToolCall: &realtime.ToolCallRequest{
		ID:   "req-1",
		Name: "not_registered",
	}})

	waitFor(t, func() bool { return len(h.conn.ToolResultsSent()) == 1 }, "tool result never sent")
	res := h.conn.ToolResultsSent()[0]
	if !res.IsError {
		t.Error("expected error-shaped result for unknown tool")
	}
	if got := h.session.State(); got != StateListening {
		t.Errorf("state = %v, want listening (tool failures stay local)", got)
	}
}

func TestSession_UnknownEventsAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.EventKind(99)})
	h.conn.Emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.ControlSignal(99)})

	// The session keeps running and still handles real events afterwards.
	h.conn.Emit(realtime.Event{Kind: realtime.KindAudio, Audio: agentAudio(100 * time.Millisecond)})
	waitFor(t, func() bool { return h.session.State() == StateSpeaking }, "session stopped handling events")
}

func TestSession_TransportErrorIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wireErr := errors.New("connection reset by peer")
	h.conn.Fail(wireErr)

	<-h.session.Done()
	if got := h.session.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
	if !errors.Is(h.session.Err(), wireErr) {
		t.Errorf("Err() = %v, want wrapped %v", h.session.Err(), wireErr)
	}
	if h.capture.CloseCallCount == 0 || h.playback.CloseCallCount == 0 {
		t.Error("devices not released on transport failure")
	}
}

func TestSession_RemoteCloseEndsCleanly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalClosed})

	<-h.session.Done()
	if got := h.session.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
	if err := h.session.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for a clean remote close", err)
	}
}

func TestSession_DeviceFailureIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	devErr := errors.New("device lost")
	h.capture.Fail(devErr)

	<-h.session.Done()
	if got := h.session.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
	if !errors.Is(h.session.Err(), devErr) {
		t.Errorf("Err() = %v, want wrapped %v", h.session.Err(), devErr)
	}
}

func TestSession_StopReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.session.Stop()
	h.session.Stop() // idempotent

	<-h.session.Done()
	if got := h.session.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
	if err := h.session.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after Stop", err)
	}
	if h.capture.CloseCallCount == 0 {
		t.Error("capture stream never closed")
	}
	if h.playback.CloseCallCount == 0 {
		t.Error("playback stream never closed")
	}
	if h.conn.CloseCallCount == 0 {
		t.Error("connection never closed")
	}

	// All streams drain.
	for range h.session.Status() {
	}
	for range h.session.Levels() {
	}
	for range h.session.Records() {
	}
}

func TestSession_StopBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.session.Stop()

	<-h.session.Done()
	if got := h.session.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}

	// Starting afterwards is refused without touching any resource.
	if err := h.session.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
	if got := len(h.dialer.DialCalls); got != 0 {
		t.Errorf("dialled %d times after Stop, want 0", got)
	}
}

// gatedInput blocks OpenCapture until the test releases it, simulating a
// device that stalls on an OS permission prompt.
type gatedInput struct {
	inner   audio.InputDevice
	entered chan struct{}
	release chan struct{}
}

func (d *gatedInput) OpenCapture(ctx context.Context, cfg audio.StreamConfig) (audio.CaptureStream, error) {
	close(d.entered)
	<-d.release
	return d.inner.OpenCapture(ctx, cfg)
}

func TestSession_StopDuringDeviceAcquisition(t *testing.T) {
	t.Parallel()

	gate := &gatedInput{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(cfg *Config) {
		gate.inner = cfg.Input
		cfg.Input = gate
	})

	startErr := make(chan error, 1)
	go func() { startErr <- h.session.Start(context.Background()) }()

	<-gate.entered
	h.session.Stop()
	<-h.session.Done()
	close(gate.release)

	if err := <-startErr; !errors.Is(err, errSessionStopped) {
		t.Fatalf("Start error = %v, want %v", err, errSessionStopped)
	}
	if got := len(h.dialer.DialCalls); got != 0 {
		t.Errorf("dialled %d times after Stop, want 0", got)
	}
	waitFor(t, func() bool { return h.capture.CloseCallCount > 0 }, "capture stream never closed")

	// The dead session accepts no more frames.
	if h.capture.Emit(audio.Frame{Samples: []float32{0.1}, Rate: 16000}) {
		t.Error("capture stream still open after Stop")
	}
	if got := h.session.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
}

func TestSession_StopDuringSpeaking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.conn.Emit(realtime.Event{Kind: realtime.KindAudio, Audio: agentAudio(300 * time.Millisecond)})
	waitFor(t, func() bool { return h.session.State() == StateSpeaking }, "never entered speaking")

	h.session.Stop()
	<-h.session.Done()

	if got := h.session.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
	if !h.playback.PlaysSnapshot()[0].Stopped() {
		t.Error("outstanding play not stopped on Stop")
	}
}
