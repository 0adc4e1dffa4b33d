package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundline/duplex/internal/observe"
	"github.com/soundline/duplex/pkg/audio"
	"github.com/soundline/duplex/pkg/realtime"
)

// errServiceClosed marks the remote service ending the session deliberately.
// It terminates the run loop but resolves to a clean Ended state.
var errServiceClosed = errors.New("voice: service closed the session")

// errSessionStopped reports Start finding the session already torn down.
var errSessionStopped = errors.New("voice: session already stopped")

// Config wires a [Session] to its devices, transport and tools.
type Config struct {
	// Dialer connects to the realtime speech service. Required.
	Dialer realtime.Dialer

	// Input provides the microphone. Required.
	Input audio.InputDevice

	// Output provides the speaker. Required.
	Output audio.OutputDevice

	// Session carries the provider handshake parameters. When Session.Tools
	// is empty and Tools is set, the dispatcher's registered definitions are
	// advertised instead.
	Session realtime.SessionConfig

	// Tools handles tool call requests from the service. Optional; without
	// it every request is answered with an error-shaped result.
	Tools *Dispatcher

	// FramePeriod is the capture frame cadence. Zero means
	// [audio.DefaultFramePeriod].
	FramePeriod time.Duration

	// WatchdogMargin is added to each playback unit's duration to form its
	// completion deadline. Zero means [DefaultWatchdogMargin].
	WatchdogMargin time.Duration

	// Metrics receives instrumentation. Optional.
	Metrics *observe.Metrics

	// CaptureTap, when set, receives every captured frame before ducking.
	// Used for local recording; must not block.
	CaptureTap func(audio.Frame)

	// PlaybackTap, when set, receives every decoded agent frame before it is
	// scheduled. Must not block.
	PlaybackTap func(audio.Frame)
}

func (c Config) validate() error {
	var errs []error
	if c.Dialer == nil {
		errs = append(errs, errors.New("voice: config: Dialer is required"))
	}
	if c.Input == nil {
		errs = append(errs, errors.New("voice: config: Input is required"))
	}
	if c.Output == nil {
		errs = append(errs, errors.New("voice: config: Output is required"))
	}
	return errors.Join(errs...)
}

// Session is one duplex voice conversation: microphone frames stream to the
// service while the agent's audio plays back gaplessly, with turn-taking
// driven by the [StateMachine].
//
// A Session runs at most once. Start connects and spins up the pipelines;
// Stop (or any terminal failure) releases every acquired resource. Both are
// safe to call repeatedly and in any state.
type Session struct {
	cfg     Config
	states  *StateMachine
	tools   *Dispatcher
	metrics *observe.Metrics

	statusCh chan TurnState
	levelCh  chan float64
	recordCh chan InteractionRecord
	done     chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	err       error
	cancel    context.CancelFunc
	conn      realtime.Conn
	capture   audio.CaptureStream
	playback  audio.PlaybackStream
	sched     *scheduler
	group     *errgroup.Group

	stopOnce sync.Once
	toolWG   sync.WaitGroup

	turnMu          sync.Mutex
	turnActive      bool
	turnIndex       int
	turnStart       time.Time
	turnAudio       time.Duration
	turnTools       int
	turnInterrupted bool
}

// New creates a session in the Idle state. It acquires nothing yet.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewDispatcher()
	}
	s := &Session{
		cfg:      cfg,
		states:   NewStateMachine(cfg.Metrics),
		tools:    tools,
		metrics:  cfg.Metrics,
		statusCh: make(chan TurnState, 16),
		levelCh:  make(chan float64, 16),
		recordCh: make(chan InteractionRecord, 32),
		done:     make(chan struct{}),
	}

	sub := s.states.Subscribe(16)
	go s.forward(sub)
	return s, nil
}

// forward relays state transitions to the status stream and emits an
// interaction record whenever a turn ends.
func (s *Session) forward(sub <-chan TurnState) {
	defer close(s.recordCh)
	defer close(s.statusCh)
	for st := range sub {
		select {
		case s.statusCh <- st:
		default:
		}
		if st == StateListening || st.Terminal() {
			if rec, ok := s.takeTurnRecord(); ok {
				select {
				case s.recordCh <- rec:
				default:
					slog.Warn("interaction record dropped, consumer too slow", "turn", rec.Turn)
				}
			}
		}
	}
}

// Start connects to the service, acquires the audio devices and launches the
// capture and demux loops. A second call is a no-op. Every failure path
// releases whatever was already acquired and leaves the session in Error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if !s.states.ToConnecting() {
		return errSessionStopped
	}

	profile := s.cfg.Dialer.Profile()

	capture, err := s.cfg.Input.OpenCapture(ctx, audio.StreamConfig{
		Rate:        profile.CaptureRate,
		FramePeriod: s.cfg.FramePeriod,
	})
	if err != nil {
		err = fmt.Errorf("voice: open capture: %w", err)
		s.shutdown(StateError, err)
		return err
	}
	// Device acquisition can block for a long time (permission prompts). A
	// Stop that landed meanwhile already ran the full teardown with nothing
	// acquired, so every later acquisition is ours to release.
	if s.stopRequested() {
		capture.Close()
		return errSessionStopped
	}

	playback, err := s.cfg.Output.OpenPlayback(ctx, profile.PlaybackRate)
	if err != nil {
		capture.Close()
		err = fmt.Errorf("voice: open playback: %w", err)
		s.shutdown(StateError, err)
		return err
	}
	if s.stopRequested() {
		capture.Close()
		playback.Close()
		return errSessionStopped
	}

	sessCfg := s.cfg.Session
	if len(sessCfg.Tools) == 0 {
		sessCfg.Tools = s.tools.Definitions()
	}
	conn, err := s.cfg.Dialer.Dial(ctx, sessCfg)
	if err != nil {
		capture.Close()
		playback.Close()
		err = fmt.Errorf("voice: dial: %w", err)
		s.shutdown(StateError, err)
		return err
	}

	sched := newScheduler(playback, s.states, s.cfg.WatchdogMargin, s.metrics)

	// The run loops outlive the Start context; only Stop or a terminal
	// failure ends them.
	runCtx, cancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)

	pipeline := &capturePipeline{
		stream:  capture,
		send:    conn.SendAudio,
		state:   s.states.Current,
		onLevel: s.pushLevel,
		tap:     s.cfg.CaptureTap,
		metrics: s.metrics,
	}

	// Publishing the resources, re-checking for a concurrent Stop and
	// launching the run loops happen under one lock: either shutdown sees
	// the full set (and waits out the loops before closing the streams), or
	// this call releases everything itself.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		capture.Close()
		sched.close()
		playback.Close()
		conn.Close()
		return errSessionStopped
	}
	s.cancel = cancel
	s.conn = conn
	s.capture = capture
	s.playback = playback
	s.sched = sched
	s.group = g
	g.Go(func() error { return pipeline.run(runCtx) })
	g.Go(func() error { return s.demux(runCtx, profile) })
	s.mu.Unlock()

	s.states.ToListening()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}

	go s.finish(g)
	return nil
}

// finish resolves the session once the run loops end, mapping the group
// error to the terminal state.
func (s *Session) finish(g *errgroup.Group) {
	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, errServiceClosed):
		s.shutdown(StateEnded, nil)
	default:
		s.shutdown(StateError, err)
	}
}

// demux routes inbound transport events to the playback scheduler, the tool
// dispatcher and the state machine.
func (s *Session) demux(ctx context.Context, profile realtime.Profile) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.conn.Events():
			if !ok {
				if err := s.conn.Err(); err != nil {
					return fmt.Errorf("voice: transport: %w", err)
				}
				return nil
			}
			if err := s.handleEvent(ctx, ev, profile); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev realtime.Event, profile realtime.Profile) error {
	switch ev.Kind {
	case realtime.KindAudio:
		frame := audio.Frame{
			Samples: audio.DecodePCM16(ev.Audio),
			Rate:    profile.PlaybackRate,
		}
		if s.cfg.PlaybackTap != nil {
			s.cfg.PlaybackTap(frame)
		}
		s.noteTurnAudio(frame.Duration())
		if err := s.sched.enqueue(frame); err != nil {
			if errors.Is(err, errSchedulerClosed) {
				return nil
			}
			return fmt.Errorf("voice: %w", err)
		}

	case realtime.KindToolCall:
		req := *ev.ToolCall
		s.noteToolCall()
		s.toolWG.Add(1)
		go func() {
			defer s.toolWG.Done()
			res := s.tools.Dispatch(ctx, req)
			if err := s.conn.SendToolResult(res); err != nil {
				slog.Warn("failed to send tool result", "tool", req.Name, "id", req.ID, "error", err)
			}
		}()

	case realtime.KindControl:
		switch ev.Signal {
		case realtime.SignalInterrupted:
			slog.Debug("service reported barge-in, cancelling playback")
			s.noteInterrupted()
			s.sched.interrupt()
		case realtime.SignalTurnComplete:
			// Generation is done but local playback may still be draining;
			// the scheduler flips back to Listening on real completion.
			slog.Debug("service turn complete")
		case realtime.SignalClosed:
			return errServiceClosed
		case realtime.SignalError:
			return fmt.Errorf("voice: transport: %w", ev.Err)
		default:
			slog.Warn("ignoring unknown control signal", "signal", int(ev.Signal))
		}

	default:
		slog.Warn("ignoring unknown event kind", "kind", int(ev.Kind))
	}
	return nil
}

// shutdown is the single exit path: it tears everything down in dependency
// order and moves the session to final. Only the first caller acts.
func (s *Session) shutdown(final TurnState, cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		conn := s.conn
		capture := s.capture
		playback := s.playback
		sched := s.sched
		group := s.group
		started := s.started
		startedAt := s.startedAt
		s.stopped = true
		if cause != nil {
			s.err = cause
		}
		s.mu.Unlock()

		if cause != nil {
			slog.Error("voice session failed", "error", cause)
		}

		if cancel != nil {
			cancel()
		}
		if capture != nil {
			capture.Close()
		}
		if sched != nil {
			sched.close()
		}
		if playback != nil {
			playback.Close()
		}

		// Every received tool request gets its answer before the connection
		// goes away; send failures were already logged.
		s.toolWG.Wait()
		if conn != nil {
			conn.Close()
		}
		if group != nil {
			_ = group.Wait()
		}

		close(s.levelCh)
		if final == StateError {
			s.states.ToError()
		} else {
			s.states.ToEnded()
		}
		s.states.Close()

		if s.metrics != nil && started && group != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
			s.metrics.SessionDuration.Record(context.Background(), time.Since(startedAt).Seconds())
		}
		close(s.done)
	})
}

// Stop ends the session and releases all resources. Safe to call from any
// state, any number of times, including before Start.
func (s *Session) Stop() {
	s.shutdown(StateEnded, nil)
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	return s.states.Current()
}

// Status returns the stream of turn-state transitions. Closed when the
// session reaches a terminal state.
func (s *Session) Status() <-chan TurnState {
	return s.statusCh
}

// Levels returns the stream of per-frame microphone loudness readings in
// [0, 1]. Readings keep flowing while capture is ducked. Closed on shutdown.
func (s *Session) Levels() <-chan float64 {
	return s.levelCh
}

// Records returns the stream of per-turn interaction records. Closed when
// the session reaches a terminal state.
func (s *Session) Records() <-chan InteractionRecord {
	return s.recordCh
}

// Err reports why the session ended: nil after a deliberate Stop or clean
// remote shutdown, the terminal error otherwise. Meaningful once Done is
// closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has fully shut down and released all
// resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// stopRequested reports whether shutdown has already run.
func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// pushLevel publishes one meter reading without ever blocking the capture
// loop.
func (s *Session) pushLevel(level float64) {
	select {
	case s.levelCh <- level:
	default:
	}
}

// ── Turn bookkeeping ─────────────────────────────────────────────────────────

// noteTurnAudio opens a turn on its first audio and accumulates duration.
func (s *Session) noteTurnAudio(d time.Duration) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if !s.turnActive {
		s.turnActive = true
		s.turnIndex++
		s.turnStart = time.Now()
		s.turnAudio = 0
		s.turnTools = 0
		s.turnInterrupted = false
	}
	s.turnAudio += d
}

func (s *Session) noteToolCall() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if !s.turnActive {
		s.turnActive = true
		s.turnIndex++
		s.turnStart = time.Now()
		s.turnAudio = 0
		s.turnTools = 0
		s.turnInterrupted = false
	}
	s.turnTools++
}

func (s *Session) noteInterrupted() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnActive {
		s.turnInterrupted = true
	}
}

// takeTurnRecord closes the active turn, if any, and returns its record.
func (s *Session) takeTurnRecord() (InteractionRecord, bool) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if !s.turnActive {
		return InteractionRecord{}, false
	}
	rec := InteractionRecord{
		Turn:          s.turnIndex,
		StartedAt:     s.turnStart,
		AudioDuration: s.turnAudio,
		ToolCalls:     s.turnTools,
		Interrupted:   s.turnInterrupted,
	}
	s.turnActive = false
	return rec, true
}
