// Package realtime defines the duplex transport abstraction between a voice
// session and a remote streaming speech service.
//
// A [Conn] is one live connection: audio flows out through SendAudio and
// everything inbound arrives on a single ordered channel of tagged [Event]
// values — audio payloads, tool-call requests, and control signals. Per-kind
// order matches wire order because every event funnels through the one
// channel. A transport error is terminal: the connection never reconnects on
// its own.
//
// Implementations live in subpackages (realtime/gemini, realtime/openai);
// realtime/mock provides a scriptable test double.
package realtime

import "context"

// EventKind discriminates the variants of the inbound [Event] union.
type EventKind int

const (
	// KindAudio carries a chunk of the agent's speech as PCM16 wire bytes.
	KindAudio EventKind = iota

	// KindToolCall carries a request to invoke a named tool.
	KindToolCall

	// KindControl carries a session-level signal; see [ControlSignal].
	KindControl
)

// String returns the event kind as a short label for logs.
func (k EventKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindToolCall:
		return "tool_call"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlSignal identifies a control event from the remote service.
type ControlSignal int

const (
	// SignalTurnComplete means the service finished generating the current
	// agent turn. Audio for that turn may still be playing locally.
	SignalTurnComplete ControlSignal = iota

	// SignalInterrupted means the service detected the user barging in and
	// stopped generating; pending local playback should be cancelled.
	SignalInterrupted

	// SignalClosed means the service ended the session deliberately.
	SignalClosed

	// SignalError means the service reported a fatal error; Event.Err holds
	// it. The connection is unusable afterwards.
	SignalError
)

// String returns the control signal as a short label for logs.
func (s ControlSignal) String() string {
	switch s {
	case SignalTurnComplete:
		return "turn_complete"
	case SignalInterrupted:
		return "interrupted"
	case SignalClosed:
		return "closed"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message, demultiplexed into a tagged union. Exactly
// the fields implied by Kind are set.
type Event struct {
	Kind EventKind

	// Audio holds PCM16 wire bytes when Kind is KindAudio.
	Audio []byte

	// ToolCall holds the request when Kind is KindToolCall.
	ToolCall *ToolCallRequest

	// Signal and Err describe the control event when Kind is KindControl;
	// Err is non-nil only for SignalError.
	Signal ControlSignal
	Err    error
}

// ToolCallRequest is the service asking for a named tool to run. ID is
// assigned by the service and must be echoed back in the result.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallResult answers exactly one [ToolCallRequest], correlated by ID.
type ToolCallResult struct {
	ID     string
	Name   string
	Output map[string]any

	// IsError marks an error-shaped result. The service still receives it
	// as a normal tool response; Output carries the failure description.
	IsError bool
}

// ToolDefinition declares a callable tool to the service at session setup.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig carries the session parameters sent during the handshake.
type SessionConfig struct {
	// Instructions is the system prompt for the agent.
	Instructions string

	// Voice selects the agent's voice by provider-specific ID. Empty means
	// the provider default.
	Voice string

	// Tools the agent may call during the session.
	Tools []ToolDefinition
}

// Profile describes the audio contract of a transport: the sample rates it
// expects on each direction of the wire.
type Profile struct {
	// CaptureRate is the rate of PCM16 audio the service expects from
	// SendAudio, in Hz.
	CaptureRate int

	// PlaybackRate is the rate of PCM16 audio the service streams back, in
	// Hz.
	PlaybackRate int
}

// Dialer opens connections to one provider's realtime endpoint.
type Dialer interface {
	// Dial connects and completes the provider handshake. The returned Conn
	// is ready for audio. The context bounds connection establishment only,
	// not the connection lifetime.
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)

	// Profile reports the audio rates this transport uses.
	Profile() Profile
}

// Conn is one live duplex connection. Methods other than Events and Err must
// not be called after Close.
type Conn interface {
	// SendAudio transmits one chunk of PCM16 capture audio.
	SendAudio(pcm []byte) error

	// SendToolResult transmits the result for a previously received
	// tool-call request.
	SendToolResult(res ToolCallResult) error

	// Events returns the inbound event channel. It is closed when the
	// connection ends for any reason; call Err afterwards to distinguish
	// failure from a clean shutdown.
	Events() <-chan Event

	// Err reports why Events closed: nil after a deliberate Close or a
	// clean remote shutdown, the terminal error otherwise.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}
