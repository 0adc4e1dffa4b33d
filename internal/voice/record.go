package voice

import "time"

// InteractionRecord summarizes one completed agent turn. A record is emitted
// when the session returns from Speaking to Listening, and a final partial
// record is emitted when the session ends mid-turn.
type InteractionRecord struct {
	// Turn is the 1-based index of the agent turn within the session.
	Turn int

	// StartedAt is when the turn's first audio arrived.
	StartedAt time.Time

	// AudioDuration is the total duration of agent audio received for the
	// turn, including audio cancelled by an interruption.
	AudioDuration time.Duration

	// ToolCalls counts the tool call requests received during the turn.
	ToolCalls int

	// Interrupted reports whether the turn was cut short by a barge-in.
	Interrupted bool
}
