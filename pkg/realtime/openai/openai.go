// Package openai implements the realtime transport for OpenAI's Realtime API.
//
// It speaks the Realtime event protocol over a WebSocket: typed JSON events
// with base64-encoded PCM16 audio. Both wire directions run at 24 kHz. The
// server's own voice activity detection emits input_audio_buffer.speech_started
// when the user barges in, which this transport surfaces as an interrupted
// control event.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/soundline/duplex/pkg/realtime"
)

// Compile-time assertions that Dialer and conn satisfy the realtime interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	wireRate = 24000

	createdTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI Realtime connections.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Profile implements realtime.Dialer.
func (d *Dialer) Profile() realtime.Profile {
	return realtime.Profile{CaptureRate: wireRate, PlaybackRate: wireRate}
}

// Dial connects to the Realtime endpoint, waits for the server's
// session.created event, and configures the session with session.update.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan realtime.Event, 64),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.awaitCreated(ctx); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("openai: handshake: %w", err)
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// awaitCreated blocks until the server's opening session.created event.
func (c *conn) awaitCreated(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, createdTimeout)
	defer cancel()

	_, data, err := c.ws.Read(readCtx)
	if err != nil {
		return fmt.Errorf("read session.created: %w", err)
	}
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode session.created: %w", err)
	}
	if evt.Type == "error" {
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return fmt.Errorf("server error: %s", msg)
	}
	if evt.Type != "session.created" {
		return fmt.Errorf("unexpected first event %q, want session.created", evt.Type)
	}
	return nil
}

// sendSessionUpdate configures voice, instructions, tools and audio formats.
func (c *conn) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and demultiplexes them onto
// the event channel. It owns the channel: it closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalClosed})
				return
			}
			c.fail(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.fail(fmt.Errorf("openai: malformed server event: %w", err))
			return
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one server event. It reports false when the
// connection must shut down.
func (c *conn) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		c.emit(realtime.Event{Kind: realtime.KindAudio, Audio: pcm})

	case "response.done":
		c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalTurnComplete})

	case "input_audio_buffer.speech_started":
		// Server-side VAD heard the user over the agent: barge-in.
		c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalInterrupted})

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				c.fail(fmt.Errorf("openai: malformed tool arguments for %q: %w", evt.Name, err))
				return false
			}
		}
		c.emit(realtime.Event{
			Kind: realtime.KindToolCall,
			ToolCall: &realtime.ToolCallRequest{
				ID:   evt.CallID,
				Name: evt.Name,
				Args: args,
			},
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.fail(fmt.Errorf("openai: server error: %s", msg))
		return false
	}

	return true
}

// emit delivers one event, giving up when the connection is shutting down.
func (c *conn) emit(ev realtime.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// fail records the terminal error and surfaces it as a control event.
func (c *conn) fail(err error) {
	c.setErr(err)
	c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalError, Err: err})
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// toOAITools converts realtime tool definitions to the OpenAI wire format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 chunk (24 kHz, s16le, mono) to the model.
func (c *conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: connection closed")
	}
	c.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// SendToolResult returns a tool result as a function_call_output item and
// asks the model to continue with response.create.
func (c *conn) SendToolResult(res realtime.ToolCallResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: connection closed")
	}
	c.mu.Unlock()

	output, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("openai: marshal tool output: %w", err)
	}

	if err := c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: res.ID,
			Output: string(output),
		},
	}); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// Events returns the inbound event channel.
func (c *conn) Events() <-chan realtime.Event { return c.events }

// Err returns the first non-nil error that terminated the connection.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
