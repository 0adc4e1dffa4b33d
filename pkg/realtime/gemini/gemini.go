// Package gemini implements the realtime transport for Google's Gemini Live
// API.
//
// It speaks the BidiGenerateContent protocol over a WebSocket: JSON messages
// with base64-encoded PCM audio chunks. Capture audio goes up at 16 kHz; the
// model's speech comes back at 24 kHz.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	captureRate  = 16000
	playbackRate = 24000

	setupTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Gemini Live connections.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live Dialer with the given API key and options.
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
	return realtime.Profile{CaptureRate: captureRate, PlaybackRate: playbackRate}
}

// Dial connects to the Gemini Live endpoint, sends the setup message, and
// waits for the setupComplete acknowledgement before returning. The returned
// connection is ready to accept audio.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan realtime.Event, 64),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.sendSetup(d.model, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	if err := c.awaitSetupComplete(ctx); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               *json.RawMessage `json:"goAway,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *conn) sendSetup(model string, cfg realtime.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return c.writeJSON(msg)
}

// awaitSetupComplete blocks until the server acknowledges the setup message.
// Anything other than setupComplete as the first message fails the handshake.
func (c *conn) awaitSetupComplete(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	_, data, err := c.ws.Read(readCtx)
	if err != nil {
		return fmt.Errorf("read setup ack: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode setup ack: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("server rejected setup: %s", msg.Error.Message)
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("unexpected first message, want setupComplete")
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and demultiplexes them onto
// the event channel. It owns the channel: it closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// If the connection context was cancelled, exit cleanly.
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalClosed})
				return
			}
			c.fail(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// A frame we cannot decode means the two sides no longer agree
			// on the protocol; treat it as fatal.
			c.fail(fmt.Errorf("gemini: malformed server message: %w", err))
			return
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage translates one server message into events. It reports
// false when the connection must shut down.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		errMsg := msg.Error.Message
		if errMsg == "" {
			errMsg = "unknown error"
		}
		c.fail(fmt.Errorf("gemini: server error: %s", errMsg))
		return false
	}

	if msg.GoAway != nil {
		c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalClosed})
		return false
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				c.emit(realtime.Event{Kind: realtime.KindAudio, Audio: pcm})
			}
		}
		if sc.TurnComplete {
			c.emit(realtime.Event{Kind: realtime.KindControl, Signal: realtime.SignalTurnComplete})
		}
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			c.emit(realtime.Event{
				Kind: realtime.KindToolCall,
				ToolCall: &realtime.ToolCallRequest{
					ID:   fc.ID,
					Name: fc.Name,
					Args: fc.Args,
				},
			})
		}
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
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

// ── Conn methods ───────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the model.
func (c *conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: connection closed")
	}
	c.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: encoded},
			},
		},
	}
	return c.writeJSON(msg)
}

// SendToolResult answers a tool call by its server-assigned ID.
func (c *conn) SendToolResult(res realtime.ToolCallResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: connection closed")
	}
	c.mu.Unlock()

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{
					ID:       res.ID,
					Name:     res.Name,
					Response: res.Output,
				},
			},
		},
	}
	return c.writeJSON(msg)
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
