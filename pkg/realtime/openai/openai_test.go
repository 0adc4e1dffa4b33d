package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/soundline/duplex/pkg/realtime"
	"github.com/soundline/duplex/pkg/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// completeHandshake plays the server side of the handshake: it announces
// session.created and consumes the client's session.update.
func completeHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var raw map[string]any
	readJSON(t, conn, &raw)
}

// newDialer creates a Dialer pointing at the given test server.
func newDialer(srv *httptest.Server) *openai.Dialer {
	return openai.New("test-api-key", openai.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for one event from the connection.
func nextEvent(t *testing.T, conn realtime.Conn) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return realtime.Event{}
}

// ── Handshake ─────────────────────────────────────────────────────────────────

func TestDial_WaitsForCreatedAndSendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			Tools             []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}

	received := make(chan updateMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	cfg := realtime.SessionConfig{
		Instructions: "You are a concierge.",
		Voice:        "alloy",
		Tools:        []realtime.ToolDefinition{{Name: "send_link"}},
	}
	conn, err := d.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Type != "function" {
			t.Errorf("tools = %+v", msg.Session.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestDial_AuthorizationHeader(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		completeHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("secret-key", openai.WithBaseURL(wsURL(srv)))
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case auth := <-authHeader:
		if auth != "Bearer secret-key" {
			t.Errorf("Authorization = %q; want Bearer secret-key", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDial_ServerErrorFirst_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad key"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	if _, err := d.Dial(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Fatal("Dial should fail when the server opens with an error event")
	}
}

func TestProfile_Rates(t *testing.T) {
	t.Parallel()

	p := openai.New("key").Profile()
	if p.CaptureRate != 24000 || p.PlaybackRate != 24000 {
		t.Errorf("profile = %+v; want 24000 both ways", p)
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioMsg := make(chan appendMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestEvents_AudioDelta(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": encoded})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn)
	if ev.Kind != realtime.KindAudio || string(ev.Audio) != string(wantPCM) {
		t.Fatalf("event = %+v, want audio %v", ev, wantPCM)
	}
}

// ── Control signals ───────────────────────────────────────────────────────────

func TestEvents_ResponseDoneIsTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn)
	if ev.Kind != realtime.KindControl || ev.Signal != realtime.SignalTurnComplete {
		t.Fatalf("event = %+v, want turn_complete control", ev)
	}
}

func TestEvents_SpeechStartedIsInterrupted(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn)
	if ev.Kind != realtime.KindControl || ev.Signal != realtime.SignalInterrupted {
		t.Fatalf("event = %+v, want interrupted control", ev)
	}
}

func TestEvents_ErrorEventIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "server_error", "message": "overloaded"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn)
	if ev.Kind != realtime.KindControl || ev.Signal != realtime.SignalError {
		t.Fatalf("event = %+v, want error control", ev)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "overloaded") {
		t.Errorf("event error = %v", ev.Err)
	}

	select {
	case _, open := <-conn.Events():
		if open {
			t.Error("event channel should be closed after an error event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if conn.Err() == nil {
		t.Error("Err() should be non-nil after an error event")
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestEvents_FunctionCallArgumentsDone(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-42",
			"name":      "send_link",
			"arguments": `{"url":"https://example.com"}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn)
	if ev.Kind != realtime.KindToolCall {
		t.Fatalf("event kind = %v, want tool_call", ev.Kind)
	}
	if ev.ToolCall.ID != "call-42" || ev.ToolCall.Name != "send_link" {
		t.Errorf("tool call = %+v", ev.ToolCall)
	}
	if ev.ToolCall.Args["url"] != "https://example.com" {
		t.Errorf("args = %v", ev.ToolCall.Args)
	}
}

func TestSendToolResult_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	itemCh := make(chan itemMsg, 1)
	followUp := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)

		var item itemMsg
		readJSON(t, conn, &item)
		itemCh <- item

		var next struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &next)
		followUp <- next.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	res := realtime.ToolCallResult{
		ID:     "call-42",
		Name:   "send_link",
		Output: map[string]any{"status": "sent"},
	}
	if err := conn.SendToolResult(res); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	select {
	case item := <-itemCh:
		if item.Type != "conversation.item.create" || item.Item.Type != "function_call_output" {
			t.Errorf("item message = %+v", item)
		}
		if item.Item.CallID != "call-42" {
			t.Errorf("call_id = %q; want call-42", item.Item.CallID)
		}
		if !strings.Contains(item.Item.Output, `"status":"sent"`) {
			t.Errorf("output = %q", item.Item.Output)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation item")
	}

	select {
	case typ := <-followUp:
		if typ != "response.create" {
			t.Errorf("follow-up type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		completeHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	conn, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}

	if err := conn.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close should return an error")
	}
}
