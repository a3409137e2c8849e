package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
	"github.com/JPBrill/Lexivision/pkg/provider/live/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that runs handler for each
// accepted connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return msg
}

func connect(t *testing.T, srv *httptest.Server, cfg live.Config) live.Connection {
	t.Helper()
	tr := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	conn, err := tr.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func nextEvent(t *testing.T, conn live.Connection) live.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatalf("events closed early, err = %v", conn.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()
	setupCh := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.Config{
		Model:               "custom-live",
		Voice:               "Kore",
		Instructions:        "be a tutor",
		InputTranscription:  true,
		OutputTranscription: true,
		Tools: []live.ToolDeclaration{{
			Name:       "closePracticeSession",
			Parameters: map[string]any{"type": "OBJECT"},
		}},
	})

	msg := <-setupCh
	setup, _ := msg["setup"].(map[string]any)
	if setup["model"] != "models/custom-live" {
		t.Errorf("model = %v", setup["model"])
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("inputAudioTranscription missing")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("outputAudioTranscription missing")
	}
	raw, _ := json.Marshal(setup)
	for _, want := range []string{`"voiceName":"Kore"`, `"text":"be a tutor"`, `"name":"closePracticeSession"`, `"responseModalities":["AUDIO"]`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("setup %s missing %s", raw, want)
		}
	}
}

func TestConnect_ModelNotFoundIsUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("error message", func(t *testing.T) {
		t.Parallel()
		srv := startServer(t, func(conn *websocket.Conn) {
			var msg map[string]any
			readJSON(t, conn, &msg)
			writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 404, "message": "models/x is not found", "status": "NOT_FOUND"}})
		})
		_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{Model: "x"})
		if !errors.Is(err, live.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	})

	t.Run("policy violation close", func(t *testing.T) {
		t.Parallel()
		srv := startServer(t, func(conn *websocket.Conn) {
			var msg map[string]any
			readJSON(t, conn, &msg)
			conn.Close(websocket.StatusPolicyViolation, "models/x is not found for API version v1beta")
		})
		_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{Model: "x"})
		if !errors.Is(err, live.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	})

	t.Run("http 404 on dial", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)
		_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{})
		if !errors.Is(err, live.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	})
}

func TestConnect_GenericFailureIsNotUnavailable(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
	})
	_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{})
	if err == nil || errors.Is(err, live.ErrUnavailable) {
		t.Fatalf("err = %v, want a generic failure", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_TranslatedInOrder(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription":  map[string]any{"text": "I th"},
			"outputTranscription": map[string]any{"text": "Great"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
			}},
			"turnComplete": true,
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []any{
			map[string]any{"id": "call-1", "name": "closePracticeSession", "args": map[string]any{"reason": "user finished"}},
		}}})
		<-conn.CloseRead(context.Background()).Done()
	})
	conn := connect(t, srv, live.Config{})

	if ev, ok := nextEvent(t, conn).(live.InputTranscript); !ok || ev.Text != "I th" {
		t.Errorf("event 1 = %#v", ev)
	}
	if ev, ok := nextEvent(t, conn).(live.OutputTranscript); !ok || ev.Text != "Great" {
		t.Errorf("event 2 = %#v", ev)
	}
	if ev, ok := nextEvent(t, conn).(live.AudioChunk); !ok || string(ev.Data) != string(pcm) {
		t.Errorf("event 3 = %#v", ev)
	}
	if _, ok := nextEvent(t, conn).(live.TurnComplete); !ok {
		t.Error("event 4 is not TurnComplete")
	}
	if _, ok := nextEvent(t, conn).(live.Interrupted); !ok {
		t.Error("event 5 is not Interrupted")
	}
	call, ok := nextEvent(t, conn).(live.ToolCall)
	if !ok || call.ID != "call-1" || call.Name != "closePracticeSession" || call.Args["reason"] != "user finished" {
		t.Errorf("event 6 = %#v", call)
	}
}

func TestEvents_ClosedWithErrorOnAbnormalClose(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})
	conn := connect(t, srv, live.Config{})

	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed")
	}
	if conn.Err() == nil {
		t.Error("Err() = nil after abnormal close")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	conn := connect(t, srv, live.Config{})

	if err := conn.SendAudio([]byte{0x10, 0x20}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case msg := <-got:
		ri, _ := msg["realtimeInput"].(map[string]any)
		audio, _ := ri["audio"].(map[string]any)
		if audio["mimeType"] != live.InputMIMEType {
			t.Errorf("mimeType = %v", audio["mimeType"])
		}
		if audio["data"] != base64.StdEncoding.EncodeToString([]byte{0x10, 0x20}) {
			t.Errorf("data = %v", audio["data"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio")
	}
}

func TestSendToolResponse_FlushedBeforeClose(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
	})
	conn := connect(t, srv, live.Config{})

	if err := conn.SendToolResponse(live.ToolResponse{CallID: "call-9", Name: "closePracticeSession", Result: map[string]any{"result": "ok"}}); err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}
	_ = conn.Close()

	select {
	case msg := <-got:
		raw, _ := json.Marshal(msg)
		if !strings.Contains(string(raw), `"id":"call-9"`) || !strings.Contains(string(raw), `"result":"ok"`) {
			t.Errorf("tool response = %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tool response lost on close")
	}
}

func TestClose_IdempotentAndRejectsSends(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	conn := connect(t, srv, live.Config{})

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := conn.SendAudio([]byte{0, 0}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := conn.Err(); err != nil {
		t.Errorf("Err after clean Close = %v", err)
	}
}
