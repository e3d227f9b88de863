package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// echoBackend greets every socket, then echoes messages prefixed with
// "echo: ".
func echoBackend(t *testing.T, connCount *int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(connCount, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("backend upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte("welcome")); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("echo: "+string(data))); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestWebSocketRecordThenReplay(t *testing.T) {
	var backendConns int64
	backend := echoBackend(t, &backendConns)
	defer backend.Close()

	e, _ := newTestEngine(t, backend.URL)
	front := httptest.NewServer(e)
	defer front.Close()

	if err := e.SwitchMode(ModeRecord, "ws-session", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// Record: welcome, hello, echo: hello.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := readMessage(t, conn); got != "welcome" {
		t.Fatalf("expected welcome, got %q", got)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, conn); got != "echo: hello" {
		t.Fatalf("expected echo, got %q", got)
	}
	conn.Close()

	// Give the bridge pumps a beat to settle before persisting.
	time.Sleep(50 * time.Millisecond)
	if err := e.SwitchMode(ModeReplay, "ws-session", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}
	connsBefore := atomic.LoadInt64(&backendConns)

	replayConn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL, "/ws"), nil)
	if err != nil {
		t.Fatalf("replay dial: %v", err)
	}
	defer replayConn.Close()

	if got := readMessage(t, replayConn); got != "welcome" {
		t.Fatalf("replay: expected welcome, got %q", got)
	}
	if err := replayConn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("replay write: %v", err)
	}
	if got := readMessage(t, replayConn); got != "echo: hello" {
		t.Fatalf("replay: expected echo, got %q", got)
	}

	if got := atomic.LoadInt64(&backendConns); got != connsBefore {
		t.Fatalf("backend contacted during replay: %d new connections", got-connsBefore)
	}
}

func TestWebSocketReplayUnknownEndpoint404(t *testing.T) {
	e, store := newTestEngine(t)
	mustSaveSession(t, store, "no-ws", nil)

	front := httptest.NewServer(e)
	defer front.Close()

	if err := e.SwitchMode(ModeReplay, "no-ws", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL, "/ws"), nil)
	if err == nil {
		t.Fatal("expected upgrade to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected 404 on upgrade, got %#v", resp)
	}
}

func TestWebSocketRecordingCapturedInSession(t *testing.T) {
	var backendConns int64
	backend := echoBackend(t, &backendConns)
	defer backend.Close()

	e, store := newTestEngine(t, backend.URL)
	front := httptest.NewServer(e)
	defer front.Close()

	if err := e.SwitchMode(ModeRecord, "ws-file", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := readMessage(t, conn); got != "welcome" {
		t.Fatalf("expected welcome, got %q", got)
	}
	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	if got := readMessage(t, conn); got != "echo: hi" {
		t.Fatalf("expected echo, got %q", got)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if err := e.SwitchMode(ModeTransparent, "", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}

	session, err := store.Load("ws-file")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(session.WebSocketRecordings) != 1 {
		t.Fatalf("expected one ws recording, got %#v", session.WebSocketRecordings)
	}
	ws := session.WebSocketRecordings[0]
	if ws.URL != "/ws" || ws.Key != recording.WebSocketKey("/ws") {
		t.Fatalf("ws recording identity wrong: %#v", ws)
	}
	if len(ws.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %#v", ws.Messages)
	}
	wantDirs := []recording.Direction{
		recording.ServerToClient,
		recording.ClientToServer,
		recording.ServerToClient,
	}
	for i, m := range ws.Messages {
		if m.Direction != wantDirs[i] {
			t.Fatalf("message %d direction %q, want %q", i, m.Direction, wantDirs[i])
		}
	}
}

func TestSplitServerMessages(t *testing.T) {
	msgs := []recording.Message{
		{Direction: recording.ServerToClient, Data: "w1"},
		{Direction: recording.ServerToClient, Data: "w2"},
		{Direction: recording.ClientToServer, Data: "hello"},
		{Direction: recording.ServerToClient, Data: "r1"},
		{Direction: recording.ClientToServer, Data: "more"},
		{Direction: recording.ServerToClient, Data: "r2"},
	}

	leading, queued := splitServerMessages(msgs)
	if len(leading) != 2 || leading[0].Data != "w1" || leading[1].Data != "w2" {
		t.Fatalf("leading wrong: %#v", leading)
	}
	if len(queued) != 2 || queued[0].Data != "r1" || queued[1].Data != "r2" {
		t.Fatalf("queued wrong: %#v", queued)
	}
}
