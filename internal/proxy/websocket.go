package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/storage"
	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// replayMessageDelay paces recorded server-to-client messages during
// playback to simulate arrival.
const replayMessageDelay = 10 * time.Millisecond

// handleWebSocket routes a WS upgrade the same way HTTP requests route:
// sticky session first, then the engine mode.
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	mode, replayID := e.Snapshot()
	sticky := resolveSessionID(r)

	if sticky != "" && e.stickyReplayState(sticky) != nil {
		e.replayWebSocket(w, r, sticky)
		return
	}
	if mode == ModeReplay {
		id := sticky
		if id == "" {
			id = replayID
		}
		if id == "" {
			e.writeError(w, r, http.StatusBadRequest, "No replay session active", "", nil)
			return
		}
		e.replayWebSocket(w, r, id)
		return
	}

	e.relayWebSocket(w, r)
}

// relayWebSocket brokers client and upstream sockets in transparent and
// record modes. In record mode every frame in both directions is
// appended to the session.
func (e *Engine) relayWebSocket(w http.ResponseWriter, r *http.Request) {
	target := e.nextTarget()
	session := e.recordingWebSocketSession()

	uri := r.URL.RequestURI()
	scheme := "ws"
	if target.Scheme == "https" {
		scheme = "wss"
	}
	upstreamURL := scheme + "://" + target.Host + uri

	header := http.Header{}
	for name, values := range r.Header {
		if isWebSocketHandshakeHeader(name) {
			continue
		}
		header[name] = values
	}

	upstream, resp, err := e.dialer.Dial(upstreamURL, header)
	if err != nil {
		upstreamErrors.Inc()
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		e.log.Error("Upstream WebSocket dial failed",
			"url", upstreamURL,
			"error", err,
		)
		e.writeError(w, r, status, "Proxy error", err.Error(), nil)
		return
	}

	client, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		e.log.Error("Client WebSocket upgrade failed", "path", uri, "error", err)
		return
	}

	websocketBridges.Inc()
	defer websocketBridges.Dec()
	e.log.Info("WebSocket bridge open",
		"path", uri,
		"target", upstreamURL,
		"recording", session != nil,
	)

	// Paired pumps with a shared cancellation: neither socket owns the
	// other, closing one side propagates to both.
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return e.pumpFrames(ctx, client, upstream, session, uri, recording.ClientToServer)
	})
	g.Go(func() error {
		return e.pumpFrames(ctx, upstream, client, session, uri, recording.ServerToClient)
	})
	go func() {
		<-ctx.Done()
		client.Close()
		upstream.Close()
	}()
	_ = g.Wait()

	e.log.Info("WebSocket bridge closed", "path", uri)
}

func (e *Engine) pumpFrames(ctx context.Context, src, dst *websocket.Conn, session *recording.Session, url string, dir recording.Direction) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if session != nil {
			session.AppendWebSocketMessage(url, dir, string(data), time.Now())
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// replayWebSocket drives the client from recorded server-to-client
// messages. Client messages are not validated; they only advance the
// playback cursor.
func (e *Engine) replayWebSocket(w http.ResponseWriter, r *http.Request, id string) {
	uri := r.URL.RequestURI()

	st := e.replayStateFor(id)
	session, err := st.load(e.store)
	if err != nil {
		replayMisses.Inc()
		msg := "Recording file not found"
		if !errors.Is(err, storage.ErrNotFound) {
			msg = err.Error()
		}
		e.writeError(w, r, http.StatusNotFound, msg, "", map[string]string{"sessionId": id})
		return
	}

	key := recording.WebSocketKey(uri)
	ws := session.FindWebSocket(key)
	if ws == nil {
		replayMisses.Inc()
		e.log.Error("No WebSocket recording for upgrade",
			"session_id", id,
			"key", key,
			"path", uri,
		)
		e.writeError(w, r, http.StatusNotFound, "Not Found", "",
			map[string]string{"key": key, "sessionId": id})
		return
	}

	client, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Error("Client WebSocket upgrade failed", "path", uri, "error", err)
		return
	}
	defer client.Close()

	websocketBridges.Inc()
	defer websocketBridges.Dec()
	e.log.Info("WebSocket replay started",
		"session_id", id,
		"key", key,
		"messages", len(ws.Messages),
	)

	leading, queued := splitServerMessages(ws.Messages)

	var writeMu sync.Mutex
	write := func(data string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return client.WriteMessage(websocket.TextMessage, []byte(data))
	}

	// Messages the server sent before the client ever spoke are pushed
	// immediately, staggered to simulate arrival.
	go func() {
		for i, msg := range leading {
			time.Sleep(time.Duration(i) * replayMessageDelay)
			if err := write(msg.Data); err != nil {
				return
			}
		}
	}()

	cursor := 0
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
		if cursor >= len(queued) {
			e.log.Warn("WebSocket replay exhausted recorded responses",
				"session_id", id,
				"key", key,
			)
			continue
		}
		msg := queued[cursor]
		cursor++
		time.Sleep(replayMessageDelay)
		if err := write(msg.Data); err != nil {
			break
		}
	}

	e.log.Info("WebSocket replay finished", "session_id", id, "key", key)
}

// splitServerMessages partitions the recorded server-to-client messages:
// those before the first client message play immediately on upgrade, the
// rest are metered out one per received client message.
func splitServerMessages(messages []recording.Message) (leading, queued []recording.Message) {
	seenClient := false
	for _, m := range messages {
		switch m.Direction {
		case recording.ClientToServer:
			seenClient = true
		case recording.ServerToClient:
			if seenClient {
				queued = append(queued, m)
			} else {
				leading = append(leading, m)
			}
		}
	}
	return leading, queued
}

func isWebSocketHandshakeHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Extensions", "Sec-Websocket-Protocol":
		return true
	}
	return false
}
