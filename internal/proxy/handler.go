package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ServeHTTP dispatches every request the server accepts: preflight,
// control channel, WebSocket upgrades, replay and forwarding.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("Handler panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprintf("%v", rec),
			)
			e.writeError(w, r, http.StatusBadGateway, "Proxy error",
				fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()

	if r.Method == http.MethodOptions {
		handlePreflight(w, r)
		return
	}
	if r.URL.Path == ControlPath {
		e.handleControl(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		e.handleWebSocket(w, r)
		return
	}

	mode, replayID := e.Snapshot()
	sticky := resolveSessionID(r)

	// A live replay session keeps serving its id regardless of the
	// engine's singular mode.
	if sticky != "" && e.stickyReplayState(sticky) != nil {
		e.handleReplay(w, r, sticky)
		return
	}
	if mode == ModeReplay {
		id := sticky
		if id == "" {
			id = replayID
		}
		if id == "" {
			e.writeError(w, r, http.StatusBadRequest,
				"No replay session active", "", nil)
			return
		}
		e.handleReplay(w, r, id)
		return
	}

	e.handleForward(w, r)
}

// writeError emits a JSON error body with the CORS overlay. Extra fields
// carry replay diagnostics such as the computed key.
func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, status int, errMsg, detail string, extra map[string]string) {
	applyCORS(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]string{"error": errMsg}
	if detail != "" {
		body["message"] = detail
	}
	for k, v := range extra {
		body[k] = v
	}
	_ = json.NewEncoder(w).Encode(body)
}
