package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// controlRequest is the payload of a control message, accepted as a JSON
// POST body or as GET query parameters.
type controlRequest struct {
	Mode    string `json:"mode"`
	ID      string `json:"id"`
	Timeout *int   `json:"timeout"`
	Cleanup bool   `json:"cleanup"`
}

type controlResponse struct {
	Success       bool   `json:"success"`
	Mode          string `json:"mode"`
	ID            string `json:"id"`
	Timeout       int64  `json:"timeout"`
	RecordingsDir string `json:"recordingsDir"`
}

type controlStatus struct {
	RecordingsDir string `json:"recordingsDir"`
	Mode          string `json:"mode"`
	ID            string `json:"id"`
}

// handleControl serves the /__control endpoint: mode switches, cleanup
// and configuration reads.
func (e *Engine) handleControl(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, r)

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if q.Get("mode") == "" && q.Get("cleanup") == "" {
			e.writeControlStatus(w)
			return
		}
		req := controlRequest{
			Mode:    q.Get("mode"),
			ID:      q.Get("id"),
			Cleanup: q.Get("cleanup") == "true",
		}
		if raw := q.Get("timeout"); raw != "" {
			t, err := strconv.Atoi(raw)
			if err != nil {
				e.writeControlError(w, "invalid timeout: "+raw)
				return
			}
			req.Timeout = &t
		}
		e.applyControl(w, req)

	case http.MethodPost:
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			e.writeControlError(w, "invalid control payload: "+err.Error())
			return
		}
		e.applyControl(w, req)

	default:
		e.writeControlError(w, "unsupported method "+r.Method)
	}
}

func (e *Engine) applyControl(w http.ResponseWriter, req controlRequest) {
	if req.Cleanup {
		if req.ID == "" {
			e.writeControlError(w, "cleanup requires an id")
			return
		}
		e.Cleanup(req.ID)
		e.writeControlSuccess(w, 0)
		return
	}

	mode, err := ParseMode(req.Mode)
	if err != nil {
		e.writeControlError(w, err.Error())
		return
	}

	timeoutMs := e.cfg.Control.DefaultTimeoutMs
	if req.Timeout != nil {
		timeoutMs = *req.Timeout
	}
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	if err := e.SwitchMode(mode, req.ID, timeout); err != nil {
		e.writeControlError(w, err.Error())
		return
	}

	// Cookie fallback binding for clients that cannot set the custom
	// header on their requests.
	if mode == ModeReplay {
		http.SetCookie(w, &http.Cookie{
			Name:     RecordingIDCookie,
			Value:    req.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	e.writeControlSuccess(w, int64(timeoutMs))
}

func (e *Engine) writeControlSuccess(w http.ResponseWriter, timeoutMs int64) {
	mode, id := e.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(controlResponse{
		Success:       true,
		Mode:          string(mode),
		ID:            id,
		Timeout:       timeoutMs,
		RecordingsDir: e.RecordingsDir(),
	})
}

func (e *Engine) writeControlStatus(w http.ResponseWriter) {
	mode, id := e.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(controlStatus{
		RecordingsDir: e.RecordingsDir(),
		Mode:          string(mode),
		ID:            id,
	})
}

func (e *Engine) writeControlError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
