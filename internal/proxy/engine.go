// Package proxy implements the record/replay proxy engine: the mode
// state machine, the HTTP forwarder, the replay dispatcher, the
// WebSocket bridge and the control channel that drives them.
package proxy

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/config"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/logger"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/printer"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/storage"
	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// Mode is the engine's traffic handling mode.
type Mode string

const (
	ModeTransparent Mode = "transparent"
	ModeRecord      Mode = "record"
	ModeReplay      Mode = "replay"
)

const (
	// ControlPath is the mode-switch endpoint.
	ControlPath = "/__control"
	// MetricsPath is where the server mounts the Prometheus handler (GET
	// only, when metrics are enabled). The engine does not treat it
	// specially: requests to it that reach the engine are proxied.
	MetricsPath = "/__metrics"

	// RecordingIDHeader binds a request to a replay session.
	RecordingIDHeader = "x-test-rcrd-id"
	// RecordingIDCookie is the fallback binding for clients that cannot
	// set custom headers.
	RecordingIDCookie = "proxy-recording-id"
)

// ParseMode validates a mode string from the control channel.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTransparent, ModeRecord, ModeReplay:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Engine owns all shared proxy state. The mutex guards the mode tuple;
// hot paths hold it only for short state reads and the synchronous
// recordingId allocation, never across I/O.
type Engine struct {
	cfg     *config.Config
	store   *storage.Store
	log     logger.Logger
	printer *printer.ConsolePrinter

	client   *http.Client
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	bufferTimeout time.Duration
	settleTimeout time.Duration

	mu             sync.Mutex
	mode           Mode
	replayID       string
	recordSession  *recording.Session
	recordCounter  int
	replaySessions map[string]*replayState
	modeTimer      *time.Timer
	targets        []*url.URL
	rrIndex        int
}

// NewEngine builds an engine from validated configuration.
func NewEngine(cfg *config.Config, store *storage.Store, log logger.Logger, pr *printer.ConsolePrinter) (*Engine, error) {
	targets := make([]*url.URL, 0, len(cfg.Targets))
	for _, raw := range cfg.Targets {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", raw, err)
		}
		targets = append(targets, u)
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Forward.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Forward.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.Forward.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.Forward.IdleConnTimeoutSec) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Forward.ResponseHeaderTimeoutSec) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Forward.TLSHandshakeTimeoutSec) * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Forward.TLSInsecureSkipVerify,
		},
	}

	settle := time.Duration(cfg.Forward.TimeoutSec) * time.Second
	if settle <= 0 || settle > 30*time.Second {
		settle = 30 * time.Second
	}

	return &Engine{
		cfg:     cfg,
		store:   store,
		log:     log,
		printer: pr,
		client: &http.Client{
			Timeout:   time.Duration(cfg.Forward.TimeoutSec) * time.Second,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects pass through to the client untouched.
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Forward.TLSInsecureSkipVerify,
			},
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bufferTimeout:  time.Duration(cfg.Forward.BodyBufferTimeoutSec) * time.Second,
		settleTimeout:  settle,
		mode:           ModeTransparent,
		replaySessions: make(map[string]*replayState),
		targets:        targets,
	}, nil
}

// Snapshot returns the current mode and its session id.
func (e *Engine) Snapshot() (Mode, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.mode {
	case ModeRecord:
		if e.recordSession != nil {
			return e.mode, e.recordSession.ID
		}
		return e.mode, ""
	case ModeReplay:
		return e.mode, e.replayID
	default:
		return e.mode, ""
	}
}

// RecordingsDir exposes the store directory for control responses.
func (e *Engine) RecordingsDir() string {
	return e.store.Dir()
}

// SwitchMode transitions the engine. A timeout > 0 arms an auto-reset to
// transparent; 0 or negative disables it. Any active record session is
// persisted before the switch is acknowledged so in-flight recordings
// are not lost.
func (e *Engine) SwitchMode(mode Mode, id string, timeout time.Duration) error {
	if (mode == ModeRecord || mode == ModeReplay) && id == "" {
		return fmt.Errorf("mode %q requires an id", mode)
	}

	e.mu.Lock()
	prev := e.detachRecordSessionLocked()
	e.stopTimerLocked()

	e.mode = mode
	switch mode {
	case ModeRecord:
		e.recordSession = recording.NewSession(id)
		e.recordCounter = 0
		e.replayID = ""
	case ModeReplay:
		e.replayID = id
		st := e.replayStateLocked(id)
		st.resetServed()
	default:
		e.replayID = ""
	}

	if mode != ModeTransparent && timeout > 0 {
		e.modeTimer = time.AfterFunc(timeout, e.timeoutFired)
	}
	e.mu.Unlock()

	e.log.Info("Proxy mode switched",
		"mode", string(mode),
		"session_id", id,
		"timeout_ms", timeout.Milliseconds(),
	)

	if prev != nil {
		e.persistSession(prev)
	}
	return nil
}

// Cleanup persists id's record session if it is the active one and drops
// id's replay state.
func (e *Engine) Cleanup(id string) {
	e.mu.Lock()
	var prev *recording.Session
	if e.recordSession != nil && e.recordSession.ID == id {
		prev = e.detachRecordSessionLocked()
		e.mode = ModeTransparent
	}
	e.stopTimerLocked()
	delete(e.replaySessions, id)
	e.mu.Unlock()

	e.log.Info("Session cleanup", "session_id", id, "persisted", prev != nil)
	if prev != nil {
		e.persistSession(prev)
	}
}

// Shutdown behaves like a switch to transparent, flushing any active
// record session.
func (e *Engine) Shutdown() {
	_ = e.SwitchMode(ModeTransparent, "", 0)
}

func (e *Engine) timeoutFired() {
	e.log.Warn("Mode timeout fired, resetting to transparent")
	_ = e.SwitchMode(ModeTransparent, "", 0)
}

func (e *Engine) detachRecordSessionLocked() *recording.Session {
	prev := e.recordSession
	e.recordSession = nil
	return prev
}

func (e *Engine) stopTimerLocked() {
	if e.modeTimer != nil {
		e.modeTimer.Stop()
		e.modeTimer = nil
	}
}

// persistSession waits for in-flight exchanges to settle, then saves a
// snapshot. Called with the engine mutex released.
func (e *Engine) persistSession(s *recording.Session) {
	if !s.WaitSettled(e.settleTimeout) {
		e.log.Warn("Recording session persisted with unsettled exchanges",
			"session_id", s.ID,
			"settle_timeout", e.settleTimeout.String(),
		)
	}
	if err := e.store.Save(s.Snapshot()); err != nil {
		e.log.Error("Failed to persist recording session",
			"session_id", s.ID,
			"error", err,
		)
		return
	}
	sessionsPersisted.Inc()
}

// pinnedExchange ties an in-flight request to its arrival-order
// recording id.
type pinnedExchange struct {
	session *recording.Session
	id      int
}

// beginRecording allocates the next recordingId and appends a shell
// recording, both under the engine mutex. Arrival order pins the id
// before any I/O suspension: a key-based lookup at response time would
// mis-attribute interleaved completions.
func (e *Engine) beginRecording(r *http.Request) *pinnedExchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeRecord || e.recordSession == nil {
		return nil
	}

	id := e.recordCounter
	e.recordCounter++

	uri := r.URL.RequestURI()
	e.recordSession.AddRecording(&recording.Recording{
		Request: recording.RequestInfo{
			Method:  r.Method,
			URL:     uri,
			Headers: recording.HeadersFromHTTP(r.Header),
		},
		Key:         recording.Key(r.Method, uri),
		RecordingID: id,
	})
	return &pinnedExchange{session: e.recordSession, id: id}
}

// recordingWebSocketSession returns the live record session for WS
// appends, or nil outside record mode.
func (e *Engine) recordingWebSocketSession() *recording.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeRecord {
		return nil
	}
	return e.recordSession
}

// stickyReplayState returns an existing live replay state for id, or
// nil. It never creates state: outside replay mode only sessions that
// are already live keep routing.
func (e *Engine) stickyReplayState(id string) *replayState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaySessions[id]
}

// replayStateFor returns id's replay state, creating it lazily.
func (e *Engine) replayStateFor(id string) *replayState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replayStateLocked(id)
}

func (e *Engine) replayStateLocked(id string) *replayState {
	st, ok := e.replaySessions[id]
	if !ok {
		st = newReplayState(id)
		e.replaySessions[id] = st
	}
	return st
}

// nextTarget picks the upstream for this request round-robin.
func (e *Engine) nextTarget() *url.URL {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rrIndex = (e.rrIndex + 1) % len(e.targets)
	return e.targets[e.rrIndex]
}

// resolveSessionID reads the replay binding from the request: header
// first, cookie as fallback.
func resolveSessionID(r *http.Request) string {
	if id := r.Header.Get(RecordingIDHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(RecordingIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}
