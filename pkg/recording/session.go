// Package recording defines the on-disk data model for recorded proxy
// sessions. It is public so test-framework adapters can parse and
// generate recording files without importing the proxy internals.
package recording

import (
	"sync"
	"time"
)

// Direction tags which side of a WebSocket produced a message.
type Direction string

const (
	ClientToServer Direction = "client-to-server"
	ServerToClient Direction = "server-to-client"
)

// TimestampLayout is the ISO-8601 form used throughout recording files.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t the way recording files expect.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BodyString converts raw bytes to the JSON representation of a body:
// null when empty, a string otherwise.
func BodyString(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

// RequestInfo is the recorded half of an exchange as the client sent it.
type RequestInfo struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers"`
	Body    *string `json:"body"`
}

// ResponseInfo is the upstream response as received, before any CORS
// overlay.
type ResponseInfo struct {
	StatusCode int     `json:"statusCode"`
	Headers    Headers `json:"headers"`
	Body       *string `json:"body"`
}

// Recording is one complete or in-flight HTTP exchange. Response is nil
// until the upstream answer arrives; recordings still lacking a response
// at persistence time are dropped.
type Recording struct {
	Request   RequestInfo   `json:"request"`
	Response  *ResponseInfo `json:"response,omitempty"`
	Timestamp string        `json:"timestamp"`
	Key       string        `json:"key"`
	RecordingID int         `json:"recordingId"`
	Sequence  int           `json:"sequence"`
}

// Message is a single WebSocket frame in wall-clock order of interception.
type Message struct {
	Direction Direction `json:"direction"`
	Data      string    `json:"data"`
	Timestamp string    `json:"timestamp"`
}

// WebSocketRecording groups every message seen on one WebSocket endpoint.
type WebSocketRecording struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Timestamp string    `json:"timestamp"`
	Messages  []Message `json:"messages"`
}

// Session is one recording session: everything captured between entering
// and leaving record mode under a given id. The zero value is not usable;
// construct with NewSession or decode from JSON.
type Session struct {
	ID                  string                `json:"id"`
	Recordings          []*Recording          `json:"recordings"`
	WebSocketRecordings []*WebSocketRecording `json:"websocketRecordings"`

	mu       sync.Mutex
	inflight sync.WaitGroup
}

// NewSession creates an empty live session.
func NewSession(id string) *Session {
	return &Session{
		ID:                  id,
		Recordings:          []*Recording{},
		WebSocketRecordings: []*WebSocketRecording{},
	}
}

// AddRecording appends a recording shell and marks its exchange in
// flight. The caller has already pinned RecordingID; appends happen in
// arrival order.
func (s *Session) AddRecording(r *Recording) {
	s.mu.Lock()
	s.Recordings = append(s.Recordings, r)
	s.mu.Unlock()
	s.inflight.Add(1)
}

// SetRequestBody stores the buffered request body on the recording pinned
// to id.
func (s *Session) SetRequestBody(id int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findLocked(id); r != nil {
		r.Request.Body = BodyString(body)
	}
}

// CompleteExchange attaches the upstream response to the recording pinned
// to id and settles its in-flight mark. Lookup is by RecordingID, never
// by key: two interleaved requests to the same endpoint must not swap
// responses.
func (s *Session) CompleteExchange(id int, resp *ResponseInfo, at time.Time) {
	s.mu.Lock()
	if r := s.findLocked(id); r != nil {
		r.Response = resp
		r.Timestamp = Timestamp(at)
	}
	s.mu.Unlock()
	s.inflight.Done()
}

// FailExchange settles an exchange whose upstream call never produced a
// response. The recording keeps a nil response and is discarded when the
// session is persisted.
func (s *Session) FailExchange(id int) {
	s.inflight.Done()
}

func (s *Session) findLocked(id int) *Recording {
	for _, r := range s.Recordings {
		if r.RecordingID == id {
			return r
		}
	}
	return nil
}

// AppendWebSocketMessage records one frame on the endpoint recording for
// url, creating it on first use. Endpoints are matched by url, not key.
func (s *Session) AppendWebSocketMessage(url string, dir Direction, data string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ws *WebSocketRecording
	for _, w := range s.WebSocketRecordings {
		if w.URL == url {
			ws = w
			break
		}
	}
	if ws == nil {
		ws = &WebSocketRecording{
			URL:       url,
			Key:       WebSocketKey(url),
			Timestamp: Timestamp(at),
			Messages:  []Message{},
		}
		s.WebSocketRecordings = append(s.WebSocketRecordings, ws)
	}
	ws.Messages = append(ws.Messages, Message{
		Direction: dir,
		Data:      data,
		Timestamp: Timestamp(at),
	})
}

// FindWebSocket returns the endpoint recording matching key, or nil.
func (s *Session) FindWebSocket(key string) *WebSocketRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.WebSocketRecordings {
		if w.Key == key {
			return w
		}
	}
	return nil
}

// WaitSettled blocks until every in-flight exchange has completed or
// failed, or the timeout passes. It reports whether the session settled.
// Callers detach the session from the engine first so no new exchanges
// can begin.
func (s *Session) WaitSettled(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Snapshot returns a deep copy of the session safe to persist while live
// WebSocket bridges may still be appending.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := NewSession(s.ID)
	for _, r := range s.Recordings {
		cp := *r
		if r.Response != nil {
			resp := *r.Response
			cp.Response = &resp
		}
		out.Recordings = append(out.Recordings, &cp)
	}
	for _, w := range s.WebSocketRecordings {
		cp := *w
		cp.Messages = append([]Message(nil), w.Messages...)
		out.WebSocketRecordings = append(out.WebSocketRecordings, &cp)
	}
	return out
}
