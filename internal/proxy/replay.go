package proxy

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/printer"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/storage"
	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// replayState is the in-memory state of one replay session: the loaded
// recording file plus, per key, the set of recordingIds already served.
type replayState struct {
	id string

	mu          sync.Mutex
	session     *recording.Session
	loaded      bool
	loadErr     error
	servedByKey map[string]map[int]struct{}
}

func newReplayState(id string) *replayState {
	return &replayState{
		id:          id,
		servedByKey: make(map[string]map[int]struct{}),
	}
}

// resetServed starts a fresh play-through. The loaded session cache is
// kept; a failed load is retried on the next request.
func (st *replayState) resetServed() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.servedByKey = make(map[string]map[int]struct{})
	if st.loadErr != nil {
		st.loaded = false
		st.loadErr = nil
	}
}

// load reads the session from disk on first use and caches the result.
func (st *replayState) load(store *storage.Store) (*recording.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		st.session, st.loadErr = store.Load(st.id)
		st.loaded = true
	}
	return st.session, st.loadErr
}

// next picks the recording to serve for key: the first candidate in
// sequence order that has not been served this play-through, or the last
// candidate again once all are consumed. Selection is purely ordinal,
// with no time heuristics.
func (st *replayState) next(key string) (rec *recording.Recording, repeated, found bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var candidates []*recording.Recording
	for _, r := range st.session.Recordings {
		if r.Key == key && r.Response != nil {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, false, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Sequence != candidates[j].Sequence {
			return candidates[i].Sequence < candidates[j].Sequence
		}
		return candidates[i].RecordingID < candidates[j].RecordingID
	})

	served, ok := st.servedByKey[key]
	if !ok {
		served = make(map[int]struct{})
		st.servedByKey[key] = served
	}
	for _, c := range candidates {
		if _, done := served[c.RecordingID]; !done {
			served[c.RecordingID] = struct{}{}
			return c, false, true
		}
	}

	last := candidates[len(candidates)-1]
	return last, true, true
}

// handleReplay answers a request from the recording session bound to id
// without contacting any backend.
func (e *Engine) handleReplay(w http.ResponseWriter, r *http.Request, id string) {
	start := time.Now()
	requestsTotal.WithLabelValues(string(ModeReplay)).Inc()

	// The body only paces the connection; drain it so keep-alive works.
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		r.Body.Close()
	}

	st := e.replayStateFor(id)
	session, err := st.load(e.store)
	if err != nil {
		replayMisses.Inc()
		switch {
		case errors.Is(err, storage.ErrNotFound):
			e.log.Error("Replay session has no recording file", "session_id", id)
			e.writeError(w, r, http.StatusNotFound,
				"Recording file not found", "", map[string]string{"sessionId": id})
		default:
			e.log.Error("Replay recording file unreadable", "session_id", id, "error", err)
			e.writeError(w, r, http.StatusNotFound,
				"Recording file not found", err.Error(), map[string]string{"sessionId": id})
		}
		return
	}

	uri := r.URL.RequestURI()
	key := recording.Key(r.Method, uri)

	rec, repeated, found := st.next(key)
	if !found {
		replayMisses.Inc()
		e.log.Error("No recording found for request; it was not observed during recording",
			"session_id", id,
			"key", key,
			"method", r.Method,
			"path", uri,
		)
		e.writeError(w, r, http.StatusNotFound, "No recording found", "",
			map[string]string{"key": key, "sessionId": session.ID})
		return
	}
	if repeated {
		replayRepeats.Inc()
		e.log.Warn("All recordings for key served, repeating the last one",
			"session_id", id,
			"key", key,
			"recording_id", rec.RecordingID,
		)
	}

	copyDownstreamHeaders(w.Header(), rec.Response.Headers.ToHTTP())
	applyCORS(w, r)
	w.WriteHeader(rec.Response.StatusCode)
	size := 0
	if rec.Response.Body != nil {
		size = len(*rec.Response.Body)
		_, _ = io.WriteString(w, *rec.Response.Body)
	}

	e.log.Debug("Replayed recording",
		"session_id", id,
		"key", key,
		"recording_id", rec.RecordingID,
		"sequence", rec.Sequence,
	)
	e.printer.Print(printer.Exchange{
		Mode:     string(ModeReplay),
		Method:   r.Method,
		Path:     uri,
		Status:   rec.Response.StatusCode,
		BodySize: size,
		Duration: time.Since(start),
	})
}
