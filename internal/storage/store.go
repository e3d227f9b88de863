// Package storage persists recording sessions as pretty-printed JSON
// documents, one file per session.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/logger"
	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// ErrNotFound indicates no recording file exists for the session id.
var ErrNotFound = errors.New("recording file not found")

// ErrCorrupt indicates the recording file exists but cannot be parsed.
var ErrCorrupt = errors.New("corrupt recording file")

// Store reads and writes sessions under a single recordings directory.
type Store struct {
	dir    string
	logger logger.Logger
}

// New creates a store rooted at dir. The directory is created lazily on
// the first save.
func New(dir string, log logger.Logger) *Store {
	return &Store{dir: dir, logger: log}
}

// Dir returns the recordings directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path a session id persists to.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, recording.SessionFileName(id))
}

// Save assigns per-key sequence numbers, drops recordings that never got
// a response, and writes the session atomically (temp file then rename).
func (s *Store) Save(session *recording.Session) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	out := recording.NewSession(session.ID)
	for _, r := range session.Recordings {
		if r.Response == nil {
			s.logger.Debug("Dropping incomplete recording",
				"session_id", session.ID,
				"recording_id", r.RecordingID,
				"key", r.Key,
			)
			continue
		}
		cp := *r
		out.Recordings = append(out.Recordings, &cp)
	}
	out.WebSocketRecordings = session.WebSocketRecordings

	assignSequences(out.Recordings)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %q: %w", session.ID, err)
	}

	path := s.Path(session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %q: %w", session.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session %q: %w", session.ID, err)
	}

	s.logger.Info("Recording session persisted",
		"session_id", session.ID,
		"path", path,
		"recordings", len(out.Recordings),
		"websocket_recordings", len(out.WebSocketRecordings),
	)
	return nil
}

// Load reads a session back verbatim; it never renumbers anything.
func (s *Store) Load(id string) (*recording.Session, error) {
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read session %q: %w", id, err)
	}

	session := recording.NewSession(id)
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("parse %s: %w: %v", path, ErrCorrupt, err)
	}
	return session, nil
}

// assignSequences numbers each key group 0,1,2... in ascending
// RecordingID. Arrival order within a key is the replay order.
func assignSequences(recs []*recording.Recording) {
	byKey := make(map[string][]*recording.Recording)
	for _, r := range recs {
		byKey[r.Key] = append(byKey[r.Key], r)
	}
	for _, group := range byKey {
		sort.Slice(group, func(i, j int) bool {
			return group[i].RecordingID < group[j].RecordingID
		})
		for i, r := range group {
			r.Sequence = i
		}
	}
}
