package recording

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// SessionFileSuffix is appended to every persisted session file.
	SessionFileSuffix = ".mock.json"

	// WebSocketKeyPrefix marks keys of WebSocket recordings.
	WebSocketKeyPrefix = "WS_"

	queryHashLen = 16
	maxFileName  = 255
)

// Key derives the grouping key for an HTTP exchange from its method and
// URL (path plus optional query). The method is upper-cased, empty path
// segments are dropped and the rest are joined with "_", and unsafe
// characters are sanitised to "_", so requests that differ only in method
// case, repeated or trailing slashes, or those characters share a key.
// Distinct raw query strings give distinct hash suffixes. Headers are
// deliberately not part of the key.
func Key(method, url string) string {
	rawPath := url
	rawQuery := ""
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		rawPath = url[:idx]
		rawQuery = url[idx+1:]
	}

	var segs []string
	for _, seg := range strings.Split(rawPath, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	name := strings.Join(segs, "_")
	if name == "" {
		name = "root"
	}

	key := strings.ToUpper(method) + "_" + name
	if rawQuery != "" {
		sum := md5.Sum([]byte(rawQuery))
		key += "_" + hex.EncodeToString(sum[:])[:queryHashLen]
	}
	return SanitizeFilename(key) + ".json"
}

// WebSocketKey derives the key grouping WebSocket recordings of the same
// endpoint.
func WebSocketKey(url string) string {
	return WebSocketKeyPrefix + SanitizeFilename(url)
}

// SanitizeFilename replaces characters that are reserved on common
// filesystems with underscores.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SessionFileName maps a session id to its on-disk file name. Ids may
// contain slashes; these become double underscores so every session is a
// single flat file. Names that would exceed the filesystem limit are
// truncated and suffixed with 8 hex chars of SHAKE-256 over the original
// id so distinct long ids stay distinct.
func SessionFileName(id string) string {
	base := SanitizeFilename(strings.ReplaceAll(id, "/", "__"))
	maxBase := maxFileName - len(SessionFileSuffix)
	if len(base) > maxBase {
		var digest [4]byte
		h := sha3.NewShake256()
		h.Write([]byte(id))
		h.Read(digest[:])
		suffix := hex.EncodeToString(digest[:])
		base = base[:maxBase-len(suffix)] + suffix
	}
	return base + SessionFileSuffix
}
