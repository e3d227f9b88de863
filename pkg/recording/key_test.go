package recording

import (
	"strings"
	"testing"
)

func TestKeyComposition(t *testing.T) {
	cases := []struct {
		method string
		url    string
		want   string
	}{
		{"GET", "/api/posts", "GET_api_posts.json"},
		{"get", "/api/posts", "GET_api_posts.json"},
		{"POST", "/api/posts", "POST_api_posts.json"},
		{"GET", "/", "GET_root.json"},
		{"GET", "", "GET_root.json"},
		{"DELETE", "/a/b/c/", "DELETE_a_b_c.json"},
	}
	for _, c := range cases {
		if got := Key(c.method, c.url); got != c.want {
			t.Fatalf("Key(%q, %q) = %q, want %q", c.method, c.url, got, c.want)
		}
	}
}

func TestKeyDeterminism(t *testing.T) {
	a := Key("GET", "/search?q=a")
	if b := Key("GET", "/search?q=a"); a != b {
		t.Fatalf("same input produced different keys: %q vs %q", a, b)
	}
}

func TestKeyQueryDisambiguation(t *testing.T) {
	a := Key("GET", "/search?q=a")
	b := Key("GET", "/search?q=b")
	plain := Key("GET", "/search")

	if a == b {
		t.Fatalf("distinct queries share key %q", a)
	}
	if a == plain || b == plain {
		t.Fatalf("query key collides with query-less key: %q %q %q", a, b, plain)
	}
	if !strings.HasPrefix(a, "GET_search_") {
		t.Fatalf("unexpected query key shape %q", a)
	}
	// 16 hex chars of the query hash, then the extension.
	hash := strings.TrimSuffix(strings.TrimPrefix(a, "GET_search_"), ".json")
	if len(hash) != 16 {
		t.Fatalf("expected 16-char hash suffix, got %q", hash)
	}
}

func TestKeySanitizesUnsafeChars(t *testing.T) {
	got := Key("GET", "/api/items:all")
	if strings.ContainsAny(got, `<>:"/\|?*`) {
		t.Fatalf("key contains unsafe chars: %q", got)
	}
}

func TestWebSocketKey(t *testing.T) {
	if got := WebSocketKey("/ws"); got != "WS__ws" {
		t.Fatalf("WebSocketKey(/ws) = %q", got)
	}
}

func TestSessionFileName(t *testing.T) {
	got := SessionFileName("suite/spec/my test")
	if strings.Contains(got, "/") {
		t.Fatalf("file name still contains separators: %q", got)
	}
	if !strings.HasPrefix(got, "suite__spec__my test") {
		t.Fatalf("slash replacement missing: %q", got)
	}
	if !strings.HasSuffix(got, SessionFileSuffix) {
		t.Fatalf("missing suffix: %q", got)
	}
}

func TestSessionFileNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 400)
	longer := long + "b"

	fa := SessionFileName(long)
	fb := SessionFileName(longer)

	if len(fa) > 255 || len(fb) > 255 {
		t.Fatalf("file names exceed filesystem limit: %d, %d", len(fa), len(fb))
	}
	if fa == fb {
		t.Fatalf("distinct long ids collapsed to %q", fa)
	}
	if !strings.HasSuffix(fa, SessionFileSuffix) {
		t.Fatalf("truncated name lost suffix: %q", fa)
	}
}
