package proxy

import (
	"net/http/httptest"
	"testing"
)

func TestPreflightEchoesOriginAndRequestHeaders(t *testing.T) {
	e, _ := newTestEngine(t)

	r := httptest.NewRequest("OPTIONS", "http://proxy/anything", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Headers", "X-Foo")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("preflight body should be empty, got %q", w.Body.String())
	}
	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("origin not echoed: %#v", h)
	}
	if h.Get("Access-Control-Allow-Headers") != "X-Foo" {
		t.Fatalf("request headers not echoed: %#v", h)
	}
	if h.Get("Access-Control-Max-Age") != "86400" {
		t.Fatalf("max-age missing: %#v", h)
	}
}

func TestPreflightDefaultsWithoutOrigin(t *testing.T) {
	e, _ := newTestEngine(t)

	r := httptest.NewRequest("OPTIONS", "http://proxy/x", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)

	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin: %#v", h)
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials missing: %#v", h)
	}
	if h.Get("Access-Control-Allow-Methods") != "GET, POST, PUT, DELETE, PATCH, OPTIONS" {
		t.Fatalf("methods wrong: %#v", h)
	}
	if h.Get("Access-Control-Expose-Headers") != "*" {
		t.Fatalf("expose headers wrong: %#v", h)
	}
}

func TestErrorResponsesCarryFullOverlay(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.SwitchMode(ModeReplay, "missing-file", 0); err != nil {
		t.Fatalf("switch: %v", err)
	}

	r := httptest.NewRequest("GET", "http://proxy/x", nil)
	r.Header.Set("Origin", "http://app.test")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	h := w.Header()
	for _, name := range []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Credentials",
		"Access-Control-Allow-Headers",
		"Access-Control-Allow-Methods",
		"Access-Control-Expose-Headers",
	} {
		if h.Get(name) == "" {
			t.Fatalf("replay-miss 404 missing %s: %#v", name, h)
		}
	}
	if h.Get("Access-Control-Allow-Origin") != "http://app.test" {
		t.Fatalf("origin not echoed on error: %#v", h)
	}
}

func TestDefaultAllowHeadersIncludeRecordingID(t *testing.T) {
	e, _ := newTestEngine(t)

	r := httptest.NewRequest("OPTIONS", "http://proxy/x", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)

	got := w.Header().Get("Access-Control-Allow-Headers")
	if got != "Origin, X-Requested-With, Content-Type, Accept, Authorization, x-test-rcrd-id" {
		t.Fatalf("unexpected default allow headers %q", got)
	}
}
