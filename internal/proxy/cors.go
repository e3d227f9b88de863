package proxy

import (
	"net/http"
)

const (
	defaultAllowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization, " + RecordingIDHeader
	allowMethods        = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	preflightMaxAge     = "86400"
)

// applyCORS sets the overlay carried by every response the proxy emits.
// Backend headers are preserved elsewhere; the overlay wins only on
// these five names.
func applyCORS(w http.ResponseWriter, r *http.Request) {
	h := w.Header()

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")

	allowHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = defaultAllowHeaders
	}
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Expose-Headers", "*")
}

// handlePreflight answers OPTIONS with the overlay and an empty body.
func handlePreflight(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, r)
	w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
	w.WriteHeader(http.StatusOK)
}
