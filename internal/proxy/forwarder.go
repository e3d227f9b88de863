package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/printer"
	"github.com/asmyshlyaev177/test-proxy-recorder/pkg/recording"
)

// hop-by-hop headers are stripped both upstream and downstream.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

// handleForward serves transparent and record modes: buffer the request,
// call the selected upstream, stream the buffered answer back, capture
// the exchange when recording.
func (e *Engine) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := e.nextTarget()

	// recordingId must be pinned synchronously on arrival, before any
	// suspension point.
	pin := e.beginRecording(r)

	mode := ModeTransparent
	if pin != nil {
		mode = ModeRecord
	}
	requestsTotal.WithLabelValues(string(mode)).Inc()

	e.log.Info("Forwarding request",
		"method", r.Method,
		"path", r.URL.RequestURI(),
		"target", target.String(),
		"mode", string(mode),
	)

	body := e.bufferRequestBody(r)
	if pin != nil {
		pin.session.SetRequestBody(pin.id, body)
	}

	uri := r.URL.RequestURI()
	upstreamURL := strings.TrimSuffix(target.String(), "/") + uri

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		if pin != nil {
			pin.session.FailExchange(pin.id)
		}
		e.writeError(w, r, http.StatusBadGateway, "Proxy error", err.Error(), nil)
		return
	}
	copyForwardHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-For", remoteIP(r))
	req.Header.Set("X-Forwarded-Proto", "http")

	resp, err := e.client.Do(req)
	if err != nil {
		if pin != nil {
			pin.session.FailExchange(pin.id)
		}
		upstreamErrors.Inc()
		e.log.Error("Upstream request failed",
			"target", upstreamURL,
			"error", err,
		)
		e.writeError(w, r, http.StatusBadGateway, "Proxy error", err.Error(), nil)
		return
	}

	// Full buffering is a known limitation: long-lived streaming
	// responses are not passed through incrementally.
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		e.log.Warn("Upstream body truncated", "target", upstreamURL, "error", readErr)
	}

	if pin != nil {
		pin.session.CompleteExchange(pin.id, &recording.ResponseInfo{
			StatusCode: resp.StatusCode,
			Headers:    recording.HeadersFromHTTP(resp.Header),
			Body:       recording.BodyString(respBody),
		}, time.Now())
	}

	copyDownstreamHeaders(w.Header(), resp.Header)
	applyCORS(w, r)
	w.WriteHeader(resp.StatusCode)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}

	e.printer.Print(printer.Exchange{
		Mode:     string(mode),
		Method:   r.Method,
		Path:     uri,
		Status:   resp.StatusCode,
		BodySize: len(respBody),
		Duration: time.Since(start),
	})
}

// bufferRequestBody reads the body fully, bounded by the configured
// buffering timeout. On timeout the exchange proceeds with whatever was
// read.
func (e *Engine) bufferRequestBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	src := io.Reader(r.Body)
	if e.cfg.Server.MaxBodyBytes > 0 {
		src = io.LimitReader(r.Body, e.cfg.Server.MaxBodyBytes)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := make([]byte, 32*1024)
		for {
			n, err := src.Read(chunk)
			if n > 0 {
				mu.Lock()
				buf.Write(chunk[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(e.bufferTimeout):
		e.log.Warn("Request body buffering timed out, proceeding with partial body",
			"method", r.Method,
			"path", r.URL.Path,
			"timeout", e.bufferTimeout.String(),
		)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]byte(nil), buf.Bytes()...)
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyDownstreamHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
