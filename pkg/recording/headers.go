package recording

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Headers stores HTTP headers for a recording. On the wire a header value
// is either a plain string or an array of strings; both forms round-trip.
type Headers map[string][]string

// HeadersFromHTTP copies an http.Header into a Headers value.
func HeadersFromHTTP(h http.Header) Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}

// ToHTTP converts back to an http.Header.
func (h Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// Get returns the first value for a name, matching case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok && len(v) > 0 {
		return v[0]
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range h {
		if http.CanonicalHeaderKey(k) == canonical && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// MarshalJSON writes single-valued headers as plain strings and
// multi-valued ones as arrays, with names in deterministic order.
func (h Headers) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := []byte{'{'}
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')

		values := h[name]
		var encoded []byte
		if len(values) == 1 {
			encoded, err = json.Marshal(values[0])
		} else {
			encoded, err = json.Marshal(values)
		}
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON accepts both string and string-array values per name.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for name, value := range raw {
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out[name] = []string{single}
			continue
		}
		var multi []string
		if err := json.Unmarshal(value, &multi); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		out[name] = multi
	}
	*h = out
	return nil
}
