package wsprobe

import (
	"fmt"
	"strings"
)

// HeaderField is a single name/value pair from a handshake. Names read off
// the wire are lower-cased.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered multimap of handshake header fields. Unlike
// http.Header it keeps every occurrence of a repeated name, in order, so
// duplicates can be detected.
type Header []HeaderField

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Values returns every value recorded for name, compared case-insensitively.
func (h Header) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Get returns the first value for name, or "" if there is none.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Single returns the one and only value for name, failing with a
// HandshakeError when the header is missing or repeated.
func (h Header) Single(name string) (string, error) {
	vals := h.Values(name)
	switch len(vals) {
	case 0:
		return "", handshakeErrorf("%s header not found", name)
	case 1:
		return vals[0], nil
	default:
		return "", handshakeErrorf("multiple %s headers found: %q", name, vals)
	}
}

// expect requires exactly one value for name that matches want,
// case-insensitively.
func (h Header) expect(name, want string) error {
	got, err := h.Single(name)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return handshakeErrorf("illegal value for header %s: %q (expected) vs %q (actual)", name, want, got)
	}
	return nil
}

// writeTo renders the fields in wire format, one CRLF-terminated line each.
func (h Header) writeTo(sb *strings.Builder) {
	for _, f := range h {
		fmt.Fprintf(sb, "%s: %s\r\n", f.Name, f.Value)
	}
}
