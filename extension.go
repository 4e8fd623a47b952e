package wsprobe

import (
	"fmt"
	"strings"
)

// Extension names this package knows how to negotiate.
const (
	ExtensionPerMessageDeflate = "permessage-deflate"
	ExtensionMux               = "mux"
)

// ExtensionParam is one entry of a Sec-WebSocket-Extensions header: an
// extension name and its ordered parameters. A parameter with no value has
// an empty Value and HasValue false.
type ExtensionParam struct {
	Name   string
	Params []ExtensionArg
}

// ExtensionArg is a single extension parameter.
type ExtensionArg struct {
	Key      string
	Value    string
	HasValue bool
}

// NewExtension builds an ExtensionParam with no parameters.
func NewExtension(name string) ExtensionParam {
	return ExtensionParam{Name: name}
}

// With returns a copy of e with a valueless parameter appended.
func (e ExtensionParam) With(key string) ExtensionParam {
	e.Params = append(e.Params[:len(e.Params):len(e.Params)], ExtensionArg{Key: key})
	return e
}

// WithValue returns a copy of e with a key=value parameter appended.
func (e ExtensionParam) WithValue(key, value string) ExtensionParam {
	e.Params = append(e.Params[:len(e.Params):len(e.Params)], ExtensionArg{Key: key, Value: value, HasValue: true})
	return e
}

// Lookup returns the parameter named key.
func (e ExtensionParam) Lookup(key string) (ExtensionArg, bool) {
	for _, p := range e.Params {
		if p.Key == key {
			return p, true
		}
	}
	return ExtensionArg{}, false
}

func (e ExtensionParam) String() string {
	var sb strings.Builder
	sb.WriteString(e.Name)
	for _, p := range e.Params {
		sb.WriteString("; ")
		sb.WriteString(p.Key)
		if p.HasValue {
			sb.WriteByte('=')
			if isToken(p.Value) {
				sb.WriteString(p.Value)
			} else {
				sb.WriteString(quoteString(p.Value))
			}
		}
	}
	return sb.String()
}

// FormatExtensions renders a Sec-WebSocket-Extensions header value.
func FormatExtensions(exts []ExtensionParam) string {
	parts := make([]string, len(exts))
	for i, e := range exts {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// ParseExtensions parses a Sec-WebSocket-Extensions header value per
// RFC 6455 section 9.1. An empty list is an error.
func ParseExtensions(s string) ([]ExtensionParam, error) {
	p := &tokenParser{s: s}
	var exts []ExtensionParam
	for {
		p.skipSpaces()
		if p.done() {
			break
		}
		name, ok := p.token()
		if !ok {
			return nil, fmt.Errorf("invalid extension name at offset %d in %q", p.pos, s)
		}
		ext := ExtensionParam{Name: name}
		for {
			p.skipSpaces()
			if !p.consume(';') {
				break
			}
			p.skipSpaces()
			key, ok := p.token()
			if !ok {
				return nil, fmt.Errorf("invalid parameter name at offset %d in %q", p.pos, s)
			}
			arg := ExtensionArg{Key: key}
			p.skipSpaces()
			if p.consume('=') {
				p.skipSpaces()
				var val string
				if p.peek() == '"' {
					val, ok = p.quoted()
					// quoted values must still be tokens once unquoted
					ok = ok && isToken(val)
				} else {
					val, ok = p.token()
				}
				if !ok {
					return nil, fmt.Errorf("invalid value for parameter %q in %q", key, s)
				}
				arg.Value, arg.HasValue = val, true
			}
			ext.Params = append(ext.Params, arg)
		}
		exts = append(exts, ext)
		p.skipSpaces()
		if p.done() {
			break
		}
		if !p.consume(',') {
			return nil, fmt.Errorf("expected ',' at offset %d in %q", p.pos, s)
		}
	}
	if len(exts) == 0 {
		return nil, fmt.Errorf("no extension found in %q", s)
	}
	return exts, nil
}

// ParseTokenList parses a comma separated list of HTTP tokens, as used by
// Sec-WebSocket-Protocol and Connection. Empty elements are skipped; an
// empty list or an illegal character is an error.
func ParseTokenList(s string) ([]string, error) {
	var tokens []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(part, " \t")
		if part == "" {
			continue
		}
		if !isToken(part) {
			return nil, fmt.Errorf("illegal token %q", part)
		}
		tokens = append(tokens, part)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no valid token found in %q", s)
	}
	return tokens, nil
}

type tokenParser struct {
	s   string
	pos int
}

func (p *tokenParser) done() bool { return p.pos >= len(p.s) }

func (p *tokenParser) peek() byte {
	if p.done() {
		return 0
	}
	return p.s[p.pos]
}

func (p *tokenParser) consume(c byte) bool {
	if p.peek() == c && !p.done() {
		p.pos++
		return true
	}
	return false
}

func (p *tokenParser) skipSpaces() {
	for !p.done() && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *tokenParser) token() (string, bool) {
	start := p.pos
	for !p.done() && isTokenChar(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos], p.pos > start
}

func (p *tokenParser) quoted() (string, bool) {
	if !p.consume('"') {
		return "", false
	}
	var sb strings.Builder
	for !p.done() {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return sb.String(), true
		case '\\':
			if p.done() {
				return "", false
			}
			sb.WriteByte(p.s[p.pos])
			p.pos++
		default:
			sb.WriteByte(c)
		}
	}
	return "", false
}

func quoteString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// isTokenChar reports whether c may appear in an HTTP token (RFC 7230
// section 3.2.6).
func isTokenChar(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return false
	}
	return !strings.ContainsRune(`()<>@,;:\"/[]?={}`, rune(c))
}
