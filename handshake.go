package wsprobe

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const acceptKeyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Limits applied while reading a handshake response byte by byte.
const (
	maxStatusLineLength = 1024
	maxHeaderBytes      = 16 * 1024
)

var statusLinePattern = regexp.MustCompile(`^HTTP/\d\.\d (\d\d\d) .*\r\n$`)

// HandshakeOptions configures the client side of the opening handshake.
type HandshakeOptions struct {
	// Host and Port of the server. A zero Port means the default port for
	// the scheme, and the port is left out of the Host header whenever it
	// is the default (80 for ws, 443 for wss).
	Host   string
	Port   int
	Secure bool

	// Resource is the request target; defaults to "/".
	Resource string

	// Origin, when set, is sent lower-cased as Origin (or as
	// Sec-WebSocket-Origin for protocol version 8).
	Origin string

	// Version is the protocol version to request; defaults to "13".
	Version string

	// Protocols are offered in Sec-WebSocket-Protocol.
	Protocols []string

	// User and Password, when User is set, are sent as basic auth.
	User     string
	Password string

	// Deflate, when set, offers permessage-deflate. A server that does not
	// accept it fails the handshake.
	Deflate *DeflateOptions

	// Extensions are offered after permessage-deflate. The server may
	// accept any of them by name.
	Extensions []ExtensionParam

	// Header holds extra request header fields.
	Header Header

	// Rand is the source of the Sec-WebSocket-Key nonce; defaults to
	// crypto/rand.
	Rand io.Reader

	Logger *slog.Logger
}

func (o *HandshakeOptions) setDefaults() {
	if o.Resource == "" {
		o.Resource = "/"
	}
	if o.Version == "" {
		o.Version = requiredVersion
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Logger == nil {
		o.Logger = discardLogger
	}
}

// hostHeader renders the Host header value.
func (o *HandshakeOptions) hostHeader() string {
	host := strings.ToLower(o.Host)
	if o.Port == 0 || (!o.Secure && o.Port == 80) || (o.Secure && o.Port == 443) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(o.Port))
}

// Negotiated is the outcome of a successful opening handshake.
type Negotiated struct {
	// Key is the Sec-WebSocket-Key of the connection.
	Key ClientKey
	// Accept is the Sec-WebSocket-Accept value derived from Key.
	Accept string
	// Header holds the peer's handshake header fields.
	Header Header
	// Extensions are the extensions in effect, in response order.
	Extensions []ExtensionParam
	// Protocol is the selected subprotocol, if any.
	Protocol string

	deflate      *deflateParams
	deflateLevel int
}

// Extension returns the accepted extension with the given name.
func (n *Negotiated) Extension(name string) (ExtensionParam, bool) {
	for _, ext := range n.Extensions {
		if ext.Name == name {
			return ext, true
		}
	}
	return ExtensionParam{}, false
}

// Compressed reports whether permessage-deflate is in effect.
func (n *Negotiated) Compressed() bool {
	return n != nil && n.deflate != nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for a
// Sec-WebSocket-Key, per RFC 6455 section 4.2.2.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptKeyGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewClientKey returns a fresh base64-encoded 16 byte nonce, read from src
// or from crypto/rand when src is nil.
func NewClientKey(src io.Reader) (ClientKey, error) {
	if src == nil {
		src = rand.Reader
	}
	var nonce [16]byte
	if _, err := io.ReadFull(src, nonce[:]); err != nil {
		return "", fmt.Errorf("websocket: failed to generate key: %w", err)
	}
	return ClientKey(base64.StdEncoding.EncodeToString(nonce[:])), nil
}

// Handshake performs the client side of the opening handshake over rw. The
// response is read one byte at a time so nothing past the header block is
// consumed, leaving rw positioned at the first frame.
//
// A non-101 response fails with a *StatusError, or with a *VersionError when
// the server answers 426 without supporting the requested version. Any
// malformed or unacceptable response fails with a *HandshakeError.
func Handshake(rw io.ReadWriter, opts HandshakeOptions) (*Negotiated, error) {
	opts.setDefaults()
	log := opts.Logger.With("host", opts.Host, "resource", opts.Resource)

	key, err := NewClientKey(opts.Rand)
	if err != nil {
		return nil, err
	}
	offers := opts.offers()
	if _, err := io.WriteString(rw, opts.Request(key)); err != nil {
		return nil, fmt.Errorf("websocket: handshake: failed to send request: %w", err)
	}
	log.Debug("websocket: handshake request sent", "key", key, "extensions", FormatExtensions(offers))

	r := &byteReader{r: rw, limit: maxStatusLineLength + maxHeaderBytes}
	code, err := readStatusLine(r)
	if err != nil {
		return nil, err
	}
	header, err := readHeaderFields(r)
	if err != nil {
		return nil, err
	}
	log.Debug("websocket: handshake response read", "status", code, "fields", len(header))

	if code != 101 {
		if code == 426 {
			if supported := advertisedVersions(header); len(supported) > 0 && !slices.Contains(supported, opts.Version) {
				return nil, &VersionError{Requested: opts.Version, Supported: supported}
			}
		}
		return nil, &StatusError{Code: code, Header: header}
	}

	if err := header.expect("Upgrade", "websocket"); err != nil {
		return nil, err
	}
	if err := header.expect("Connection", "upgrade"); err != nil {
		return nil, err
	}
	accept, err := header.Single("Sec-WebSocket-Accept")
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(accept)
	if err != nil {
		return nil, handshakeErrorf("illegal value for header Sec-WebSocket-Accept: %q", accept)
	}
	if len(decoded) != sha1.Size {
		return nil, handshakeErrorf("decoded value of Sec-WebSocket-Accept is %d bytes, expected %d", len(decoded), sha1.Size)
	}
	if want := AcceptKey(string(key)); accept != want {
		return nil, handshakeErrorf("invalid Sec-WebSocket-Accept: %q (expected) vs %q (actual)", want, accept)
	}

	if versions := header.Values("Sec-WebSocket-Version"); len(versions) > 0 {
		if len(versions) != 1 || versions[0] != opts.Version {
			return nil, &VersionError{Requested: opts.Version, Supported: versions}
		}
	}

	n := &Negotiated{
		Key:    key,
		Accept: accept,
		Header: header,
	}
	if err := negotiateExtensions(n, header, &opts, offers); err != nil {
		return nil, err
	}
	if protocols := header.Values("Sec-WebSocket-Protocol"); len(protocols) > 0 {
		if len(protocols) != 1 || !slices.Contains(opts.Protocols, protocols[0]) {
			return nil, handshakeErrorf("server selected unrequested subprotocol %q", protocols)
		}
		n.Protocol = protocols[0]
	}

	log.Debug("websocket: handshake complete", "key", key, "extensions", FormatExtensions(n.Extensions), "protocol", n.Protocol)
	return n, nil
}

func (o *HandshakeOptions) offers() []ExtensionParam {
	if o.Deflate == nil {
		return o.Extensions
	}
	return append([]ExtensionParam{o.Deflate.offer()}, o.Extensions...)
}

// Request renders the opening handshake request for key, including the
// trailing blank line.
func (o HandshakeOptions) Request(key ClientKey) string {
	o.setDefaults()
	opts, offers := &o, o.offers()

	var h Header
	h.Add("Upgrade", "websocket")
	h.Add("Connection", "Upgrade")
	h.Add("Host", opts.hostHeader())
	if opts.Origin != "" {
		if opts.Version == "8" {
			h.Add("Sec-WebSocket-Origin", strings.ToLower(opts.Origin))
		} else {
			h.Add("Origin", strings.ToLower(opts.Origin))
		}
	}
	h.Add("Sec-WebSocket-Key", string(key))
	h.Add("Sec-WebSocket-Version", opts.Version)
	if len(opts.Protocols) > 0 {
		h.Add("Sec-WebSocket-Protocol", strings.Join(opts.Protocols, ", "))
	}
	if opts.User != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(opts.User + ":" + opts.Password))
		h.Add("Authorization", "Basic "+creds)
	}
	if len(offers) > 0 {
		h.Add("Sec-WebSocket-Extensions", FormatExtensions(offers))
	}
	h = append(h, opts.Header...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", opts.Resource)
	h.writeTo(&sb)
	sb.WriteString("\r\n")
	return sb.String()
}

// negotiateExtensions records the extensions the server accepted. Every
// accepted extension must have been offered, and a permessage-deflate
// offer must be accepted.
func negotiateExtensions(n *Negotiated, header Header, opts *HandshakeOptions, offers []ExtensionParam) error {
	values := header.Values("Sec-WebSocket-Extensions")
	if len(values) > 0 {
		exts, err := ParseExtensions(strings.Join(values, ", "))
		if err != nil {
			return handshakeErrorf("invalid Sec-WebSocket-Extensions: %s", err)
		}
		for _, ext := range exts {
			if _, ok := n.Extension(ext.Name); ok {
				return handshakeErrorf("extension %q accepted more than once", ext.Name)
			}
			switch {
			case ext.Name == ExtensionPerMessageDeflate && opts.Deflate != nil:
				params, err := negotiateDeflate(ext, *opts.Deflate)
				if err != nil {
					return handshakeErrorf("invalid %s response: %s", ext.Name, err)
				}
				n.deflate = &params
				n.deflateLevel = opts.Deflate.Level
			case slices.ContainsFunc(offers, func(o ExtensionParam) bool { return o.Name == ext.Name }):
			default:
				return handshakeErrorf("unrequested extension %q", ext.String())
			}
			n.Extensions = append(n.Extensions, ext)
		}
	}
	if opts.Deflate != nil && n.deflate == nil {
		return handshakeErrorf("%s was requested but not accepted", ExtensionPerMessageDeflate)
	}
	return nil
}

// advertisedVersions collects the versions listed in every
// Sec-WebSocket-Version field of a 426 response.
func advertisedVersions(header Header) []string {
	var versions []string
	for _, v := range header.Values("Sec-WebSocket-Version") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				versions = append(versions, part)
			}
		}
	}
	return versions
}

// byteReader reads one byte at a time from an unbuffered source, failing
// once more than limit bytes have been consumed.
type byteReader struct {
	r     io.Reader
	buf   [1]byte
	n     int
	limit int
}

func (b *byteReader) ReadByte() (byte, error) {
	if b.n >= b.limit {
		return 0, handshakeErrorf("response header exceeds %d bytes", b.limit)
	}
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("websocket: handshake: failed to read response: %w", err)
	}
	b.n++
	return b.buf[0], nil
}

func readStatusLine(r *byteReader) (int, error) {
	var line []byte
	for len(line) < maxStatusLineLength {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		line = append(line, c)
		if c == '\n' {
			break
		}
	}
	m := statusLinePattern.FindSubmatch(line)
	if m == nil {
		return 0, handshakeErrorf("wrong status line format: %q", line)
	}
	code, _ := strconv.Atoi(string(m[1]))
	return code, nil
}

// readHeaderFields parses header lines up to and including the blank line
// that ends them. Names are lower-cased; leading spaces are skipped in
// values; every line must end in CRLF.
func readHeaderFields(r *byteReader) (Header, error) {
	var header Header
	for {
		var name bytes.Buffer
		c, err := r.ReadByte()
		for ; err == nil; c, err = r.ReadByte() {
			if c == ':' || c == '\r' {
				break
			}
			if c == '\n' {
				return nil, handshakeErrorf("unexpected LF when reading header name %q", name.String())
			}
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			name.WriteByte(c)
		}
		if err != nil {
			return nil, err
		}

		if c == '\r' {
			if name.Len() > 0 {
				return nil, handshakeErrorf("header line %q has no colon", name.String())
			}
			if c, err = r.ReadByte(); err != nil {
				return nil, err
			}
			if c != '\n' {
				return nil, handshakeErrorf("expected LF but found %q", c)
			}
			return header, nil
		}

		c, err = r.ReadByte()
		for ; err == nil && c == ' '; c, err = r.ReadByte() {
		}
		var value bytes.Buffer
		for ; err == nil; c, err = r.ReadByte() {
			if c == '\r' {
				break
			}
			if c == '\n' {
				return nil, handshakeErrorf("unexpected LF when reading value of header %q", name.String())
			}
			value.WriteByte(c)
		}
		if err != nil {
			return nil, err
		}
		if c, err = r.ReadByte(); err != nil {
			return nil, err
		}
		if c != '\n' {
			return nil, handshakeErrorf("expected LF but found %q", c)
		}
		header.Add(name.String(), value.String())
	}
}
