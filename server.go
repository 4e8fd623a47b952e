package wsprobe

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strings"
)

// Handler handles a single websocket message. If the returned message is
// non-nil, it will be sent to the client. If an error is returned, the
// connection will be closed.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// EchoHandler is a Handler that echoes each incoming message back to the
// client.
var EchoHandler Handler = func(_ context.Context, msg *Message) (*Message, error) {
	return msg, nil
}

var clientKeyPattern = regexp.MustCompile(`^[+/0-9A-Za-z]*=*$`)

// ServerOptions configures the server side of the opening handshake and
// the resulting Stream.
type ServerOptions struct {
	Options
	// Protocols lists the subprotocols the server speaks. The first one the
	// client offers is selected.
	Protocols []string
	// EnableCompression accepts permessage-deflate offers.
	EnableCompression bool
	// CompressionLevel is the flate level used when compression is
	// accepted.
	CompressionLevel int
}

// ValidateRequest checks a client's opening handshake and decides the
// response. Malformed requests fail with a *HandshakeError, and a request
// for a version other than 13 fails with a *VersionError.
func ValidateRequest(r *http.Request, opts ServerOptions) (*Negotiated, error) {
	if r.Method != http.MethodGet {
		return nil, handshakeErrorf("method must be GET, got %q", r.Method)
	}
	if r.Host == "" {
		return nil, handshakeErrorf("Host header not found")
	}

	upgrade := r.Header.Values("Upgrade")
	switch {
	case len(upgrade) == 0:
		return nil, handshakeErrorf("Upgrade header not found")
	case len(upgrade) > 1:
		return nil, handshakeErrorf("multiple Upgrade headers found: %q", upgrade)
	case !strings.EqualFold(upgrade[0], "websocket"):
		return nil, handshakeErrorf("illegal value for header Upgrade: %q", upgrade[0])
	}

	connection := r.Header.Values("Connection")
	if len(connection) == 0 {
		return nil, handshakeErrorf("Connection header not found")
	}
	if !headerHasToken(connection, "upgrade") {
		return nil, handshakeErrorf("illegal value for header Connection: %q", connection)
	}

	key, err := validateClientKey(r.Header.Values("Sec-WebSocket-Key"))
	if err != nil {
		return nil, err
	}
	if err := validateVersion(r.Header.Values("Sec-WebSocket-Version")); err != nil {
		return nil, err
	}

	n := &Negotiated{
		Key:    key,
		Accept: AcceptKey(string(key)),
	}
	for name, values := range r.Header {
		for _, v := range values {
			n.Header.Add(strings.ToLower(name), v)
		}
	}

	if values, ok := r.Header[http.CanonicalHeaderKey("Sec-WebSocket-Protocol")]; ok {
		offered, err := ParseTokenList(strings.Join(values, ","))
		if err != nil {
			return nil, handshakeErrorf("invalid Sec-WebSocket-Protocol: %s", err)
		}
		for _, p := range offered {
			if slices.Contains(opts.Protocols, p) {
				n.Protocol = p
				break
			}
		}
	}

	if values := r.Header.Values("Sec-WebSocket-Extensions"); len(values) > 0 {
		offers, err := ParseExtensions(strings.Join(values, ", "))
		if err != nil {
			return nil, handshakeErrorf("invalid Sec-WebSocket-Extensions: %s", err)
		}
		for _, offer := range offers {
			if offer.Name != ExtensionPerMessageDeflate || !opts.EnableCompression || n.deflate != nil {
				continue
			}
			resp, params, err := acceptDeflateOffer(offer)
			if err != nil {
				// a client may send several offers; try the next one
				continue
			}
			n.deflate = &params
			n.deflateLevel = opts.CompressionLevel
			n.Extensions = append(n.Extensions, resp)
		}
	}
	return n, nil
}

func headerHasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func validateClientKey(values []string) (ClientKey, error) {
	switch len(values) {
	case 0:
		return "", handshakeErrorf("Sec-WebSocket-Key header not found")
	case 1:
	default:
		return "", handshakeErrorf("multiple Sec-WebSocket-Key headers found: %q", values)
	}
	key := values[0]
	if strings.Contains(key, ",") {
		return "", handshakeErrorf("Sec-WebSocket-Key must not contain a list: %q", key)
	}
	if !clientKeyPattern.MatchString(key) {
		return "", handshakeErrorf("illegal characters in Sec-WebSocket-Key: %q", key)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", handshakeErrorf("failed to decode Sec-WebSocket-Key %q: %s", key, err)
	}
	if len(decoded) != 16 {
		return "", handshakeErrorf("decoded Sec-WebSocket-Key is %d bytes, expected 16: %q", len(decoded), key)
	}
	return ClientKey(key), nil
}

func validateVersion(values []string) error {
	switch len(values) {
	case 0:
		return handshakeErrorf("Sec-WebSocket-Version header not found")
	case 1:
	default:
		return handshakeErrorf("multiple Sec-WebSocket-Version headers found: %q", values)
	}
	if strings.Contains(values[0], ",") {
		return handshakeErrorf("Sec-WebSocket-Version must not contain a list: %q", values[0])
	}
	if v := strings.TrimSpace(values[0]); v != requiredVersion {
		return &VersionError{Requested: v, Supported: []string{requiredVersion}}
	}
	return nil
}

// WriteHandshakeResponse writes the 101 Switching Protocols response for a
// validated request.
func WriteHandshakeResponse(w io.Writer, n *Negotiated) error {
	var h Header
	h.Add("Upgrade", "websocket")
	h.Add("Connection", "Upgrade")
	h.Add("Sec-WebSocket-Accept", n.Accept)
	if n.Protocol != "" {
		h.Add("Sec-WebSocket-Protocol", n.Protocol)
	}
	if len(n.Extensions) > 0 {
		h.Add("Sec-WebSocket-Extensions", FormatExtensions(n.Extensions))
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	h.writeTo(&sb)
	sb.WriteString("\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("websocket: failed to write handshake response: %w", err)
	}
	return nil
}

// Accept validates the opening handshake and upgrades the connection to a
// server-mode Stream. Rejected handshakes are answered with 400 Bad
// Request, or 426 Upgrade Required for unsupported versions.
func Accept(w http.ResponseWriter, r *http.Request, opts ServerOptions) (*Stream, error) {
	n, err := ValidateRequest(r, opts)
	if err != nil {
		var verr *VersionError
		if errors.As(err, &verr) {
			w.Header().Set("Sec-WebSocket-Version", requiredVersion)
			http.Error(w, err.Error(), http.StatusUpgradeRequired)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return nil, fmt.Errorf("websocket: accept: handshake failed: %w", err)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("websocket: accept: server does not support hijacking")
	}

	conn, brw, err := hj.Hijack()
	if err != nil {
		panic(fmt.Errorf("websocket: accept: hijack failed: %s", err))
	}
	if err := WriteHandshakeResponse(conn, n); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("websocket: accept: %w", err)
	}

	var src io.ReadWriteCloser = conn
	if brw.Reader.Buffered() > 0 {
		src = &bufferedConn{Conn: conn, r: brw.Reader}
	}
	return New(src, n, ServerMode, opts.Options), nil
}

// bufferedConn reads through the bufio.Reader returned by Hijack, which may
// already hold bytes the client sent after its request.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Serve is a high-level convenience method for request-response style
// websocket connections, where handler is called for each incoming message
// and its return value is sent back to the client. A close frame from the
// client is echoed back with the same code and reason before the
// connection is closed.
func (ws *Stream) Serve(ctx context.Context, handler Handler) {
	stop := context.AfterFunc(ctx, func() { _ = ws.CloseSocket() })
	defer stop()
	defer ws.CloseSocket()

	for {
		msg, err := ws.ReceiveMessage()
		if err != nil {
			var (
				cerr *CloseError
				perr *ProtocolError
			)
			switch {
			case errors.As(err, &cerr):
				_ = ws.SendClose(cerr.Code, cerr.Reason)
			case errors.Is(err, ErrEncodingInvalid):
				_ = ws.SendClose(StatusUnsupportedPayload, "")
			case errors.As(err, &perr):
				_ = ws.SendClose(StatusProtocolError, "")
			case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrFrameTooLarge):
				_ = ws.SendClose(StatusTooLarge, "")
			}
			ws.logger.Debug("websocket: serve loop ending", "error", err)
			return
		}

		resp, err := handler(ctx, msg)
		if err != nil {
			ws.logger.Debug("websocket: handler failed", "error", err)
			_ = ws.SendClose(StatusServerError, "")
			return
		}
		if resp != nil {
			if err := ws.WriteMessage(resp); err != nil {
				return
			}
		}
	}
}
