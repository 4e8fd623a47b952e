package wsprobe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mccutchen/wsprobe/internal/sockopt"
)

// DialOptions configures Dial.
type DialOptions struct {
	Handshake HandshakeOptions
	Stream    Options

	// Addr overrides the address dialed, which otherwise is the handshake
	// Host and Port.
	Addr string
	// TLSConfig is used for wss connections. ServerName defaults to the
	// handshake Host.
	TLSConfig *tls.Config
	// Timeout bounds connecting and the opening handshake together.
	Timeout time.Duration
}

// Dial connects to a websocket server, performs the opening handshake and
// returns a client-mode Stream.
func Dial(ctx context.Context, opts DialOptions) (*Stream, error) {
	hs := opts.Handshake
	addr := opts.Addr
	if addr == "" {
		port := hs.Port
		if port == 0 {
			port = 80
			if hs.Secure {
				port = 443
			}
		}
		addr = net.JoinHostPort(hs.Host, strconv.Itoa(port))
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialer := &net.Dialer{Control: sockopt.Control}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", addr, err)
	}

	if hs.Secure {
		cfg := opts.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = hs.Host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("websocket: tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	n, err := Handshake(conn, hs)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return New(conn, n, ClientMode, opts.Stream), nil
}

// DialURL is Dial with the host, port, resource and scheme taken from a
// ws, wss, http or https URL.
func DialURL(ctx context.Context, rawURL string, opts DialOptions) (*Stream, error) {
	if err := opts.Handshake.SetURL(rawURL); err != nil {
		return nil, err
	}
	return Dial(ctx, opts)
}

// SetURL fills Host, Port, Secure and Resource from a ws, wss, http or
// https URL.
func (o *HandshakeOptions) SetURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("websocket: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		o.Secure = false
	case "wss", "https":
		o.Secure = true
	default:
		return fmt.Errorf("websocket: unsupported url scheme %q", u.Scheme)
	}
	o.Host = u.Hostname()
	o.Port = 0
	if p := u.Port(); p != "" {
		if o.Port, err = strconv.Atoi(p); err != nil {
			return fmt.Errorf("websocket: invalid port in url %q: %w", rawURL, err)
		}
	}
	o.Resource = u.RequestURI()
	return nil
}
