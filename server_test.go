package wsprobe_test

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/internal/testing/assert"
)

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	validHeaders := func() map[string][]string {
		return map[string][]string{
			"Connection":            {"Upgrade"},
			"Upgrade":               {"websocket"},
			"Sec-Websocket-Key":     {sampleKey},
			"Sec-Websocket-Version": {"13"},
		}
	}

	testCases := map[string]struct {
		method  string
		host    string
		modify  func(h map[string][]string)
		wantErr any
	}{
		"valid": {
			wantErr: nil,
		},
		"header values are case insensitive": {
			modify: func(h map[string][]string) {
				h["Connection"] = []string{"UPGRADE"}
				h["Upgrade"] = []string{"WebSocket"}
			},
			wantErr: nil,
		},
		"Connection with several tokens": {
			modify: func(h map[string][]string) {
				h["Connection"] = []string{"keep-alive, Upgrade"}
			},
			wantErr: nil,
		},
		"POST": {
			method:  http.MethodPost,
			wantErr: "method must be GET",
		},
		"missing Host": {
			host:    "-",
			wantErr: "Host header not found",
		},
		"missing Upgrade": {
			modify:  func(h map[string][]string) { delete(h, "Upgrade") },
			wantErr: "Upgrade header not found",
		},
		"multiple Upgrade": {
			modify:  func(h map[string][]string) { h["Upgrade"] = []string{"websocket", "websocket"} },
			wantErr: "multiple Upgrade headers found",
		},
		"wrong Upgrade": {
			modify:  func(h map[string][]string) { h["Upgrade"] = []string{"h2c"} },
			wantErr: "illegal value for header Upgrade",
		},
		"missing Connection": {
			modify:  func(h map[string][]string) { delete(h, "Connection") },
			wantErr: "Connection header not found",
		},
		"wrong Connection": {
			modify:  func(h map[string][]string) { h["Connection"] = []string{"keep-alive"} },
			wantErr: "illegal value for header Connection",
		},
		"missing key": {
			modify:  func(h map[string][]string) { delete(h, "Sec-Websocket-Key") },
			wantErr: "Sec-WebSocket-Key header not found",
		},
		"multiple keys": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Key"] = []string{sampleKey, sampleKey} },
			wantErr: "multiple Sec-WebSocket-Key headers found",
		},
		"key is a list": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Key"] = []string{sampleKey + ", " + sampleKey} },
			wantErr: "must not contain a list",
		},
		"key with illegal characters": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Key"] = []string{"dGhlIHNhbXBsZSBub25jZQ==!"} },
			wantErr: "illegal characters in Sec-WebSocket-Key",
		},
		"key without padding": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Key"] = []string{"dGhlIHNhbXBsZSBub25jZQ"} },
			wantErr: "failed to decode Sec-WebSocket-Key",
		},
		"key of wrong length": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Key"] = []string{"dGVzdA=="} },
			wantErr: "decoded Sec-WebSocket-Key is 4 bytes",
		},
		"missing version": {
			modify:  func(h map[string][]string) { delete(h, "Sec-Websocket-Version") },
			wantErr: "Sec-WebSocket-Version header not found",
		},
		"multiple versions": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Version"] = []string{"13", "13"} },
			wantErr: "multiple Sec-WebSocket-Version headers found",
		},
		"version list": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Version"] = []string{"13, 8"} },
			wantErr: "must not contain a list",
		},
		"unsupported version": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Version"] = []string{"8"} },
			wantErr: reflectType[*wsprobe.VersionError](),
		},
		"protocol with a tab": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Protocol"] = []string{"chat\tsuperchat"} },
			wantErr: "invalid Sec-WebSocket-Protocol",
		},
		"empty protocol": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Protocol"] = []string{""} },
			wantErr: "invalid Sec-WebSocket-Protocol",
		},
		"malformed extensions": {
			modify:  func(h map[string][]string) { h["Sec-Websocket-Extensions"] = []string{"permessage-deflate;"} },
			wantErr: "invalid Sec-WebSocket-Extensions",
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			method := tc.method
			if method == "" {
				method = http.MethodGet
			}
			r := httptest.NewRequest(method, "/", nil)
			if tc.host == "-" {
				r.Host = ""
			}
			h := validHeaders()
			if tc.modify != nil {
				tc.modify(h)
			}
			for k, vs := range h {
				for _, v := range vs {
					r.Header.Add(k, v)
				}
			}

			n, err := wsprobe.ValidateRequest(r, wsprobe.ServerOptions{})
			assert.Error(t, err, tc.wantErr)
			if tc.wantErr == nil {
				assert.Equal(t, n.Key, wsprobe.ClientKey(sampleKey))
				assert.Equal(t, n.Accept, sampleAccept)
			}
		})
	}
}

func TestValidateRequestNegotiation(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		opts           wsprobe.ServerOptions
		protocol       string
		extensions     string
		wantProtocol   string
		wantExtensions string
		wantCompressed bool
	}{
		"first supported protocol is selected": {
			opts:         wsprobe.ServerOptions{Protocols: []string{"superchat", "chat"}},
			protocol:     "chat, superchat",
			wantProtocol: "chat",
		},
		"unsupported protocols are ignored": {
			opts:         wsprobe.ServerOptions{Protocols: []string{"chat"}},
			protocol:     "mqtt",
			wantProtocol: "",
		},
		"deflate accepted": {
			opts:           wsprobe.ServerOptions{EnableCompression: true},
			extensions:     "permessage-deflate; client_max_window_bits",
			wantExtensions: "permessage-deflate",
			wantCompressed: true,
		},
		"deflate parameters echoed": {
			opts:           wsprobe.ServerOptions{EnableCompression: true},
			extensions:     "permessage-deflate; server_max_window_bits=10; client_no_context_takeover; server_no_context_takeover",
			wantExtensions: "permessage-deflate; server_no_context_takeover; client_no_context_takeover; server_max_window_bits=10",
			wantCompressed: true,
		},
		"invalid offer skipped for the next": {
			opts:           wsprobe.ServerOptions{EnableCompression: true},
			extensions:     "permessage-deflate; x-foo, permessage-deflate; server_no_context_takeover",
			wantExtensions: "permessage-deflate; server_no_context_takeover",
			wantCompressed: true,
		},
		"only the first valid offer is accepted": {
			opts:           wsprobe.ServerOptions{EnableCompression: true},
			extensions:     "permessage-deflate, permessage-deflate; server_no_context_takeover",
			wantExtensions: "permessage-deflate",
			wantCompressed: true,
		},
		"deflate ignored when compression is disabled": {
			extensions:     "permessage-deflate",
			wantExtensions: "",
		},
		"unknown extensions ignored": {
			opts:           wsprobe.ServerOptions{EnableCompression: true},
			extensions:     "x-webkit-deflate-frame",
			wantExtensions: "",
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := newHandshakeRequest("/")
			if tc.protocol != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tc.protocol)
			}
			if tc.extensions != "" {
				r.Header.Set("Sec-WebSocket-Extensions", tc.extensions)
			}
			n, err := wsprobe.ValidateRequest(r, tc.opts)
			assert.NilError(t, err)
			assert.Equal(t, n.Protocol, tc.wantProtocol)
			assert.Equal(t, wsprobe.FormatExtensions(n.Extensions), tc.wantExtensions)
			assert.Equal(t, n.Compressed(), tc.wantCompressed)
		})
	}
}

func TestWriteHandshakeResponse(t *testing.T) {
	t.Parallel()

	r := newHandshakeRequest("/")
	r.Header.Set("Sec-WebSocket-Protocol", "chat")
	r.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	n, err := wsprobe.ValidateRequest(r, wsprobe.ServerOptions{Protocols: []string{"chat"}, EnableCompression: true})
	assert.NilError(t, err)

	buf := &bytes.Buffer{}
	assert.NilError(t, wsprobe.WriteHandshakeResponse(buf, n))
	assert.Equal(t, buf.String(), "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+sampleAccept+"\r\n"+
		"Sec-WebSocket-Protocol: chat\r\n"+
		"Sec-WebSocket-Extensions: permessage-deflate\r\n"+
		"\r\n")
}

func TestAccept(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsprobe.Accept(w, r, wsprobe.ServerOptions{})
		if err != nil {
			return
		}
		ws.Serve(r.Context(), wsprobe.EchoHandler)
	}))
	t.Cleanup(srv.Close)

	testCases := map[string]struct {
		header     map[string]string
		wantStatus int
		wantHeader map[string]string
	}{
		"valid handshake": {
			wantStatus: http.StatusSwitchingProtocols,
			wantHeader: map[string]string{
				"Upgrade":              "websocket",
				"Connection":           "Upgrade",
				"Sec-Websocket-Accept": sampleAccept,
			},
		},
		"malformed handshake": {
			header:     map[string]string{"Upgrade": "h2c"},
			wantStatus: http.StatusBadRequest,
		},
		"unsupported version": {
			header:     map[string]string{"Sec-WebSocket-Version": "8"},
			wantStatus: http.StatusUpgradeRequired,
			wantHeader: map[string]string{"Sec-Websocket-Version": "13"},
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			conn, err := net.Dial("tcp", srv.Listener.Addr().String())
			assert.NilError(t, err)
			t.Cleanup(func() { _ = conn.Close() })

			r := newHandshakeRequest("/")
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			assert.NilError(t, r.Write(conn))
			resp, err := http.ReadResponse(bufio.NewReader(conn), r)
			assert.NilError(t, err)
			assert.StatusCode(t, resp, tc.wantStatus)
			for k, v := range tc.wantHeader {
				assert.Equal(t, resp.Header.Get(k), v, "incorrect value for %q response header", k)
			}
		})
	}
}

func TestAcceptHijackFailures(t *testing.T) {
	t.Parallel()

	t.Run("server without hijack support", func(t *testing.T) {
		t.Parallel()
		assertPanics(t, "server does not support hijacking", func() {
			_, _ = wsprobe.Accept(httptest.NewRecorder(), newHandshakeRequest("/"), wsprobe.ServerOptions{})
		})
	})

	t.Run("hijack error", func(t *testing.T) {
		t.Parallel()
		assertPanics(t, "hijack failed", func() {
			_, _ = wsprobe.Accept(&brokenHijackResponseWriter{}, newHandshakeRequest("/"), wsprobe.ServerOptions{})
		})
	})

	t.Run("handshake failure does not hijack", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		r := newHandshakeRequest("/")
		r.Header.Del("Upgrade")
		_, err := wsprobe.Accept(w, r, wsprobe.ServerOptions{})
		assert.Error(t, err, "Upgrade header not found")
		assert.Equal(t, w.Code, http.StatusBadRequest)
	})
}

// newHandshakeRequest returns a valid opening handshake request using the
// RFC sample key.
func newHandshakeRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Key", sampleKey)
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

func assertPanics(t *testing.T, wantMsg string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		assert.True(t, r != nil, "expected panic")
		assert.Contains(t, fmt.Sprint(r), wantMsg)
	}()
	f()
}

// brokenHijackResponseWriter implements just enough to satisfy the
// http.ResponseWriter and http.Hijacker interfaces and get through the
// handshake before failing to actually hijack the connection.
type brokenHijackResponseWriter struct {
	http.ResponseWriter
	Code int
}

func (w *brokenHijackResponseWriter) WriteHeader(code int) {
	w.Code = code
}

func (w *brokenHijackResponseWriter) Header() http.Header {
	return http.Header{}
}

func (brokenHijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, fmt.Errorf("error hijacking connection")
}

var (
	_ http.ResponseWriter = &brokenHijackResponseWriter{}
	_ http.Hijacker       = &brokenHijackResponseWriter{}
)
