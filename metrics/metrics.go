// Package metrics exposes websocket connection activity as prometheus
// metrics by way of wsprobe.Hooks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mccutchen/wsprobe"
)

const namespace = "wsprobe"

// Collectors holds the metrics updated by the hooks returned from
// NewHooks.
type Collectors struct {
	Handshakes   *prometheus.CounterVec
	Frames       *prometheus.CounterVec
	Messages     *prometheus.CounterVec
	PayloadBytes *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	Closes       *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of completed opening handshakes",
			},
			[]string{"compressed"},
		),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of frames read and written",
			},
			[]string{"direction", "opcode"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of complete messages read and written",
			},
			[]string{"direction"},
		),
		PayloadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_payload_bytes_total",
				Help:      "Total frame payload bytes read and written",
			},
			[]string{"direction"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of read and write errors",
			},
			[]string{"direction"},
		),
		Closes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "closes_total",
				Help:      "Total number of closed connections by the close code sent",
			},
			[]string{"code"},
		),
	}
}

// Hooks returns hooks that update c and then call the matching hook in
// next, if set.
func (c *Collectors) Hooks(next wsprobe.Hooks) wsprobe.Hooks {
	return wsprobe.Hooks{
		OnHandshake: func(key wsprobe.ClientKey, n *wsprobe.Negotiated) {
			c.Handshakes.WithLabelValues(strconv.FormatBool(n.Compressed())).Inc()
			if next.OnHandshake != nil {
				next.OnHandshake(key, n)
			}
		},
		OnClose: func(key wsprobe.ClientKey, code wsprobe.StatusCode, err error) {
			c.Closes.WithLabelValues(strconv.Itoa(int(code))).Inc()
			if next.OnClose != nil {
				next.OnClose(key, code, err)
			}
		},
		OnReadError: func(key wsprobe.ClientKey, err error) {
			c.Errors.WithLabelValues("read").Inc()
			if next.OnReadError != nil {
				next.OnReadError(key, err)
			}
		},
		OnReadFrame: func(key wsprobe.ClientKey, f *wsprobe.Frame) {
			c.Frames.WithLabelValues("read", f.Opcode.String()).Inc()
			c.PayloadBytes.WithLabelValues("read").Add(float64(len(f.Payload)))
			if next.OnReadFrame != nil {
				next.OnReadFrame(key, f)
			}
		},
		OnReadMessage: func(key wsprobe.ClientKey, m *wsprobe.Message) {
			c.Messages.WithLabelValues("read").Inc()
			if next.OnReadMessage != nil {
				next.OnReadMessage(key, m)
			}
		},
		OnWriteError: func(key wsprobe.ClientKey, err error) {
			c.Errors.WithLabelValues("write").Inc()
			if next.OnWriteError != nil {
				next.OnWriteError(key, err)
			}
		},
		OnWriteFrame: func(key wsprobe.ClientKey, f *wsprobe.Frame) {
			c.Frames.WithLabelValues("write", f.Opcode.String()).Inc()
			c.PayloadBytes.WithLabelValues("write").Add(float64(len(f.Payload)))
			if next.OnWriteFrame != nil {
				next.OnWriteFrame(key, f)
			}
		},
		OnWriteMessage: func(key wsprobe.ClientKey, m *wsprobe.Message) {
			c.Messages.WithLabelValues("write").Inc()
			if next.OnWriteMessage != nil {
				next.OnWriteMessage(key, m)
			}
		},
	}
}

// NewHooks registers a fresh set of collectors with reg and returns hooks
// that update them.
func NewHooks(reg prometheus.Registerer) wsprobe.Hooks {
	return NewCollectors(reg).Hooks(wsprobe.Hooks{})
}
