// wsprobe drives a websocket echo server through a scripted exchange,
// checking that every message comes back byte for byte, and reports what
// the opening handshake negotiated.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/metrics"
	"github.com/mccutchen/wsprobe/mux"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	muxQuota    = 1 << 16
	firstMuxID  = mux.DefaultChannelID + 1
	defaultText = "Hello, world!"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type config struct {
	url       string
	message   string
	binary    bool
	count     int
	deflate   bool
	channels  int
	protocols string
	origin    string
	timeout   time.Duration
	json      bool
	debug     bool
	metrics   bool
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("wsprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.url, "url", "", "ws://, wss://, http:// or https:// URL of the echo server (required)")
	fs.StringVar(&cfg.message, "message", defaultText, "Message to send")
	fs.BoolVar(&cfg.binary, "binary", false, "Send the message as a binary frame")
	fs.IntVar(&cfg.count, "count", 1, "Number of times to send the message on each channel")
	fs.BoolVar(&cfg.deflate, "deflate", false, "Offer permessage-deflate")
	fs.IntVar(&cfg.channels, "mux", 0, "Use the mux extension and open this many logical channels besides the default one")
	fs.StringVar(&cfg.protocols, "protocols", "", "Comma separated subprotocols to offer")
	fs.StringVar(&cfg.origin, "origin", "", "Origin to send")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "Timeout for connecting and for each read")
	fs.BoolVar(&cfg.json, "json", false, "Write the report as JSON")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&cfg.metrics, "metrics", false, "Include frame and message counters in the report")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	var err error
	switch {
	case cfg.url == "":
		err = errors.New("-url is required")
	case cfg.count < 1:
		err = errors.New("-count must be at least 1")
	case cfg.channels < 0:
		err = errors.New("-mux must not be negative")
	case cfg.channels > 0 && cfg.deflate:
		err = errors.New("-mux and -deflate cannot be combined")
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
	}
	return cfg, err
}

// report is the outcome of one run.
type report struct {
	URL        string             `json:"url"`
	Protocol   string             `json:"protocol,omitempty"`
	Extensions []string           `json:"extensions,omitempty"`
	Channels   []uint32           `json:"channels,omitempty"`
	Sent       int                `json:"sent"`
	Echoed     int                `json:"echoed"`
	Failures   []string           `json:"failures,omitempty"`
	Elapsed    time.Duration      `json:"elapsed_ns"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

func (r *report) fail(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

func (r *report) negotiated(n *wsprobe.Negotiated) {
	r.Protocol = n.Protocol
	for _, ext := range n.Extensions {
		r.Extensions = append(r.Extensions, ext.String())
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	var next wsprobe.Hooks
	if cfg.debug {
		next = newDebugHooks(ctx, logger)
	}
	hooks := metrics.NewCollectors(reg).Hooks(next)

	opts := wsprobe.DialOptions{
		Handshake: wsprobe.HandshakeOptions{
			Origin: cfg.origin,
			Logger: logger,
		},
		Stream: wsprobe.Options{
			Hooks:        hooks,
			Logger:       logger,
			ReadTimeout:  cfg.timeout,
			WriteTimeout: cfg.timeout,
			CloseTimeout: cfg.timeout,
		},
		Timeout: cfg.timeout,
	}
	if cfg.protocols != "" {
		protocols, err := wsprobe.ParseTokenList(cfg.protocols)
		if err != nil {
			fmt.Fprintf(stderr, "error: invalid -protocols: %s\n", err)
			return exitUsage
		}
		opts.Handshake.Protocols = protocols
	}
	if cfg.deflate {
		opts.Handshake.Deflate = &wsprobe.DeflateOptions{}
	}
	if err := opts.Handshake.SetURL(cfg.url); err != nil {
		fmt.Fprintf(stderr, "error: invalid -url: %s\n", err)
		return exitUsage
	}

	r := &report{URL: cfg.url}
	start := time.Now()
	if cfg.channels > 0 {
		probeMux(ctx, cfg, opts, logger, r)
	} else {
		probe(ctx, cfg, opts, r)
	}
	r.Elapsed = time.Since(start)

	if cfg.metrics {
		families, err := reg.Gather()
		if err != nil {
			r.fail("gathering metrics: %s", err)
		}
		r.Metrics = flattenMetrics(families)
	}

	if err := writeReport(stdout, r, cfg.json); err != nil {
		fmt.Fprintf(stderr, "error: writing report: %s\n", err)
		return exitFailed
	}
	if len(r.Failures) > 0 {
		return exitFailed
	}
	return exitOK
}

func (cfg config) payload() *wsprobe.Message {
	return &wsprobe.Message{Binary: cfg.binary, Payload: []byte(cfg.message)}
}

// probe runs the exchange over a plain websocket connection.
func probe(ctx context.Context, cfg config, opts wsprobe.DialOptions, r *report) {
	ws, err := wsprobe.Dial(ctx, opts)
	if err != nil {
		r.fail("connect: %s", err)
		return
	}
	r.negotiated(ws.Negotiated())

	want := cfg.payload()
	for i := range cfg.count {
		if err := ws.WriteMessage(want); err != nil {
			r.fail("message %d: send: %s", i, err)
			break
		}
		r.Sent++
		got, err := ws.ReceiveMessage()
		if err != nil {
			r.fail("message %d: receive: %s", i, err)
			break
		}
		if got.Binary != want.Binary || !bytes.Equal(got.Payload, want.Payload) {
			r.fail("message %d: echoed %v, expected %v", i, got, want)
			continue
		}
		r.Echoed++
	}

	if err := ws.Close(); err != nil {
		r.fail("close: %s", err)
	}
}

// probeMux runs the exchange on the default channel and cfg.channels
// additional logical channels of one mux connection.
func probeMux(ctx context.Context, cfg config, opts wsprobe.DialOptions, logger *slog.Logger, r *report) {
	// the reader goroutine idles between exchanges, so only the mux
	// timeout applies to reads
	opts.Stream.ReadTimeout = 0
	c, err := mux.Connect(ctx, mux.Options{Dial: opts, Timeout: cfg.timeout, Logger: logger})
	if err != nil {
		r.fail("connect: %s", err)
		return
	}
	defer func() {
		if err := c.Close(); err != nil {
			r.fail("close: %s", err)
		}
	}()

	ids := []uint32{mux.DefaultChannelID}
	if err := c.SendFlowControl(mux.DefaultChannelID, muxQuota); err != nil {
		r.fail("channel %d: flow control: %s", mux.DefaultChannelID, err)
		return
	}
	for i := range cfg.channels {
		id := firstMuxID + uint32(i)
		if err := c.AddChannel(id, wsprobe.HandshakeOptions{}); err != nil {
			r.fail("channel %d: %s", id, err)
			continue
		}
		if err := c.SendFlowControl(id, muxQuota); err != nil {
			r.fail("channel %d: flow control: %s", id, err)
			continue
		}
		ids = append(ids, id)
	}
	r.Channels = ids

	opcode := wsprobe.OpcodeText
	if cfg.binary {
		opcode = wsprobe.OpcodeBinary
	}
	payload := []byte(cfg.message)
	for _, id := range ids {
		for i := range cfg.count {
			if err := c.SendMessage(id, opcode, payload, true); err != nil {
				r.fail("channel %d: message %d: send: %s", id, i, err)
				break
			}
			r.Sent++
			var err error
			if cfg.binary {
				err = c.AssertReceiveBinary(id, payload)
			} else {
				err = c.AssertReceiveText(id, cfg.message)
			}
			if err != nil {
				r.fail("channel %d: message %d: %s", id, i, err)
				continue
			}
			r.Echoed++
		}
	}
}

// flattenMetrics renders counters as name{label="value",...} keys.
func flattenMetrics(families []*dto.MetricFamily) map[string]float64 {
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			out[key] = m.GetCounter().GetValue()
		}
	}
	return out
}

func writeReport(w io.Writer, r *report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "url:        %s\n", r.URL)
	if r.Protocol != "" {
		fmt.Fprintf(&sb, "protocol:   %s\n", r.Protocol)
	}
	for _, ext := range r.Extensions {
		fmt.Fprintf(&sb, "extension:  %s\n", ext)
	}
	if len(r.Channels) > 0 {
		fmt.Fprintf(&sb, "channels:   %v\n", r.Channels)
	}
	fmt.Fprintf(&sb, "echoed:     %d/%d\n", r.Echoed, r.Sent)
	fmt.Fprintf(&sb, "elapsed:    %s\n", r.Elapsed.Round(time.Microsecond))
	keys := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "metric:     %s %g\n", k, r.Metrics[k])
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "FAIL:       %s\n", f)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func newDebugHooks(ctx context.Context, logger *slog.Logger) wsprobe.Hooks {
	levelForErr := func(err error) slog.Level {
		if err != nil {
			return slog.LevelError
		}
		return slog.LevelDebug
	}
	return wsprobe.Hooks{
		OnHandshake: func(key wsprobe.ClientKey, n *wsprobe.Negotiated) {
			logger.DebugContext(ctx, "OnHandshake", "client", key, "protocol", n.Protocol, "extensions", wsprobe.FormatExtensions(n.Extensions))
		},
		OnClose: func(key wsprobe.ClientKey, code wsprobe.StatusCode, err error) {
			logger.Log(ctx, levelForErr(err), "OnClose", "client", key, "code", code, "err", err)
		},
		OnReadError: func(key wsprobe.ClientKey, err error) {
			logger.ErrorContext(ctx, "OnReadError", "client", key, "err", err)
		},
		OnReadFrame: func(key wsprobe.ClientKey, frame *wsprobe.Frame) {
			logger.DebugContext(ctx, "OnReadFrame", "client", key, "frame", frame)
		},
		OnReadMessage: func(key wsprobe.ClientKey, msg *wsprobe.Message) {
			logger.DebugContext(ctx, "OnReadMessage", "client", key, "msg", msg)
		},
		OnWriteError: func(key wsprobe.ClientKey, err error) {
			logger.ErrorContext(ctx, "OnWriteError", "client", key, "err", err)
		},
		OnWriteFrame: func(key wsprobe.ClientKey, frame *wsprobe.Frame) {
			logger.DebugContext(ctx, "OnWriteFrame", "client", key, "frame", frame)
		},
		OnWriteMessage: func(key wsprobe.ClientKey, msg *wsprobe.Message) {
			logger.DebugContext(ctx, "OnWriteMessage", "client", key, "msg", msg)
		},
	}
}
