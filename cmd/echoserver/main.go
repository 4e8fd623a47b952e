// A websocket server for exercising wsprobe: plain and compressed echo,
// the JSON and binary arithmetic routes used for benchmarking, and a mux
// endpoint.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/metrics"
	"github.com/mccutchen/wsprobe/mux/muxtest"
)

func main() {
	var debug bool
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var hooks wsprobe.Hooks
	if debug {
		hooks = newDebugHooks(context.Background(), logger)
	}

	addr := getListenAddr()
	logger.Info("starting echoserver", "addr", "http://"+addr)
	log.Fatal(http.ListenAndServe(addr, newHandler(prometheus.NewRegistry(), hooks, logger)))
}

type jsonMessage struct {
	Number int `json:"number"`
}

func newHandler(reg *prometheus.Registry, hooks wsprobe.Hooks, logger *slog.Logger) http.Handler {
	opts := wsprobe.Options{
		Hooks:          metrics.NewCollectors(reg).Hooks(hooks),
		Logger:         logger,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   time.Second,
		MaxFrameSize:   1024 * 1024,
		MaxMessageSize: 1024 * 1024,
	}

	serve := func(handler wsprobe.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ws, err := wsprobe.Accept(w, r, wsprobe.ServerOptions{Options: opts, EnableCompression: true})
			if err != nil {
				logger.ErrorContext(r.Context(), "websocket handshake failed", "err", err)
				return
			}
			ws.Serve(r.Context(), handler)
		}
	}

	routes := http.NewServeMux()

	routes.Handle("/", serve(wsprobe.EchoHandler))

	// The client sends {"number": n} and the server responds with n+1 when
	// n is odd or n+2 when n is even.
	routes.Handle("/json", serve(func(_ context.Context, msg *wsprobe.Message) (*wsprobe.Message, error) {
		var m jsonMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return nil, err
		}
		m.Number = next(m.Number)
		payload, err := json.MarshalNoEscape(&m)
		if err != nil {
			return nil, err
		}
		return &wsprobe.Message{Payload: payload}, nil
	}))

	// Same as /json, with the number as a little endian uint32.
	routes.Handle("/binary", serve(func(_ context.Context, msg *wsprobe.Message) (*wsprobe.Message, error) {
		if len(msg.Payload) != 4 {
			return nil, fmt.Errorf("invalid payload length: %d", len(msg.Payload))
		}
		val := uint32(next(int(binary.LittleEndian.Uint32(msg.Payload))))
		return &wsprobe.Message{Binary: true, Payload: binary.LittleEndian.AppendUint32(nil, val)}, nil
	}))

	routes.Handle("/mux", &muxtest.Server{
		Slots:        16,
		SlotQuota:    1 << 16,
		DefaultQuota: 1 << 16,
		Options:      opts,
		Logger:       logger,
	})

	routes.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return routes
}

func next(n int) int {
	if n%2 == 0 {
		return n + 2
	}
	return n + 1
}

func newDebugHooks(ctx context.Context, logger *slog.Logger) wsprobe.Hooks {
	levelForErr := func(err error) slog.Level {
		if err != nil {
			return slog.LevelError
		}
		return slog.LevelDebug
	}
	return wsprobe.Hooks{
		OnClose: func(key wsprobe.ClientKey, code wsprobe.StatusCode, err error) {
			logger.Log(ctx, levelForErr(err), "OnClose", "client", key, "code", code, "err", err)
		},
		OnReadError: func(key wsprobe.ClientKey, err error) {
			logger.ErrorContext(ctx, "OnReadError", "client", key, "err", err)
		},
		OnReadMessage: func(key wsprobe.ClientKey, msg *wsprobe.Message) {
			logger.DebugContext(ctx, "OnReadMessage", "client", key, "msg", msg)
		},
		OnWriteError: func(key wsprobe.ClientKey, err error) {
			logger.ErrorContext(ctx, "OnWriteError", "client", key, "err", err)
		},
		OnWriteMessage: func(key wsprobe.ClientKey, msg *wsprobe.Message) {
			logger.DebugContext(ctx, "OnWriteMessage", "client", key, "msg", msg)
		},
	}
}

func getListenAddr() string {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return "127.0.0.1:8080"
}
