// Package muxtest provides a minimal server side of the websocket
// multiplexing extension, for exercising mux clients.
package muxtest

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/mux"
)

// Server is an http.Handler that accepts the mux extension, grants channel
// slots and quota on the default channel up front, answers
// AddChannelRequests and echoes every logical frame back on the channel it
// arrived on.
//
// Requests for logical channels whose resource is "/reject" are rejected.
type Server struct {
	// Slots and SlotQuota describe the initial NewChannelSlot grant.
	Slots     uint64
	SlotQuota uint64
	// DefaultQuota is granted on the default channel; zero grants none.
	DefaultQuota uint64

	// NoMux completes the handshake without accepting the mux extension.
	NoMux bool
	// NoGrant withholds the initial NewChannelSlot block.
	NoGrant bool
	// IgnoreQuota echoes frames even when the client granted too little
	// quota, which a conforming client treats as a violation.
	IgnoreQuota bool

	Options wsprobe.Options
	Logger  *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n, err := wsprobe.ValidateRequest(r, wsprobe.ServerOptions{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.NoMux {
		n.Extensions = append(n.Extensions, wsprobe.NewExtension(wsprobe.ExtensionMux))
	}
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := wsprobe.WriteHandshakeResponse(conn, n); err != nil {
		_ = conn.Close()
		return
	}
	ws := wsprobe.New(conn, n, wsprobe.ServerMode, s.Options)
	defer ws.CloseSocket()
	if s.NoMux {
		return
	}
	if err := s.serve(ws); err != nil {
		s.logger().Debug("muxtest: connection ended", "key", n.Key, "error", err)
	}
}

func (s *Server) serve(ws *wsprobe.Stream) error {
	var initial []mux.ControlBlock
	if !s.NoGrant {
		initial = append(initial, mux.ControlBlock{Opcode: mux.OpcodeNewChannelSlot, Slots: s.Slots, Quota: s.SlotQuota})
	}
	if s.DefaultQuota > 0 {
		initial = append(initial, mux.ControlBlock{Opcode: mux.OpcodeFlowControl, ChannelID: mux.DefaultChannelID, Quota: s.DefaultQuota})
	}
	if len(initial) > 0 {
		if err := sendControl(ws, initial...); err != nil {
			return err
		}
	}

	// quota the client has granted us, per channel
	quota := map[uint32]uint64{}
	for {
		msg, err := ws.ReceiveMessage()
		if err != nil {
			var cerr *wsprobe.CloseError
			if errors.As(err, &cerr) {
				_ = ws.SendClose(cerr.Code, cerr.Reason)
			}
			return err
		}
		id, n, err := mux.ReadChannelID(msg.Payload)
		if err != nil {
			return err
		}

		if id == mux.ControlChannelID {
			blocks, err := mux.ParseControlBlocks(msg.Payload[n:])
			if err != nil {
				return err
			}
			for _, b := range blocks {
				switch b.Opcode {
				case mux.OpcodeFlowControl:
					quota[b.ChannelID] += b.Quota
				case mux.OpcodeDropChannel:
					delete(quota, b.ChannelID)
				case mux.OpcodeAddChannelRequest:
					if err := sendControl(ws, addChannelResponse(b)); err != nil {
						return err
					}
				}
			}
			continue
		}

		frame, err := mux.ParseInnerFrame(msg.Payload[n:])
		if err != nil {
			return err
		}
		size := uint64(len(frame.Payload))
		if !s.IgnoreQuota {
			if quota[id] < size {
				s.logger().Debug("muxtest: dropping frame without quota", "channel", id, "size", size, "quota", quota[id])
				continue
			}
			quota[id] -= size
		}
		echo, err := mux.AppendChannelID(nil, id)
		if err != nil {
			return err
		}
		if err := ws.SendBinary(mux.AppendInnerFrame(echo, frame)); err != nil {
			return err
		}
	}
}

// addChannelResponse validates the opening handshake embedded in an
// AddChannelRequest and builds the matching response.
func addChannelResponse(b mux.ControlBlock) mux.ControlBlock {
	resp := mux.ControlBlock{Opcode: mux.OpcodeAddChannelResponse, ChannelID: b.ChannelID}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b.Handshake)))
	if err != nil || req.URL.Path == "/reject" {
		resp.Rejected = true
		return resp
	}
	n, err := wsprobe.ValidateRequest(req, wsprobe.ServerOptions{})
	if err != nil {
		resp.Rejected = true
		return resp
	}
	buf := &bytes.Buffer{}
	if err := wsprobe.WriteHandshakeResponse(buf, n); err != nil {
		resp.Rejected = true
		return resp
	}
	resp.Handshake = buf.Bytes()
	return resp
}

func sendControl(ws *wsprobe.Stream, blocks ...mux.ControlBlock) error {
	msg, err := mux.AppendChannelID(nil, mux.ControlChannelID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if msg, err = b.AppendBinary(msg); err != nil {
			return err
		}
	}
	return ws.SendBinary(msg)
}
