// Package wsprobe implements a websocket protocol test client: the opening
// handshake, frame and message level send/receive with byte-exact
// assertions, permessage-deflate, and a small echo server to run against.
package wsprobe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

// Default options.
const (
	DefaultMaxFrameSize   int = 1024 * 1024      // 1MiB
	DefaultMaxMessageSize int = 16 * 1024 * 1024 // 16MiB
	DefaultCloseTimeout       = 2 * time.Second
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options define the limits and observability of a Stream.
type Options struct {
	Hooks        Hooks
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CloseTimeout bounds the wait for the peer's close frame in Close.
	CloseTimeout   time.Duration
	MaxFrameSize   int
	MaxMessageSize int
	// Rand is the source of masking keys; defaults to crypto/rand.
	Rand io.Reader
}

// setDefaults sets the default values for any unset options.
func setDefaults(opts *Options) {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	setupHooks(&opts.Hooks)
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// fragmentState tracks an unfinished message in one direction. The zero
// value is idle; once a non-final data frame goes by it holds the opcode
// of the message being fragmented until the final frame.
type fragmentState struct {
	active     bool
	opcode     Opcode
	compressed bool
}

// FrameOptions adjust a single outgoing frame.
type FrameOptions struct {
	// More marks the frame as non-final; the next data frame continues the
	// same message.
	More bool
	// Unmasked sends a client frame without masking it, which a conforming
	// server rejects.
	Unmasked bool
	// RSV1, RSV2 and RSV3 force the reserved bits on.
	RSV1 bool
	RSV2 bool
	RSV3 bool
}

// Expectation describes the frame an Assert* call expects beyond its
// payload. The zero value expects a final, unfragmented frame whose RSV1
// bit is set only if permessage-deflate is in effect.
type Expectation struct {
	More         bool
	Continuation bool
	RSV1         *bool
	RSV2         *bool
	RSV3         *bool
}

// Stream is a websocket connection after a successful handshake. Sends may
// be called from multiple goroutines; receives must come from one.
type Stream struct {
	conn io.ReadWriteCloser
	mode Mode
	neg  *Negotiated

	// observability
	key    ClientKey
	hooks  Hooks
	logger *slog.Logger

	// write side, guarded by mu
	mu        sync.Mutex
	send      fragmentState
	out       Filter
	rand      io.Reader
	closeSent bool

	// read side
	recv          fragmentState
	in            Filter
	closeReceived bool

	closeOnce sync.Once
	closedCh  chan struct{}
	closeCode StatusCode

	// limits
	readTimeout    time.Duration
	writeTimeout   time.Duration
	closeTimeout   time.Duration
	maxFrameSize   int
	maxMessageSize int
}

// New is a low-level API that wraps a connection whose opening handshake
// has already completed. n carries the negotiated extensions and may be nil
// for a plain connection.
//
// Prefer the higher-level Dial() and Accept() APIs when possible.
func New(src io.ReadWriteCloser, n *Negotiated, mode Mode, opts Options) *Stream {
	setDefaults(&opts)
	if opts.ReadTimeout != 0 || opts.WriteTimeout != 0 {
		if _, ok := src.(deadliner); !ok {
			panic("ReadTimeout and WriteTimeout may only be used when input source supports setting read/write deadlines")
		}
	}
	if n == nil {
		n = &Negotiated{}
	}
	ws := &Stream{
		conn:           src,
		mode:           mode,
		neg:            n,
		key:            n.Key,
		hooks:          opts.Hooks,
		logger:         opts.Logger.With("key", n.Key, "mode", mode),
		rand:           opts.Rand,
		closedCh:       make(chan struct{}),
		readTimeout:    opts.ReadTimeout,
		writeTimeout:   opts.WriteTimeout,
		closeTimeout:   opts.CloseTimeout,
		maxFrameSize:   opts.MaxFrameSize,
		maxMessageSize: opts.MaxMessageSize,
	}
	if n.deflate != nil {
		ws.out, ws.in = n.deflate.filters(mode, n.deflateLevel, opts.MaxMessageSize)
	}
	ws.hooks.OnHandshake(ws.key, n)
	return ws
}

// Negotiated returns the outcome of the opening handshake.
func (ws *Stream) Negotiated() *Negotiated {
	return ws.neg
}

// ClientKey returns the client key for a connection.
func (ws *Stream) ClientKey() ClientKey {
	return ws.key
}

// SendData sends one data or control frame. Data frames follow the
// fragmentation state: while a message is unfinished every data frame goes
// out as a continuation, and a frame without opts.More finishes the
// message. When permessage-deflate is in effect data payloads are
// compressed and the first frame of each message carries RSV1.
func (ws *Stream) SendData(p []byte, opcode Opcode, opts FrameOptions) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	frame := &Frame{
		Fin:    !opts.More,
		RSV1:   opts.RSV1,
		RSV2:   opts.RSV2,
		RSV3:   opts.RSV3,
		Opcode: opcode,
	}
	if !opcode.IsControl() {
		first := !ws.send.active
		if !first {
			frame.Opcode = OpcodeContinuation
		}
		if ws.out != nil {
			filtered, err := ws.out.Filter(p, frame.Fin)
			if err != nil {
				return err
			}
			p = filtered
			frame.RSV1 = frame.RSV1 || first
		}
		switch {
		case frame.Fin:
			ws.send = fragmentState{}
		case first:
			ws.send = fragmentState{active: true, opcode: opcode}
		}
	}
	frame.Payload = p

	key := Unmasked
	if ws.mode == ClientMode && !opts.Unmasked {
		var err error
		if key, err = NewMaskingKey(ws.rand); err != nil {
			return err
		}
	}
	return ws.writeFrame(frame, key)
}

// writeFrame must be called with mu held.
func (ws *Stream) writeFrame(frame *Frame, key MaskingKey) error {
	ws.resetWriteDeadline()
	if err := WriteFrame(ws.conn, key, frame); err != nil {
		ws.hooks.OnWriteError(ws.key, err)
		return fmt.Errorf("websocket: write %v frame: %w", frame.Opcode, err)
	}
	ws.hooks.OnWriteFrame(ws.key, frame)
	return nil
}

func firstOption(opts []FrameOptions) FrameOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return FrameOptions{}
}

// SendText sends a text frame.
func (ws *Stream) SendText(text string, opts ...FrameOptions) error {
	return ws.SendData([]byte(text), OpcodeText, firstOption(opts))
}

// SendBinary sends a binary frame.
func (ws *Stream) SendBinary(p []byte, opts ...FrameOptions) error {
	return ws.SendData(p, OpcodeBinary, firstOption(opts))
}

// SendPing sends a ping frame.
func (ws *Stream) SendPing(payload []byte) error {
	return ws.SendData(payload, OpcodePing, FrameOptions{})
}

// SendPong sends a pong frame.
func (ws *Stream) SendPong(payload []byte) error {
	return ws.SendData(payload, OpcodePong, FrameOptions{})
}

// SendClose sends a close frame whose body is code and reason, or an empty
// body when code is zero. The values are not validated, so invalid codes can
// be sent deliberately.
func (ws *Stream) SendClose(code StatusCode, reason string) error {
	if err := ws.SendData(CloseFramePayload(code, reason), OpcodeClose, FrameOptions{}); err != nil {
		return err
	}
	ws.mu.Lock()
	ws.closeSent = true
	ws.closeCode = code
	ws.mu.Unlock()
	return nil
}

// SendRaw writes p to the connection verbatim, for injecting malformed
// frames.
func (ws *Stream) SendRaw(p []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.resetWriteDeadline()
	if _, err := ws.conn.Write(p); err != nil {
		ws.hooks.OnWriteError(ws.key, err)
		return fmt.Errorf("websocket: write raw bytes: %w", err)
	}
	return nil
}

// WriteMessage sends msg, split into frames no larger than the maximum
// frame size.
func (ws *Stream) WriteMessage(msg *Message) error {
	opcode := OpcodeText
	if msg.Binary {
		opcode = OpcodeBinary
	}
	ws.hooks.OnWriteMessage(ws.key, msg)
	payload := msg.Payload
	for {
		n := min(len(payload), ws.maxFrameSize)
		more := n < len(payload)
		if err := ws.SendData(payload[:n], opcode, FrameOptions{More: more}); err != nil {
			return err
		}
		if !more {
			return nil
		}
		payload = payload[n:]
	}
}

// ReceiveFrame reads a single frame. Structural violations (masking, bad
// lengths, fragmented or oversized control frames, bad close bodies and
// fragmentation order) fail with a *ProtocolError. RSV bits are reported
// as received. The payload of a compressed message is decompressed: it is
// delivered whole with the final frame, and earlier fragments have empty
// payloads.
func (ws *Stream) ReceiveFrame() (*Frame, error) {
	ws.resetReadDeadline()
	frame, err := ReadFrame(ws.conn, ws.mode, ws.maxFrameSize)
	if err != nil {
		return nil, ws.readError(err)
	}
	if err := validateFrame(frame); err != nil {
		return nil, ws.readError(err)
	}
	ws.hooks.OnReadFrame(ws.key, frame)

	if frame.Opcode.IsControl() {
		if frame.Opcode == OpcodeClose {
			ws.closeReceived = true
		}
		return frame, nil
	}

	if frame.Opcode == OpcodeContinuation {
		if !ws.recv.active {
			return nil, ws.readError(ErrContinuationUnexpected)
		}
	} else {
		if ws.recv.active {
			return nil, ws.readError(ErrContinuationExpected)
		}
		ws.recv = fragmentState{active: true, opcode: frame.Opcode, compressed: frame.RSV1 && ws.in != nil}
	}
	if ws.recv.compressed {
		payload, err := ws.in.Filter(frame.Payload, frame.Fin)
		if err != nil {
			return nil, ws.readError(err)
		}
		frame.Payload = payload
	}
	if frame.Fin {
		ws.recv = fragmentState{}
	}
	return frame, nil
}

func (ws *Stream) readError(err error) error {
	ws.hooks.OnReadError(ws.key, err)
	ws.logger.Debug("websocket: read error", "error", err)
	return err
}

// AssertReceiveText reads one frame and checks that it is a text frame
// carrying exactly text.
func (ws *Stream) AssertReceiveText(text string, exp ...Expectation) error {
	frame, err := ws.assertReceiveData(OpcodeText, exp)
	if err != nil {
		return err
	}
	if string(frame.Payload) != text {
		return &AssertionError{Field: "payload", Expected: fmt.Sprintf("%q", text), Actual: fmt.Sprintf("%q", frame.Payload)}
	}
	return nil
}

// AssertReceiveBinary reads one frame and checks that it is a binary frame
// carrying exactly p.
func (ws *Stream) AssertReceiveBinary(p []byte, exp ...Expectation) error {
	frame, err := ws.assertReceiveData(OpcodeBinary, exp)
	if err != nil {
		return err
	}
	if !bytes.Equal(frame.Payload, p) {
		return &AssertionError{Field: "payload", Expected: fmt.Sprintf("% x", p), Actual: fmt.Sprintf("% x", frame.Payload)}
	}
	return nil
}

func (ws *Stream) assertReceiveData(opcode Opcode, exps []Expectation) (*Frame, error) {
	var exp Expectation
	if len(exps) > 0 {
		exp = exps[0]
	}
	frame, err := ws.ReceiveFrame()
	if err != nil {
		return nil, err
	}
	if exp.Continuation {
		opcode = OpcodeContinuation
	}
	if frame.Opcode != opcode {
		return nil, &AssertionError{Field: "opcode", Expected: opcode, Actual: frame.Opcode}
	}
	if frame.Fin != !exp.More {
		return nil, &AssertionError{Field: "fin", Expected: !exp.More, Actual: frame.Fin}
	}
	rsv1 := ws.in != nil && !exp.Continuation
	for _, bit := range []struct {
		name     string
		want     bool
		override *bool
		got      bool
	}{
		{"rsv1", rsv1, exp.RSV1, frame.RSV1},
		{"rsv2", false, exp.RSV2, frame.RSV2},
		{"rsv3", false, exp.RSV3, frame.RSV3},
	} {
		want := bit.want
		if bit.override != nil {
			want = *bit.override
		}
		if bit.got != want {
			return nil, &AssertionError{Field: bit.name, Expected: want, Actual: bit.got}
		}
	}
	return frame, nil
}

// AssertReceivePong reads one frame and checks that it is a pong carrying
// payload.
func (ws *Stream) AssertReceivePong(payload []byte) error {
	frame, err := ws.ReceiveFrame()
	if err != nil {
		return err
	}
	if frame.Opcode != OpcodePong {
		return &AssertionError{Field: "opcode", Expected: OpcodePong, Actual: frame.Opcode}
	}
	if !bytes.Equal(frame.Payload, payload) {
		return &AssertionError{Field: "pong payload", Expected: fmt.Sprintf("% x", payload), Actual: fmt.Sprintf("% x", frame.Payload)}
	}
	return nil
}

// AssertReceiveClose checks that the next frame is a close frame with the
// given code and reason. In client mode the wire bytes are compared with
// the exact encoding of the expected unmasked frame.
func (ws *Stream) AssertReceiveClose(code StatusCode, reason string) error {
	if ws.mode == ServerMode {
		frame, err := ws.ReceiveFrame()
		if err != nil {
			return err
		}
		want := CloseFramePayload(code, reason)
		if frame.Opcode != OpcodeClose || !bytes.Equal(frame.Payload, want) {
			return &AssertionError{Field: "close frame", Expected: fmt.Sprintf("%v % x", OpcodeClose, want), Actual: fmt.Sprintf("%v % x", frame.Opcode, frame.Payload)}
		}
		return nil
	}

	want, err := EncodeFrame(nil, NewCloseFrame(code, reason), Unmasked)
	if err != nil {
		return err
	}
	ws.resetReadDeadline()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(ws.conn, got); err != nil {
		return ws.readError(fmt.Errorf("websocket: reading close frame: %w", err))
	}
	ws.closeReceived = true
	if !bytes.Equal(got, want) {
		return &AssertionError{Field: "close frame", Expected: fmt.Sprintf("% x", want), Actual: fmt.Sprintf("% x", got)}
	}
	return nil
}

// ReceiveMessage reads a complete message, reassembling fragments. Pings
// are answered and pongs skipped. A close frame ends the read with a
// *CloseError. RSV bits not covered by a negotiated extension fail with
// ErrRSVBitsUnexpected, and text messages must be valid UTF-8.
func (ws *Stream) ReceiveMessage() (*Message, error) {
	var msg *Message
	for {
		frame, err := ws.ReceiveFrame()
		if err != nil {
			return nil, err
		}
		if frame.RSV2 || frame.RSV3 || (frame.RSV1 && (ws.in == nil || frame.Opcode.IsControl() || frame.Opcode == OpcodeContinuation)) {
			return nil, ws.readError(ErrRSVBitsUnexpected)
		}

		switch frame.Opcode {
		case OpcodeBinary, OpcodeText:
			msg = &Message{
				Binary:  frame.Opcode == OpcodeBinary,
				Payload: frame.Payload,
			}
		case OpcodeContinuation:
			if msg == nil {
				// the message was started by an earlier ReceiveFrame call
				return nil, ws.readError(ErrContinuationUnexpected)
			}
			msg.Payload = append(msg.Payload, frame.Payload...)
		case OpcodeClose:
			code, reason, _ := ParseCloseFramePayload(frame.Payload)
			return nil, &CloseError{Code: code, Reason: reason}
		case OpcodePing:
			if err := ws.SendPong(frame.Payload); err != nil {
				return nil, err
			}
			continue
		case OpcodePong:
			continue
		}

		if len(msg.Payload) > ws.maxMessageSize {
			return nil, ws.readError(ErrMessageTooLarge)
		}
		if frame.Fin {
			if !msg.Binary && !utf8.Valid(msg.Payload) {
				return nil, ws.readError(ErrEncodingInvalid)
			}
			ws.hooks.OnReadMessage(ws.key, msg)
			return msg, nil
		}
	}
}

// Close runs the closing handshake: it sends a normal closure frame unless
// a close frame was already sent, waits up to the close timeout for the
// peer's close frame unless one was already received, then closes the
// socket.
func (ws *Stream) Close() error {
	ws.mu.Lock()
	closeSent := ws.closeSent
	ws.mu.Unlock()

	var errs []error
	if !closeSent {
		if err := ws.SendClose(StatusNormalClosure, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 && !ws.closeReceived {
		if err := ws.awaitClose(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ws.CloseSocket(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (ws *Stream) awaitClose() error {
	if d, ok := ws.conn.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(ws.closeTimeout))
	}
	for !ws.closeReceived {
		if _, err := ws.ReceiveFrame(); err != nil {
			return fmt.Errorf("websocket: awaiting close frame: %w", err)
		}
	}
	return nil
}

// CloseSocket closes the underlying connection without a closing
// handshake. It is safe to call more than once.
func (ws *Stream) CloseSocket() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closedCh)
		ws.mu.Lock()
		code := ws.closeCode
		ws.mu.Unlock()
		ws.hooks.OnClose(ws.key, code, nil)
		if cerr := ws.conn.Close(); cerr != nil {
			err = fmt.Errorf("websocket: failed to close connection: %w", cerr)
		}
	})
	return err
}

// Done is closed once the socket has been closed.
func (ws *Stream) Done() <-chan struct{} {
	return ws.closedCh
}

func (ws *Stream) resetReadDeadline() {
	if ws.readTimeout <= 0 {
		return
	}
	if err := ws.conn.(deadliner).SetReadDeadline(time.Now().Add(ws.readTimeout)); err != nil {
		panic(fmt.Sprintf("websocket: failed to set read deadline: %s", err))
	}
}

func (ws *Stream) resetWriteDeadline() {
	if ws.writeTimeout <= 0 {
		return
	}
	if err := ws.conn.(deadliner).SetWriteDeadline(time.Now().Add(ws.writeTimeout)); err != nil {
		panic(fmt.Sprintf("websocket: failed to set write deadline: %s", err))
	}
}
