// Package mux implements the client side of the websocket multiplexing
// extension: logical channels carried over one physical connection, each
// with its own quota based flow control.
package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/mccutchen/wsprobe"
)

// Channel ids with a fixed meaning.
const (
	ControlChannelID uint32 = 0
	DefaultChannelID uint32 = 1
)

// DefaultTimeout bounds every wait for the server.
const DefaultTimeout = 2 * time.Second

// maxChannelSlots caps a single NewChannelSlot grant.
const maxChannelSlots = 1 << 16

var (
	ErrTimeout               = errors.New("mux: timed out waiting for server")
	ErrClosed                = errors.New("mux: connection closed")
	ErrNoChannelSlots        = errors.New("mux: no channel slot available")
	ErrSendQuotaExceeded     = errors.New("mux: send quota exceeded")
	ErrChannelRejected       = errors.New("mux: channel rejected")
	ErrChannelNotEstablished = errors.New("mux: channel not established")
)

func violationf(format string, args ...any) error {
	return &wsprobe.ProtocolError{Msg: "mux: " + fmt.Sprintf(format, args...)}
}

// Options configures a mux Client.
type Options struct {
	// Dial configures the physical connection. The mux extension is
	// offered in addition to any extensions listed there.
	Dial wsprobe.DialOptions
	// Timeout bounds every wait for the server; defaults to
	// DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Client multiplexes logical channels over one physical Stream. A single
// reader goroutine owns the receive side of the Stream and dispatches
// control blocks and logical frames; callers block on the two monitors
// with bounded waits.
type Client struct {
	ws      *wsprobe.Stream
	timeout time.Duration
	logger  *slog.Logger

	// handshake defaults for logical channels
	handshake wsprobe.HandshakeOptions

	// control guards the channel slot pool
	control    *monitor
	slots      *queue.Queue // of uint64 send quotas
	slotGrants int

	// channels guards every logical channel
	channels *monitor
	logical  map[uint32]*logicalChannel

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// Connect dials the physical connection with the mux extension and waits
// for the server to grant channel slots and send quota on the default
// channel.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	dial := opts.Dial
	dial.Handshake.Extensions = append(dial.Handshake.Extensions[:len(dial.Handshake.Extensions):len(dial.Handshake.Extensions)], wsprobe.NewExtension(wsprobe.ExtensionMux))
	ws, err := wsprobe.Dial(ctx, dial)
	if err != nil {
		return nil, err
	}
	return NewClient(ws, dial.Handshake, opts)
}

// NewClient starts multiplexing over an established Stream whose handshake
// accepted the mux extension. hs supplies the defaults for the handshakes
// of logical channels. It waits for the server's initial NewChannelSlot
// grant and for send quota on the default channel.
func NewClient(ws *wsprobe.Stream, hs wsprobe.HandshakeOptions, opts Options) (*Client, error) {
	opts.setDefaults()
	if _, ok := ws.Negotiated().Extension(wsprobe.ExtensionMux); !ok {
		_ = ws.CloseSocket()
		return nil, &wsprobe.HandshakeError{Msg: "server did not accept the mux extension"}
	}
	c := newClient(ws, hs, opts)
	go c.readLoop()

	err := c.control.await(c.timeout, c.done, func() (bool, error) {
		return c.slotGrants > 0, nil
	})
	if err == nil {
		err = c.channels.await(c.timeout, c.done, func() (bool, error) {
			return c.logical[DefaultChannelID].sendQuota > 0, nil
		})
	}
	if err != nil {
		_ = ws.CloseSocket()
		return nil, fmt.Errorf("mux: connect: %w", c.waitError(err))
	}
	c.logger.Debug("mux: connected", "slots", c.slotCount())
	return c, nil
}

func newClient(ws *wsprobe.Stream, hs wsprobe.HandshakeOptions, opts Options) *Client {
	opts.setDefaults()
	hs.Deflate = nil
	hs.Extensions = nil
	c := &Client{
		ws:        ws,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		handshake: hs,
		control:   newMonitor(),
		slots:     queue.New(),
		channels:  newMonitor(),
		logical:   map[uint32]*logicalChannel{},
		done:      make(chan struct{}),
	}
	c.logical[DefaultChannelID] = newLogicalChannel(DefaultChannelID, stateEstablished)
	return c
}

// Err returns the error that ended the reader, if it has ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done is closed once the reader has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) fail(err error) {
	c.errOnce.Do(func() { c.err = err })
}

// waitError attaches the reader's error to ErrClosed.
func (c *Client) waitError(err error) error {
	if rerr := c.Err(); errors.Is(err, ErrClosed) && rerr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, rerr)
	}
	return err
}

func (c *Client) slotCount() int {
	c.control.mu.Lock()
	defer c.control.mu.Unlock()
	return c.slots.Length()
}

// AddChannel opens logical channel id. It takes one slot from the pool,
// sends an AddChannelRequest with a complete opening handshake built from
// hs layered over the physical connection's handshake options, and waits
// for the server's response.
func (c *Client) AddChannel(id uint32, hs wsprobe.HandshakeOptions) error {
	if id == ControlChannelID || id > MaxChannelID {
		return fmt.Errorf("mux: invalid channel id %d", id)
	}
	if err := c.Err(); err != nil {
		return c.waitError(ErrClosed)
	}

	c.channels.mu.Lock()
	_, exists := c.logical[id]
	c.channels.mu.Unlock()
	if exists {
		return fmt.Errorf("mux: channel %d already added", id)
	}

	c.control.mu.Lock()
	if c.slots.Length() == 0 {
		c.control.mu.Unlock()
		return ErrNoChannelSlots
	}
	quota := c.slots.Remove().(uint64)
	c.control.mu.Unlock()

	if err := c.requestChannel(id, quota, hs); err != nil {
		c.abandonChannel(id, quota)
		return err
	}
	return nil
}

// abandonChannel forgets a channel whose AddChannel failed and returns its
// slot to the pool. A response arriving later is for an unknown channel.
func (c *Client) abandonChannel(id uint32, quota uint64) {
	c.channels.mu.Lock()
	delete(c.logical, id)
	c.channels.broadcast()
	c.channels.mu.Unlock()

	c.control.mu.Lock()
	c.slots.Add(quota)
	c.control.broadcast()
	c.control.mu.Unlock()
}

func (c *Client) requestChannel(id uint32, quota uint64, hs wsprobe.HandshakeOptions) error {
	opts := c.channelHandshake(hs)
	key, err := wsprobe.NewClientKey(opts.Rand)
	if err != nil {
		return err
	}
	ch := newLogicalChannel(id, stateRequested)
	ch.key = key
	ch.slotQuota = quota
	c.channels.mu.Lock()
	c.logical[id] = ch
	c.channels.mu.Unlock()

	block := ControlBlock{
		Opcode:    OpcodeAddChannelRequest,
		ChannelID: id,
		Encoding:  EncodingIdentity,
		Handshake: []byte(opts.Request(key)),
	}
	if err := c.sendControl(block); err != nil {
		return err
	}
	c.logger.Debug("mux: channel requested", "channel", id, "slot_quota", quota)

	err = c.channels.await(c.timeout, c.done, func() (bool, error) {
		switch ch.state {
		case stateRequested:
			return false, nil
		case stateEstablished:
			return true, nil
		case stateRejected:
			return false, ch.err
		default:
			return false, fmt.Errorf("mux: channel %d dropped while being added", id)
		}
	})
	if err != nil {
		return fmt.Errorf("mux: add channel %d: %w", id, c.waitError(err))
	}
	return nil
}

func (c *Client) channelHandshake(hs wsprobe.HandshakeOptions) wsprobe.HandshakeOptions {
	opts := c.handshake
	if hs.Host != "" {
		opts.Host, opts.Port, opts.Secure = hs.Host, hs.Port, hs.Secure
	}
	if hs.Resource != "" {
		opts.Resource = hs.Resource
	}
	if hs.Origin != "" {
		opts.Origin = hs.Origin
	}
	if len(hs.Protocols) > 0 {
		opts.Protocols = hs.Protocols
	}
	if hs.Rand != nil {
		opts.Rand = hs.Rand
	}
	opts.Header = append(opts.Header[:len(opts.Header):len(opts.Header)], hs.Header...)
	return opts
}

// SendFlowControl grants the server quota more bytes on channel id.
func (c *Client) SendFlowControl(id uint32, quota uint64) error {
	c.channels.mu.Lock()
	ch, ok := c.logical[id]
	established := ok && ch.state == stateEstablished
	if established {
		ch.receiveQuota += quota
	}
	c.channels.mu.Unlock()
	if !established {
		return fmt.Errorf("%w: channel %d", ErrChannelNotEstablished, id)
	}
	return c.sendControl(ControlBlock{Opcode: OpcodeFlowControl, ChannelID: id, Quota: quota})
}

// DropChannel closes channel id with an optional status code and reason.
func (c *Client) DropChannel(id uint32, code wsprobe.StatusCode, reason string) error {
	c.channels.mu.Lock()
	ch, ok := c.logical[id]
	if ok {
		ch.state = stateClosed
		c.channels.broadcast()
	}
	c.channels.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrChannelNotEstablished, id)
	}
	return c.sendControl(ControlBlock{Opcode: OpcodeDropChannel, ChannelID: id, Code: code, Reason: reason})
}

// SendMessage sends one logical frame on channel id. It waits up to the
// timeout for enough send quota to cover the payload.
func (c *Client) SendMessage(id uint32, opcode wsprobe.Opcode, payload []byte, fin bool) error {
	size := uint64(len(payload))
	err := c.channels.await(c.timeout, c.done, func() (bool, error) {
		ch, ok := c.logical[id]
		if !ok || ch.state != stateEstablished {
			return false, fmt.Errorf("%w: channel %d", ErrChannelNotEstablished, id)
		}
		if ch.sendQuota < size {
			return false, nil
		}
		ch.sendQuota -= size
		return true, nil
	})
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %d bytes on channel %d", ErrSendQuotaExceeded, size, id)
	}
	if err != nil {
		return c.waitError(err)
	}

	frame := wsprobe.NewFrame(opcode, fin, payload)
	msg, err := AppendChannelID(nil, id)
	if err != nil {
		return err
	}
	return c.ws.SendBinary(AppendInnerFrame(msg, frame))
}

// SendText sends a complete text message on channel id.
func (c *Client) SendText(id uint32, text string) error {
	return c.SendMessage(id, wsprobe.OpcodeText, []byte(text), true)
}

// SendBinary sends a complete binary message on channel id.
func (c *Client) SendBinary(id uint32, p []byte) error {
	return c.SendMessage(id, wsprobe.OpcodeBinary, p, true)
}

// Receive waits up to the timeout for the next logical frame on channel id.
func (c *Client) Receive(id uint32) (*wsprobe.Frame, error) {
	var frame *wsprobe.Frame
	err := c.channels.await(c.timeout, c.done, func() (bool, error) {
		ch, ok := c.logical[id]
		if !ok {
			return false, fmt.Errorf("%w: channel %d", ErrChannelNotEstablished, id)
		}
		if ch.inbound.Length() > 0 {
			frame = ch.inbound.Remove().(*wsprobe.Frame)
			return true, nil
		}
		switch ch.state {
		case stateEstablished:
			return false, nil
		case stateClosed:
			return false, fmt.Errorf("mux: channel %d dropped: code=%d reason=%q", id, ch.dropCode, ch.dropReason)
		default:
			return false, fmt.Errorf("%w: channel %d is %v", ErrChannelNotEstablished, id, ch.state)
		}
	})
	if err != nil {
		return nil, c.waitError(err)
	}
	return frame, nil
}

// AssertReceiveText checks that the next frame on channel id is a final
// text frame carrying exactly text.
func (c *Client) AssertReceiveText(id uint32, text string) error {
	return c.assertReceive(id, wsprobe.OpcodeText, []byte(text))
}

// AssertReceiveBinary checks that the next frame on channel id is a final
// binary frame carrying exactly p.
func (c *Client) AssertReceiveBinary(id uint32, p []byte) error {
	return c.assertReceive(id, wsprobe.OpcodeBinary, p)
}

func (c *Client) assertReceive(id uint32, opcode wsprobe.Opcode, want []byte) error {
	frame, err := c.Receive(id)
	if err != nil {
		return err
	}
	if frame.Opcode != opcode {
		return &wsprobe.AssertionError{Field: fmt.Sprintf("opcode on channel %d", id), Expected: opcode, Actual: frame.Opcode}
	}
	if !frame.Fin {
		return &wsprobe.AssertionError{Field: fmt.Sprintf("fin on channel %d", id), Expected: true, Actual: false}
	}
	if !bytes.Equal(frame.Payload, want) {
		return &wsprobe.AssertionError{Field: fmt.Sprintf("payload on channel %d", id), Expected: fmt.Sprintf("%q", want), Actual: fmt.Sprintf("%q", frame.Payload)}
	}
	return nil
}

// Close sends a close frame on the physical connection, waits up to the
// timeout for the reader to see the server's reply, then closes the
// socket.
func (c *Client) Close() error {
	var errs []error
	if c.Err() == nil {
		if err := c.ws.SendClose(wsprobe.StatusNormalClosure, ""); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-c.done:
		case <-time.After(c.timeout):
		}
	}
	if err := c.ws.CloseSocket(); err != nil {
		errs = append(errs, err)
	}
	<-c.done
	return errors.Join(errs...)
}

func (c *Client) sendControl(blocks ...ControlBlock) error {
	msg, err := AppendChannelID(nil, ControlChannelID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if msg, err = b.AppendBinary(msg); err != nil {
			return err
		}
	}
	return c.ws.SendBinary(msg)
}

// readLoop owns the receive side of the physical Stream. Any error, or a
// close frame from the server, ends it and closes the socket.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.ws.ReceiveMessage()
		if err == nil {
			if !msg.Binary {
				err = violationf("physical connection carried a text message")
			} else {
				err = c.dispatch(msg.Payload)
			}
		}
		if err != nil {
			c.logger.Debug("mux: reader stopped", "error", err)
			c.fail(err)
			_ = c.ws.CloseSocket()
			return
		}
	}
}

// dispatch handles the payload of one physical message: control blocks on
// the control channel, otherwise a logical frame for the addressed
// channel.
func (c *Client) dispatch(payload []byte) error {
	id, n, err := ReadChannelID(payload)
	if err != nil {
		return err
	}
	if id == ControlChannelID {
		blocks, err := ParseControlBlocks(payload[n:])
		if err != nil {
			return err
		}
		for _, b := range blocks {
			c.logger.Debug("mux: control block received", "block", b.String())
			if err := c.handleControl(b); err != nil {
				return err
			}
		}
		return nil
	}

	frame, err := ParseInnerFrame(payload[n:])
	if err != nil {
		return err
	}
	return c.deliver(id, frame)
}

func (c *Client) deliver(id uint32, frame *wsprobe.Frame) error {
	c.channels.mu.Lock()
	defer c.channels.mu.Unlock()
	ch, ok := c.logical[id]
	if !ok || ch.state != stateEstablished {
		return violationf("frame received on channel %d which is not established", id)
	}
	size := uint64(len(frame.Payload))
	if size > ch.receiveQuota {
		return violationf("receive quota violation on channel %d: %d bytes with quota %d", id, size, ch.receiveQuota)
	}
	ch.receiveQuota -= size
	ch.inbound.Add(frame)
	if frame.Opcode == wsprobe.OpcodeClose {
		ch.state = stateClosed
		ch.dropCode, ch.dropReason, _ = wsprobe.ParseCloseFramePayload(frame.Payload)
	}
	c.channels.broadcast()
	return nil
}

func (c *Client) handleControl(b ControlBlock) error {
	switch b.Opcode {
	case OpcodeNewChannelSlot:
		if b.Slots > maxChannelSlots {
			return violationf("NewChannelSlot grants %d slots, more than %d", b.Slots, maxChannelSlots)
		}
		c.control.mu.Lock()
		defer c.control.mu.Unlock()
		for range b.Slots {
			c.slots.Add(b.Quota)
		}
		c.slotGrants++
		c.control.broadcast()
		return nil
	case OpcodeAddChannelRequest:
		return violationf("server sent AddChannelRequest for channel %d", b.ChannelID)
	}

	c.channels.mu.Lock()
	defer c.channels.mu.Unlock()
	ch, ok := c.logical[b.ChannelID]
	if !ok {
		return violationf("%v for unknown channel %d", b.Opcode, b.ChannelID)
	}
	switch b.Opcode {
	case OpcodeAddChannelResponse:
		if ch.state != stateRequested {
			return violationf("AddChannelResponse for channel %d which is %v", b.ChannelID, ch.state)
		}
		if err := checkChannelResponse(b, ch.key); err != nil {
			ch.state = stateRejected
			ch.err = err
		} else {
			if ch.slotQuota > maxNumber-ch.sendQuota {
				return violationf("slot quota overflows send quota of channel %d", b.ChannelID)
			}
			ch.state = stateEstablished
			ch.sendQuota += ch.slotQuota
		}
	case OpcodeFlowControl:
		if b.Quota > maxNumber-ch.sendQuota {
			return violationf("FlowControl overflows send quota of channel %d", b.ChannelID)
		}
		ch.sendQuota += b.Quota
	case OpcodeDropChannel:
		ch.state = stateClosed
		ch.dropCode, ch.dropReason = b.Code, b.Reason
	}
	c.channels.broadcast()
	return nil
}

// checkChannelResponse validates the handshake embedded in an accepted
// AddChannelResponse.
func checkChannelResponse(b ControlBlock, key wsprobe.ClientKey) error {
	if b.Rejected {
		return fmt.Errorf("%w: channel %d", ErrChannelRejected, b.ChannelID)
	}
	if b.Encoding != EncodingIdentity {
		return fmt.Errorf("%w: channel %d uses unsupported handshake encoding %d", ErrChannelRejected, b.ChannelID, b.Encoding)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b.Handshake)), nil)
	if err != nil {
		return fmt.Errorf("%w: channel %d: malformed handshake response: %w", ErrChannelRejected, b.ChannelID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: channel %d: %w", ErrChannelRejected, b.ChannelID, &wsprobe.StatusError{Code: resp.StatusCode})
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), wsprobe.AcceptKey(string(key)); got != want {
		return fmt.Errorf("%w: channel %d: invalid Sec-WebSocket-Accept: %q (expected) vs %q (actual)", ErrChannelRejected, b.ChannelID, want, got)
	}
	return nil
}
