package mux

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/internal/testing/assert"
)

type bufferConn struct {
	bytes.Buffer
}

func (c *bufferConn) Close() error { return nil }

func newTestClient(t *testing.T) (*Client, *bufferConn) {
	t.Helper()
	conn := &bufferConn{}
	ws := wsprobe.New(conn, nil, wsprobe.ClientMode, wsprobe.Options{})
	return newClient(ws, wsprobe.HandshakeOptions{Host: "example.com"}, Options{Timeout: 50 * time.Millisecond}), conn
}

func logicalMessage(t *testing.T, id uint32, frame *wsprobe.Frame) []byte {
	t.Helper()
	msg, err := AppendChannelID(nil, id)
	assert.NilError(t, err)
	return AppendInnerFrame(msg, frame)
}

func TestReceiveQuota(t *testing.T) {
	t.Parallel()

	t.Run("frame without quota is a violation", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(logicalMessage(t, DefaultChannelID, wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("x"))))
		assert.Error(t, err, "receive quota violation on channel 1")
		assert.ErrorAs[*wsprobe.ProtocolError](t, err)
		assert.Equal(t, c.logical[DefaultChannelID].inbound.Length(), 0, "violating frame must not be queued")
	})

	t.Run("quota is consumed by payload bytes", func(t *testing.T) {
		t.Parallel()
		c, conn := newTestClient(t)
		assert.NilError(t, c.SendFlowControl(DefaultChannelID, 5))
		assert.True(t, conn.Len() > 0, "expected FlowControl to be written")

		assert.NilError(t, c.dispatch(logicalMessage(t, DefaultChannelID, wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("abc")))))
		assert.NilError(t, c.dispatch(logicalMessage(t, DefaultChannelID, wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("de")))))
		assert.Equal(t, c.logical[DefaultChannelID].receiveQuota, uint64(0))
		assert.Equal(t, c.logical[DefaultChannelID].inbound.Length(), 2)

		err := c.dispatch(logicalMessage(t, DefaultChannelID, wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("f"))))
		assert.Error(t, err, "receive quota violation")

		frame, err := c.Receive(DefaultChannelID)
		assert.NilError(t, err)
		assert.Equal(t, string(frame.Payload), "abc")
		assert.NilError(t, c.AssertReceiveText(DefaultChannelID, "de"))
	})

	t.Run("empty frames need no quota", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		assert.NilError(t, c.dispatch(logicalMessage(t, DefaultChannelID, wsprobe.NewFrame(wsprobe.OpcodeText, true, nil))))
		assert.NilError(t, c.AssertReceiveText(DefaultChannelID, ""))
	})

	t.Run("frame on unknown channel", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(logicalMessage(t, 7, wsprobe.NewFrame(wsprobe.OpcodeText, true, nil)))
		assert.Error(t, err, "channel 7 which is not established")
	})
}

func TestHandleControl(t *testing.T) {
	t.Parallel()

	control := func(blocks ...ControlBlock) []byte {
		msg := []byte{byte(ControlChannelID)}
		for _, b := range blocks {
			var err error
			msg, err = b.AppendBinary(msg)
			assert.NilError(t, err)
		}
		return msg
	}

	t.Run("NewChannelSlot fills the slot pool", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		assert.NilError(t, c.dispatch(control(
			ControlBlock{Opcode: OpcodeNewChannelSlot, Slots: 2, Quota: 1024},
			ControlBlock{Opcode: OpcodeNewChannelSlot, Slots: 1, Quota: 10},
		)))
		assert.Equal(t, c.slotCount(), 3)
		assert.Equal(t, c.slotGrants, 2)
		assert.Equal(t, c.slots.Peek().(uint64), uint64(1024), "slots are used in grant order")
	})

	t.Run("too many slots", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(control(ControlBlock{Opcode: OpcodeNewChannelSlot, Slots: maxChannelSlots + 1}))
		assert.Error(t, err, "more than")
	})

	t.Run("FlowControl grows send quota", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		assert.NilError(t, c.dispatch(control(
			ControlBlock{Opcode: OpcodeFlowControl, ChannelID: DefaultChannelID, Quota: 3},
			ControlBlock{Opcode: OpcodeFlowControl, ChannelID: DefaultChannelID, Quota: 4},
		)))
		assert.Equal(t, c.logical[DefaultChannelID].sendQuota, uint64(7))
	})

	t.Run("FlowControl overflow", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		assert.NilError(t, c.dispatch(control(ControlBlock{Opcode: OpcodeFlowControl, ChannelID: DefaultChannelID, Quota: maxNumber})))
		err := c.dispatch(control(ControlBlock{Opcode: OpcodeFlowControl, ChannelID: DefaultChannelID, Quota: 1}))
		assert.Error(t, err, "overflows send quota")
	})

	t.Run("DropChannel closes the channel", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		assert.NilError(t, c.dispatch(control(ControlBlock{Opcode: OpcodeDropChannel, ChannelID: DefaultChannelID, Code: wsprobe.StatusGoingAway, Reason: "bye"})))
		ch := c.logical[DefaultChannelID]
		assert.Equal(t, ch.state, stateClosed)
		assert.Equal(t, ch.dropCode, wsprobe.StatusGoingAway)
		_, err := c.Receive(DefaultChannelID)
		assert.Error(t, err, `channel 1 dropped: code=1001 reason="bye"`)
	})

	t.Run("unknown channel", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(control(ControlBlock{Opcode: OpcodeFlowControl, ChannelID: 9, Quota: 1}))
		assert.Error(t, err, "FlowControl for unknown channel 9")
	})

	t.Run("AddChannelRequest from server", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(control(ControlBlock{Opcode: OpcodeAddChannelRequest, ChannelID: 2, Handshake: []byte{}}))
		assert.Error(t, err, "server sent AddChannelRequest")
	})

	t.Run("unsolicited AddChannelResponse", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		err := c.dispatch(control(ControlBlock{Opcode: OpcodeAddChannelResponse, ChannelID: DefaultChannelID, Handshake: []byte{}}))
		assert.Error(t, err, "AddChannelResponse for channel 1 which is established")
	})
}

func TestCheckChannelResponse(t *testing.T) {
	t.Parallel()

	const key = wsprobe.ClientKey("dGhlIHNhbXBsZSBub25jZQ==")
	ok := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"

	testCases := map[string]struct {
		block   ControlBlock
		wantErr string
	}{
		"accepted": {
			block: ControlBlock{ChannelID: 2, Handshake: []byte(ok)},
		},
		"rejected": {
			block:   ControlBlock{ChannelID: 2, Rejected: true},
			wantErr: "channel rejected: channel 2",
		},
		"delta encoding": {
			block:   ControlBlock{ChannelID: 2, Encoding: EncodingDelta, Handshake: []byte(ok)},
			wantErr: "unsupported handshake encoding 1",
		},
		"malformed": {
			block:   ControlBlock{ChannelID: 2, Handshake: []byte("nope")},
			wantErr: "malformed handshake response",
		},
		"not 101": {
			block:   ControlBlock{ChannelID: 2, Handshake: []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")},
			wantErr: "expected HTTP status code 101 but found 403",
		},
		"wrong accept": {
			block: ControlBlock{ChannelID: 2, Handshake: []byte("HTTP/1.1 101 Switching Protocols\r\n" +
				"Sec-WebSocket-Accept: bogus\r\n\r\n")},
			wantErr: "invalid Sec-WebSocket-Accept",
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := checkChannelResponse(tc.block, key)
			if tc.wantErr == "" {
				assert.NilError(t, err)
				return
			}
			assert.Error(t, err, tc.wantErr)
			assert.Error(t, err, ErrChannelRejected)
		})
	}
}

func TestMonitorAwait(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		m := newMonitor()
		err := m.await(10*time.Millisecond, nil, func() (bool, error) { return false, nil })
		assert.Error(t, err, ErrTimeout)
	})

	t.Run("done", func(t *testing.T) {
		t.Parallel()
		m := newMonitor()
		done := make(chan struct{})
		close(done)
		err := m.await(time.Second, done, func() (bool, error) { return false, nil })
		assert.Error(t, err, ErrClosed)
	})

	t.Run("condition error", func(t *testing.T) {
		t.Parallel()
		m := newMonitor()
		wantErr := errors.New("boom")
		err := m.await(time.Second, nil, func() (bool, error) { return false, wantErr })
		assert.Error(t, err, wantErr)
	})

	t.Run("broadcast wakes waiters", func(t *testing.T) {
		t.Parallel()
		m := newMonitor()
		ready := false
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.mu.Lock()
			ready = true
			m.broadcast()
			m.mu.Unlock()
		}()
		err := m.await(5*time.Second, nil, func() (bool, error) { return ready, nil })
		assert.NilError(t, err)
	})
}

func TestSendQuota(t *testing.T) {
	t.Parallel()

	c, conn := newTestClient(t)
	err := c.SendText(DefaultChannelID, "test")
	assert.Error(t, err, ErrSendQuotaExceeded)
	assert.Equal(t, conn.Len(), 0, "nothing may be sent without quota")

	c.channels.mu.Lock()
	c.logical[DefaultChannelID].sendQuota = 4
	c.channels.mu.Unlock()
	assert.NilError(t, c.SendText(DefaultChannelID, "test"))
	assert.Equal(t, c.logical[DefaultChannelID].sendQuota, uint64(0))

	// one physical binary frame: channel id, inner header, payload
	frame, err := wsprobe.ReadFrame(conn, wsprobe.ServerMode, 125)
	assert.NilError(t, err)
	assert.Equal(t, frame.Opcode, wsprobe.OpcodeBinary)
	assert.BytesEqual(t, frame.Payload, []byte{0x01, 0x81, 't', 'e', 's', 't'})

	err = c.SendText(3, "x")
	assert.Error(t, err, ErrChannelNotEstablished)
}

func TestAddChannelFailure(t *testing.T) {
	t.Parallel()

	grant := func(t *testing.T, c *Client, slots uint64) {
		t.Helper()
		msg, err := (&ControlBlock{Opcode: OpcodeNewChannelSlot, Slots: slots, Quota: 10}).AppendBinary([]byte{byte(ControlChannelID)})
		assert.NilError(t, err)
		assert.NilError(t, c.dispatch(msg))
	}

	t.Run("timeout returns the slot and forgets the channel", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		grant(t, c, 2)

		assert.Error(t, c.AddChannel(2, wsprobe.HandshakeOptions{}), ErrTimeout)
		assert.Equal(t, c.slotCount(), 2)
		_, ok := c.logical[2]
		assert.Equal(t, ok, false, "failed channel must be removed")

		// the same id can be retried
		assert.Error(t, c.AddChannel(2, wsprobe.HandshakeOptions{}), ErrTimeout)
		assert.Equal(t, c.slotCount(), 2)

		// a response arriving after the caller gave up is a violation
		msg, err := (&ControlBlock{Opcode: OpcodeAddChannelResponse, ChannelID: 2, Handshake: []byte{}}).AppendBinary([]byte{byte(ControlChannelID)})
		assert.NilError(t, err)
		err = c.dispatch(msg)
		assert.Error(t, err, "AddChannelResponse for unknown channel 2")
		assert.ErrorAs[*wsprobe.ProtocolError](t, err)
	})

	t.Run("rejection returns the slot", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		c.timeout = 5 * time.Second
		grant(t, c, 1)

		errc := make(chan error, 1)
		go func() { errc <- c.AddChannel(2, wsprobe.HandshakeOptions{}) }()
		waitForChannelKey(t, c, 2)

		msg, err := (&ControlBlock{Opcode: OpcodeAddChannelResponse, ChannelID: 2, Rejected: true, Handshake: []byte{}}).AppendBinary([]byte{byte(ControlChannelID)})
		assert.NilError(t, err)
		assert.NilError(t, c.dispatch(msg))
		assert.Error(t, <-errc, ErrChannelRejected)
		assert.Equal(t, c.slotCount(), 1)
	})

	t.Run("quota granted before the response is kept", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		c.timeout = 5 * time.Second
		grant(t, c, 1)

		errc := make(chan error, 1)
		go func() { errc <- c.AddChannel(2, wsprobe.HandshakeOptions{}) }()
		key := waitForChannelKey(t, c, 2)

		msg, err := (&ControlBlock{Opcode: OpcodeFlowControl, ChannelID: 2, Quota: 5}).AppendBinary([]byte{byte(ControlChannelID)})
		assert.NilError(t, err)
		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + wsprobe.AcceptKey(string(key)) + "\r\n\r\n"
		msg, err = (&ControlBlock{Opcode: OpcodeAddChannelResponse, ChannelID: 2, Handshake: []byte(resp)}).AppendBinary(msg)
		assert.NilError(t, err)
		assert.NilError(t, c.dispatch(msg))
		assert.NilError(t, <-errc)

		c.channels.mu.Lock()
		defer c.channels.mu.Unlock()
		assert.Equal(t, c.logical[2].sendQuota, uint64(15))
	})
}

// waitForChannelKey waits for AddChannel to register channel id and returns
// the key of its embedded handshake.
func waitForChannelKey(t *testing.T, c *Client, id uint32) wsprobe.ClientKey {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.channels.mu.Lock()
		ch, ok := c.logical[id]
		var key wsprobe.ClientKey
		if ok {
			key = ch.key
		}
		c.channels.mu.Unlock()
		if key != "" {
			return key
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("channel %d was never requested", id)
	return ""
}
