package wsprobe_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/mccutchen/wsprobe"
	"github.com/mccutchen/wsprobe/internal/testing/assert"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		payloadLen int
		headerLen  int
	}{
		"empty":                  {0, 2},
		"7-bit length":           {125, 2},
		"16-bit length, minimum": {126, 4},
		"16-bit length, maximum": {65535, 4},
		"64-bit length":          {65536, 10},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			payload := bytes.Repeat([]byte("abc"), tc.payloadLen/3+1)[:tc.payloadLen]
			original := bytes.Clone(payload)
			clientFrame := wsprobe.NewFrame(wsprobe.OpcodeBinary, true, payload)
			key := wsprobe.MaskingKey{1, 2, 3, 4}

			wire, err := wsprobe.EncodeFrame(nil, clientFrame, key)
			assert.NilError(t, err)
			assert.Equal(t, len(wire), tc.headerLen+4+tc.payloadLen, "incorrect encoded length")
			assert.BytesEqual(t, payload, original, "EncodeFrame must not modify the payload")

			serverFrame, err := wsprobe.ReadFrame(bytes.NewReader(wire), wsprobe.ServerMode, tc.payloadLen)
			assert.NilError(t, err)
			assert.Equal(t, serverFrame.Fin, true, "expected matching FIN bits")
			assert.Equal(t, serverFrame.Masked, true, "expected masked frame")
			assert.Equal(t, serverFrame.Opcode, wsprobe.OpcodeBinary, "expected matching opcodes")
			assert.BytesEqual(t, serverFrame.Payload, original, "expected matching payloads")
		})
	}
}

func TestFrameWireFormat(t *testing.T) {
	t.Parallel()

	// Examples from RFC 6455 section 5.7
	testCases := map[string]struct {
		frame *wsprobe.Frame
		key   wsprobe.MaskingKey
		want  []byte
	}{
		"unmasked text": {
			frame: wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("Hello")),
			key:   wsprobe.Unmasked,
			want:  []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f},
		},
		"masked text": {
			frame: wsprobe.NewFrame(wsprobe.OpcodeText, true, []byte("Hello")),
			key:   wsprobe.MaskingKey{0x37, 0xfa, 0x21, 0x3d},
			want:  []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58},
		},
		"first fragment": {
			frame: wsprobe.NewFrame(wsprobe.OpcodeText, false, []byte("Hel")),
			key:   wsprobe.Unmasked,
			want:  []byte{0x01, 0x03, 0x48, 0x65, 0x6c},
		},
		"final continuation": {
			frame: wsprobe.NewFrame(wsprobe.OpcodeContinuation, true, []byte("lo")),
			key:   wsprobe.Unmasked,
			want:  []byte{0x80, 0x02, 0x6c, 0x6f},
		},
		"unmasked ping": {
			frame: wsprobe.NewFrame(wsprobe.OpcodePing, true, []byte("Hello")),
			key:   wsprobe.Unmasked,
			want:  []byte{0x89, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f},
		},
		"rsv bits": {
			frame: &wsprobe.Frame{Fin: true, RSV1: true, RSV2: true, RSV3: true, Opcode: wsprobe.OpcodeBinary},
			key:   wsprobe.Unmasked,
			want:  []byte{0xf2, 0x00},
		},
		"close with code": {
			frame: wsprobe.NewCloseFrame(wsprobe.StatusNormalClosure, "bye"),
			key:   wsprobe.Unmasked,
			want:  []byte{0x88, 0x05, 0x03, 0xe8, 'b', 'y', 'e'},
		},
		"close without code": {
			frame: wsprobe.NewCloseFrame(0, ""),
			key:   wsprobe.Unmasked,
			want:  []byte{0x88, 0x00},
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			assert.NilError(t, wsprobe.WriteFrame(buf, tc.key, tc.frame))
			assert.BytesEqual(t, buf.Bytes(), tc.want)
		})
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	key := wsprobe.MaskingKey{0xde, 0xad, 0xbe, 0xef}
	original := []byte("the quick brown fox")
	p := bytes.Clone(original)

	wsprobe.Mask(key, p)
	assert.Equal(t, p[0], original[0]^0xde, "byte 0 masked with key[0]")
	assert.Equal(t, p[5], original[5]^0xad, "byte 5 masked with key[1]")
	assert.True(t, !bytes.Equal(p, original), "expected masking to change payload")

	wsprobe.Mask(key, p)
	assert.BytesEqual(t, p, original, "masking twice must restore the payload")
}

func TestNewMaskingKey(t *testing.T) {
	t.Parallel()

	t.Run("all zero keys are skipped", func(t *testing.T) {
		t.Parallel()
		src := bytes.NewReader([]byte{0, 0, 0, 0, 1, 2, 3, 4})
		key, err := wsprobe.NewMaskingKey(src)
		assert.NilError(t, err)
		assert.Equal(t, key, wsprobe.MaskingKey{1, 2, 3, 4})
	})

	t.Run("short source", func(t *testing.T) {
		t.Parallel()
		_, err := wsprobe.NewMaskingKey(bytes.NewReader([]byte{1, 2}))
		assert.Error(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("crypto/rand by default", func(t *testing.T) {
		t.Parallel()
		key, err := wsprobe.NewMaskingKey(nil)
		assert.NilError(t, err)
		assert.True(t, key != wsprobe.Unmasked, "expected non-zero key")
	})
}

func TestReadFrameErrors(t *testing.T) {
	t.Parallel()

	tooLong := []byte{0x82, 0x7f}
	tooLong = binary.BigEndian.AppendUint64(tooLong, 1<<63)

	testCases := map[string]struct {
		wire    []byte
		mode    wsprobe.Mode
		maxLen  int
		wantErr any
	}{
		"masked server frame": {
			wire:    []byte{0x81, 0x81, 1, 2, 3, 4, 'a'},
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: wsprobe.ErrServerFrameMasked,
		},
		"unmasked client frame": {
			wire:    []byte{0x81, 0x01, 'a'},
			mode:    wsprobe.ServerMode,
			maxLen:  125,
			wantErr: wsprobe.ErrClientFrameUnmasked,
		},
		"64-bit length with MSB set": {
			wire:    tooLong,
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: wsprobe.ErrPayloadLengthInvalid,
		},
		"payload exceeds max": {
			wire:    []byte{0x82, 0x03, 'a', 'b', 'c'},
			mode:    wsprobe.ClientMode,
			maxLen:  2,
			wantErr: wsprobe.ErrFrameTooLarge,
		},
		"truncated header": {
			wire:    []byte{0x82},
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: io.ErrUnexpectedEOF,
		},
		"truncated extended length": {
			wire:    []byte{0x82, 0x7e, 0x01},
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: io.ErrUnexpectedEOF,
		},
		"truncated payload": {
			wire:    []byte{0x82, 0x05, 'a'},
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: io.ErrUnexpectedEOF,
		},
		"empty input": {
			wire:    nil,
			mode:    wsprobe.ClientMode,
			maxLen:  125,
			wantErr: io.EOF,
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := wsprobe.ReadFrame(bytes.NewReader(tc.wire), tc.mode, tc.maxLen)
			assert.Error(t, err, tc.wantErr)
		})
	}
}

func TestReadFrameHeader(t *testing.T) {
	t.Parallel()

	wire := []byte{0xc1, 0xfe, 0x01, 0x00, 0x0a, 0x0b, 0x0c, 0x0d}
	h, err := wsprobe.ReadFrameHeader(bytes.NewReader(wire), wsprobe.ServerMode)
	assert.NilError(t, err)
	assert.Equal(t, h, wsprobe.FrameHeader{
		Fin:           true,
		RSV1:          true,
		Opcode:        wsprobe.OpcodeText,
		Masked:        true,
		MaskingKey:    wsprobe.MaskingKey{0x0a, 0x0b, 0x0c, 0x0d},
		PayloadLength: 256,
	})
}

func TestCloseFramePayload(t *testing.T) {
	t.Parallel()

	assert.BytesEqual(t, wsprobe.CloseFramePayload(0, "ignored"), nil)
	assert.BytesEqual(t, wsprobe.CloseFramePayload(wsprobe.StatusGoingAway, ""), []byte{0x03, 0xe9})

	code, reason, err := wsprobe.ParseCloseFramePayload([]byte{0x03, 0xf3, 'o', 'o', 'p', 's'})
	assert.NilError(t, err)
	assert.Equal(t, code, wsprobe.StatusServerError)
	assert.Equal(t, reason, "oops")

	code, reason, err = wsprobe.ParseCloseFramePayload(nil)
	assert.NilError(t, err)
	assert.Equal(t, code, wsprobe.StatusCode(0))
	assert.Equal(t, reason, "")

	_, _, err = wsprobe.ParseCloseFramePayload([]byte{0x03})
	assert.Error(t, err, reflectType[*wsprobe.ProtocolError]())
}

func TestOpcode(t *testing.T) {
	t.Parallel()

	for _, op := range []wsprobe.Opcode{wsprobe.OpcodeClose, wsprobe.OpcodePing, wsprobe.OpcodePong} {
		assert.True(t, op.IsControl(), "expected %v to be a control opcode", op)
	}
	for _, op := range []wsprobe.Opcode{wsprobe.OpcodeContinuation, wsprobe.OpcodeText, wsprobe.OpcodeBinary} {
		assert.True(t, !op.IsControl(), "expected %v to be a data opcode", op)
	}
	assert.Equal(t, wsprobe.Opcode(0x3).String(), "Opcode(0x3)")
	assert.Equal(t, wsprobe.ClientMode.String(), "client")
}
