package wsprobe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

const requiredVersion = "13"

// maxPayloadLength is the largest payload the 64-bit extended length field
// may carry; the most significant bit must be 0.
const maxPayloadLength = 1<<63 - 1

// Opcode is a websocket OPCODE.
type Opcode uint8

// See the RFC for the set of defined opcodes:
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

func (c Opcode) String() string {
	switch c {
	case OpcodeContinuation:
		return "Cont"
	case OpcodeText:
		return "Text"
	case OpcodeBinary:
		return "Binary"
	case OpcodeClose:
		return "Close"
	case OpcodePing:
		return "Ping"
	case OpcodePong:
		return "Pong"
	default:
		return fmt.Sprintf("Opcode(%#x)", uint8(c))
	}
}

// IsControl reports whether c is a control opcode (close, ping, pong).
func (c Opcode) IsControl() bool {
	return c&0x8 != 0
}

// StatusCode is a websocket status code.
type StatusCode uint16

// See the RFC for the set of defined status codes:
// https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.1
const (
	StatusNormalClosure      StatusCode = 1000
	StatusGoingAway          StatusCode = 1001
	StatusProtocolError      StatusCode = 1002
	StatusUnsupported        StatusCode = 1003
	StatusNoStatusRcvd       StatusCode = 1005
	StatusAbnormalClose      StatusCode = 1006
	StatusUnsupportedPayload StatusCode = 1007
	StatusPolicyViolation    StatusCode = 1008
	StatusTooLarge           StatusCode = 1009
	StatusMandatoryExtension StatusCode = 1010
	StatusServerError        StatusCode = 1011
	StatusTLSHandshake       StatusCode = 1015
)

// Mode selects which side of the protocol a Stream speaks, which decides
// masking in both directions.
type Mode bool

// Valid modes
const (
	ServerMode Mode = false
	ClientMode Mode = true
)

func (m Mode) String() string {
	if m == ClientMode {
		return "client"
	}
	return "server"
}

// MaskingKey is the 4-byte key a client XORs its payloads with.
type MaskingKey [4]byte

// Unmasked is the zero MaskingKey, used for frames written without a mask.
var Unmasked MaskingKey

// NewMaskingKey returns a fresh non-zero masking key read from src, or from
// crypto/rand when src is nil.
func NewMaskingKey(src io.Reader) (MaskingKey, error) {
	if src == nil {
		src = rand.Reader
	}
	var key MaskingKey
	for key == Unmasked {
		if _, err := io.ReadFull(src, key[:]); err != nil {
			return Unmasked, fmt.Errorf("websocket: failed to generate masking key: %w", err)
		}
	}
	return key, nil
}

// Mask XORs p in place with key, per RFC 6455 section 5.3. Masking twice
// with the same key restores the original bytes.
func Mask(key MaskingKey, p []byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}

// FrameHeader is everything in a frame before its payload.
type FrameHeader struct {
	Fin           bool
	RSV1          bool
	RSV2          bool
	RSV3          bool
	Opcode        Opcode
	Masked        bool
	MaskingKey    MaskingKey
	PayloadLength uint64
}

// Frame is a websocket protocol frame.
type Frame struct {
	Fin     bool
	RSV1    bool
	RSV2    bool
	RSV3    bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// NewFrame creates a new final or fragment frame with the given opcode.
func NewFrame(opcode Opcode, fin bool, payload []byte) *Frame {
	return &Frame{
		Fin:     fin,
		Opcode:  opcode,
		Payload: payload,
	}
}

// NewCloseFrame creates a close frame with an optional status code and
// reason. A zero code produces an empty body.
func NewCloseFrame(code StatusCode, reason string) *Frame {
	return NewFrame(OpcodeClose, true, CloseFramePayload(code, reason))
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Fin: %v, RSV1: %v, Opcode: %v, Payload: %q}", f.Fin, f.RSV1, f.Opcode, truncatedPayload(f.Payload, 512))
}

// Message is an application-level message, which may be constructed from
// one or more individual protocol frames.
type Message struct {
	Binary  bool
	Payload []byte
}

func (m Message) String() string {
	if m.Binary {
		return fmt.Sprintf("Message{Binary: %v, Payload: %v}", m.Binary, truncatedPayload(m.Payload, 512))
	}
	return fmt.Sprintf("Message{Binary: %v, Payload: %q}", m.Binary, truncatedPayload(m.Payload, 512))
}

func truncatedPayload(p []byte, limit int) string {
	if len(p) < limit {
		return string(p)
	}
	suffix := fmt.Sprintf(" ... [%d bytes truncated]", len(p)-limit)
	return string(p[:limit]) + suffix
}

// ReadFrameHeader reads a frame header from the wire. In ClientMode the
// peer is a server and must not mask; in ServerMode the peer must mask.
func ReadFrameHeader(src io.Reader, mode Mode) (FrameHeader, error) {
	var bb [2]byte
	if _, err := io.ReadFull(src, bb[:]); err != nil {
		return FrameHeader{}, fmt.Errorf("error reading frame header: %w", err)
	}

	var (
		b0 = bb[0]
		b1 = bb[1]
		h  = FrameHeader{
			Fin:           b0&0b10000000 != 0,
			RSV1:          b0&0b01000000 != 0,
			RSV2:          b0&0b00100000 != 0,
			RSV3:          b0&0b00010000 != 0,
			Opcode:        Opcode(b0 & 0b00001111),
			Masked:        b1&0b10000000 != 0,
			PayloadLength: uint64(b1 & 0b01111111),
		}
	)

	if mode == ClientMode && h.Masked {
		return FrameHeader{}, ErrServerFrameMasked
	}
	if mode == ServerMode && !h.Masked {
		return FrameHeader{}, ErrClientFrameUnmasked
	}

	switch h.PayloadLength {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(src, ext[:]); err != nil {
			return FrameHeader{}, fmt.Errorf("error reading 2-byte extended payload length: %w", err)
		}
		h.PayloadLength = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(src, ext[:]); err != nil {
			return FrameHeader{}, fmt.Errorf("error reading 8-byte extended payload length: %w", err)
		}
		h.PayloadLength = binary.BigEndian.Uint64(ext[:])
		if h.PayloadLength > maxPayloadLength {
			return FrameHeader{}, ErrPayloadLengthInvalid
		}
	}

	if h.Masked {
		if _, err := io.ReadFull(src, h.MaskingKey[:]); err != nil {
			return FrameHeader{}, fmt.Errorf("error reading mask key: %w", err)
		}
	}
	return h, nil
}

// ReadFrame reads a complete frame from the wire and unmasks its payload.
// Payloads longer than maxPayloadLen are rejected before being read.
func ReadFrame(src io.Reader, mode Mode, maxPayloadLen int) (*Frame, error) {
	h, err := ReadFrameHeader(src, mode)
	if err != nil {
		return nil, err
	}
	if h.PayloadLength > uint64(maxPayloadLen) {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(src, payload); err != nil {
		return nil, fmt.Errorf("error reading %d byte payload: %w", h.PayloadLength, err)
	}
	if h.Masked {
		Mask(h.MaskingKey, payload)
	}
	return &Frame{
		Fin:     h.Fin,
		RSV1:    h.RSV1,
		RSV2:    h.RSV2,
		RSV3:    h.RSV3,
		Opcode:  h.Opcode,
		Masked:  h.Masked,
		Payload: payload,
	}, nil
}

// AppendFrameHeader appends the wire header for a frame with the given
// bits and payload length, including the masking key when key is not
// Unmasked.
func AppendFrameHeader(dst []byte, frame *Frame, payloadLen int, key MaskingKey) ([]byte, error) {
	if uint64(payloadLen) > maxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	// FIN, RSV1-3, OPCODE
	var b0 byte
	if frame.Fin {
		b0 |= 0b10000000
	}
	if frame.RSV1 {
		b0 |= 0b01000000
	}
	if frame.RSV2 {
		b0 |= 0b00100000
	}
	if frame.RSV3 {
		b0 |= 0b00010000
	}
	b0 |= uint8(frame.Opcode) & 0b00001111
	dst = append(dst, b0)

	// Masked bit, payload length
	var b1 byte
	if key != Unmasked {
		b1 |= 0b10000000
	}
	switch {
	case payloadLen <= 125:
		dst = append(dst, b1|byte(payloadLen))
	case payloadLen <= 0xFFFF:
		dst = append(dst, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(payloadLen))
	default:
		dst = append(dst, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(payloadLen))
	}

	if key != Unmasked {
		dst = append(dst, key[:]...)
	}
	return dst, nil
}

// EncodeFrame appends the full wire encoding of frame to dst, masking the
// payload with key unless key is Unmasked. frame.Payload is not modified.
func EncodeFrame(dst []byte, frame *Frame, key MaskingKey) ([]byte, error) {
	dst, err := AppendFrameHeader(dst, frame, len(frame.Payload), key)
	if err != nil {
		return nil, err
	}
	start := len(dst)
	dst = append(dst, frame.Payload...)
	if key != Unmasked {
		Mask(key, dst[start:])
	}
	return dst, nil
}

// WriteFrame writes a frame to the wire, masked with key unless key is
// Unmasked.
func WriteFrame(dst io.Writer, key MaskingKey, frame *Frame) error {
	// worst case header size is 14 bytes: 2 fixed bytes, up to 8 bytes of
	// extended length and a 4 byte mask key
	buf, err := EncodeFrame(make([]byte, 0, 14+len(frame.Payload)), frame, key)
	if err != nil {
		return err
	}
	n, err := dst.Write(buf)
	if err != nil {
		return fmt.Errorf("error writing frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d != %d", n, len(buf))
	}
	return nil
}

// CloseFramePayload builds a close frame body: empty when code is zero,
// otherwise the big-endian code followed by the UTF-8 reason.
func CloseFramePayload(code StatusCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	payload := make([]byte, 0, 2+len(reason))
	payload = binary.BigEndian.AppendUint16(payload, uint16(code))
	return append(payload, reason...)
}

// ParseCloseFramePayload is the inverse of CloseFramePayload.
func ParseCloseFramePayload(payload []byte) (StatusCode, string, error) {
	switch len(payload) {
	case 0:
		return 0, "", nil
	case 1:
		return 0, "", protocolErrorf("close frame payload must be at least 2 bytes")
	}
	return StatusCode(binary.BigEndian.Uint16(payload[:2])), string(payload[2:]), nil
}

var reservedStatusCodes = map[uint16]bool{
	// Explicitly reserved by RFC section 7.4.1 Defined Status Codes:
	// https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.1
	1004: true,
	1005: true,
	1006: true,
	1015: true,
	// Apparently reserved, according to the autobahn testsuite's fuzzingclient
	// tests, though it's not clear to me why, based on the RFC.
	//
	// See: https://github.com/crossbario/autobahn-testsuite
	1016: true,
	1100: true,
	2000: true,
	2999: true,
}

// validateFrame applies the structural rules every frame must satisfy,
// regardless of negotiated extensions. RSV bits are checked by the Stream,
// which knows what was negotiated.
func validateFrame(frame *Frame) error {
	switch frame.Opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary:
	case OpcodeClose, OpcodePing, OpcodePong:
		// All control frames MUST have a payload length of 125 bytes or less
		// and MUST NOT be fragmented.
		// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
		if len(frame.Payload) > 125 {
			return protocolErrorf("control frame %v payload size %d exceeds 125 bytes", frame.Opcode, len(frame.Payload))
		}
		if !frame.Fin {
			return protocolErrorf("control frame %v must not be fragmented", frame.Opcode)
		}
	default:
		return fmt.Errorf("%w: %v", ErrOpcodeUnknown, frame.Opcode)
	}

	if frame.Opcode == OpcodeClose {
		code, reason, err := ParseCloseFramePayload(frame.Payload)
		if err != nil || code == 0 {
			return err
		}
		if code < 1000 || code >= 5000 {
			return protocolErrorf("close frame status code %d out of range", code)
		}
		if reservedStatusCodes[uint16(code)] {
			return protocolErrorf("close frame status code %d is reserved", code)
		}
		if !utf8.ValidString(reason) {
			return fmt.Errorf("%w: close frame reason", ErrEncodingInvalid)
		}
	}
	return nil
}
