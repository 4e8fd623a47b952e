package wsprobe

import (
	"errors"
	"fmt"
	"strings"
)

// HandshakeError reports a malformed or unacceptable opening handshake. It
// is always fatal to the connection attempt.
type HandshakeError struct {
	Msg string
}

func (e *HandshakeError) Error() string {
	return "websocket: handshake: " + e.Msg
}

func handshakeErrorf(format string, args ...any) error {
	return &HandshakeError{Msg: fmt.Sprintf(format, args...)}
}

// StatusError is returned when the server answers the opening handshake
// with a status other than 101 Switching Protocols.
type StatusError struct {
	Code   int
	Header Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("websocket: handshake: expected HTTP status code 101 but found %d", e.Code)
}

// VersionError is returned when the peer does not speak the requested
// protocol version. Callers may retry with one of the Supported versions.
type VersionError struct {
	Requested string
	Supported []string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("websocket: handshake: unsupported version %q (supported: %s)", e.Requested, strings.Join(e.Supported, ", "))
}

// ProtocolError reports a frame-level violation by the peer. The
// connection must not be used after one is returned.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "websocket: protocol error: " + e.Msg
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// AssertionError is returned by the Assert* helpers when the received data
// does not match what the caller expected.
type AssertionError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("websocket: unexpected %s: %v (expected) vs %v (actual)", e.Field, e.Expected, e.Actual)
}

// CloseError is returned by ReceiveMessage when the peer sends a close
// frame. Code is zero when the close frame had no body.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Code == 0 {
		return "websocket: connection closed by peer"
	}
	return fmt.Sprintf("websocket: connection closed by peer: code=%d reason=%q", e.Code, e.Reason)
}

// Protocol-level errors.
var (
	ErrServerFrameMasked      = &ProtocolError{Msg: "server frame must not be masked"}
	ErrClientFrameUnmasked    = &ProtocolError{Msg: "client frame must be masked"}
	ErrPayloadLengthInvalid   = &ProtocolError{Msg: "extended payload length exceeds 2^63-1"}
	ErrContinuationUnexpected = &ProtocolError{Msg: "unexpected continuation frame"}
	ErrContinuationExpected   = &ProtocolError{Msg: "expected continuation frame"}
	ErrOpcodeUnknown          = &ProtocolError{Msg: "unknown opcode"}
	ErrRSVBitsUnexpected      = &ProtocolError{Msg: "frame has unexpected RSV bits set"}
	ErrEncodingInvalid        = &ProtocolError{Msg: "invalid UTF-8"}
	ErrFrameTooLarge          = errors.New("websocket: frame payload too large")
	ErrMessageTooLarge        = errors.New("websocket: message payload too large")
)
