package mux

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/mccutchen/wsprobe"
)

// Opcode identifies a control block. It occupies the top three bits of the
// block's first byte.
type Opcode uint8

// Control block opcodes.
const (
	OpcodeAddChannelRequest  Opcode = 0
	OpcodeAddChannelResponse Opcode = 1
	OpcodeFlowControl        Opcode = 2
	OpcodeDropChannel        Opcode = 3
	OpcodeNewChannelSlot     Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpcodeAddChannelRequest:
		return "AddChannelRequest"
	case OpcodeAddChannelResponse:
		return "AddChannelResponse"
	case OpcodeFlowControl:
		return "FlowControl"
	case OpcodeDropChannel:
		return "DropChannel"
	case OpcodeNewChannelSlot:
		return "NewChannelSlot"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// Handshake encodings carried by AddChannel blocks. Only identity, a
// complete HTTP request or response, is supported.
const (
	EncodingIdentity uint8 = 0
	EncodingDelta    uint8 = 1
)

// ControlBlock is one control block carried on the control channel. Fields
// an opcode does not use are zero.
type ControlBlock struct {
	Opcode    Opcode
	ChannelID uint32

	// AddChannelRequest, AddChannelResponse
	Encoding  uint8
	Rejected  bool
	Handshake []byte

	// FlowControl (quota granted), NewChannelSlot (send quota of each slot)
	Quota uint64

	// NewChannelSlot
	Slots    uint64
	Fallback bool

	// DropChannel
	Code   wsprobe.StatusCode
	Reason string
}

func (b ControlBlock) String() string {
	switch b.Opcode {
	case OpcodeAddChannelRequest, OpcodeAddChannelResponse:
		return fmt.Sprintf("%v{ChannelID: %d, Encoding: %d, Rejected: %v, Handshake: %d bytes}", b.Opcode, b.ChannelID, b.Encoding, b.Rejected, len(b.Handshake))
	case OpcodeFlowControl:
		return fmt.Sprintf("%v{ChannelID: %d, Quota: %d}", b.Opcode, b.ChannelID, b.Quota)
	case OpcodeDropChannel:
		return fmt.Sprintf("%v{ChannelID: %d, Code: %d, Reason: %q}", b.Opcode, b.ChannelID, b.Code, b.Reason)
	default:
		return fmt.Sprintf("%v{Slots: %d, Quota: %d, Fallback: %v}", b.Opcode, b.Slots, b.Quota, b.Fallback)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *ControlBlock) MarshalBinary() ([]byte, error) {
	return b.AppendBinary(nil)
}

// AppendBinary appends the wire encoding of the block to dst.
func (b *ControlBlock) AppendBinary(dst []byte) ([]byte, error) {
	var err error
	first := byte(b.Opcode) << 5
	switch b.Opcode {
	case OpcodeAddChannelRequest, OpcodeAddChannelResponse:
		if b.Encoding > 3 {
			return nil, fmt.Errorf("mux: invalid handshake encoding %d", b.Encoding)
		}
		first |= b.Encoding
		if b.Opcode == OpcodeAddChannelResponse && b.Rejected {
			first |= 1 << 4
		}
		dst = append(dst, first)
		if dst, err = AppendChannelID(dst, b.ChannelID); err != nil {
			return nil, err
		}
		if dst, err = AppendNumber(dst, uint64(len(b.Handshake))); err != nil {
			return nil, err
		}
		return append(dst, b.Handshake...), nil
	case OpcodeFlowControl:
		dst = append(dst, first)
		if dst, err = AppendChannelID(dst, b.ChannelID); err != nil {
			return nil, err
		}
		return AppendNumber(dst, b.Quota)
	case OpcodeDropChannel:
		dst = append(dst, first)
		if dst, err = AppendChannelID(dst, b.ChannelID); err != nil {
			return nil, err
		}
		body := wsprobe.CloseFramePayload(b.Code, b.Reason)
		if dst, err = AppendNumber(dst, uint64(len(body))); err != nil {
			return nil, err
		}
		return append(dst, body...), nil
	case OpcodeNewChannelSlot:
		if b.Fallback {
			first |= 1
		}
		dst = append(dst, first)
		if dst, err = AppendNumber(dst, b.Slots); err != nil {
			return nil, err
		}
		return AppendNumber(dst, b.Quota)
	default:
		return nil, fmt.Errorf("mux: invalid control opcode %d", b.Opcode)
	}
}

// ParseControlBlocks decodes every control block in p, the payload of a
// control channel message after its channel id.
func ParseControlBlocks(p []byte) ([]ControlBlock, error) {
	var blocks []ControlBlock
	for len(p) > 0 {
		b, n, err := parseControlBlock(p)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		p = p[n:]
	}
	return blocks, nil
}

func parseControlBlock(p []byte) (ControlBlock, int, error) {
	first := p[0]
	b := ControlBlock{Opcode: Opcode(first >> 5)}
	pos := 1

	readID := func() error {
		id, n, err := ReadChannelID(p[pos:])
		if err != nil {
			return err
		}
		b.ChannelID = id
		pos += n
		return nil
	}
	readNumber := func() (uint64, error) {
		v, n, err := ReadNumber(p[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		return v, nil
	}
	readBytes := func(size uint64) ([]byte, error) {
		if size > uint64(len(p)-pos) {
			return nil, violationf("%v block needs %d bytes but %d remain", b.Opcode, size, len(p)-pos)
		}
		out := p[pos : pos+int(size)]
		pos += int(size)
		return out, nil
	}

	switch b.Opcode {
	case OpcodeAddChannelRequest, OpcodeAddChannelResponse:
		b.Encoding = first & 0x3
		b.Rejected = b.Opcode == OpcodeAddChannelResponse && first&(1<<4) != 0
		if err := readID(); err != nil {
			return b, 0, err
		}
		size, err := readNumber()
		if err != nil {
			return b, 0, err
		}
		hs, err := readBytes(size)
		if err != nil {
			return b, 0, err
		}
		b.Handshake = hs
	case OpcodeFlowControl:
		if err := readID(); err != nil {
			return b, 0, err
		}
		quota, err := readNumber()
		if err != nil {
			return b, 0, err
		}
		b.Quota = quota
	case OpcodeDropChannel:
		if err := readID(); err != nil {
			return b, 0, err
		}
		size, err := readNumber()
		if err != nil {
			return b, 0, err
		}
		body, err := readBytes(size)
		if err != nil {
			return b, 0, err
		}
		switch len(body) {
		case 0:
			b.Code = wsprobe.StatusNormalClosure
		case 1:
			return b, 0, violationf("DropChannel reason must be empty or at least 2 bytes")
		default:
			b.Code = wsprobe.StatusCode(binary.BigEndian.Uint16(body))
			b.Reason = string(body[2:])
			if !utf8.ValidString(b.Reason) {
				return b, 0, violationf("DropChannel reason is not valid UTF-8: %q", b.Reason)
			}
		}
	case OpcodeNewChannelSlot:
		b.Fallback = first&1 != 0
		slots, err := readNumber()
		if err != nil {
			return b, 0, err
		}
		quota, err := readNumber()
		if err != nil {
			return b, 0, err
		}
		b.Slots, b.Quota = slots, quota
	default:
		return b, 0, violationf("unknown control opcode %d in % x", b.Opcode, p)
	}
	return b, pos, nil
}

// AppendInnerFrame appends the logical frame encoding: one header byte
// holding FIN, RSV1-3 and the opcode, then the payload.
func AppendInnerFrame(dst []byte, f *wsprobe.Frame) []byte {
	var b0 byte
	if f.Fin {
		b0 |= 0b10000000
	}
	if f.RSV1 {
		b0 |= 0b01000000
	}
	if f.RSV2 {
		b0 |= 0b00100000
	}
	if f.RSV3 {
		b0 |= 0b00010000
	}
	b0 |= uint8(f.Opcode) & 0b00001111
	dst = append(dst, b0)
	return append(dst, f.Payload...)
}

// ParseInnerFrame decodes a logical frame, the payload of a non-control
// channel message after its channel id.
func ParseInnerFrame(p []byte) (*wsprobe.Frame, error) {
	if len(p) == 0 {
		return nil, violationf("logical frame has no header")
	}
	b0 := p[0]
	return &wsprobe.Frame{
		Fin:     b0&0b10000000 != 0,
		RSV1:    b0&0b01000000 != 0,
		RSV2:    b0&0b00100000 != 0,
		RSV3:    b0&0b00010000 != 0,
		Opcode:  wsprobe.Opcode(b0 & 0b00001111),
		Payload: p[1:],
	}, nil
}
