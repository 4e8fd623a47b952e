package mux

import (
	"encoding/binary"
	"fmt"
)

// MaxChannelID is the largest channel id the 29-bit encoding can carry.
const MaxChannelID = 1<<29 - 1

const maxNumber = 1<<63 - 1

// AppendChannelID appends the variable length encoding of id: one byte
// below 2^7, then two, three or four bytes with the leading bits 10, 110
// and 111 marking the length.
func AppendChannelID(dst []byte, id uint32) ([]byte, error) {
	switch {
	case id < 1<<7:
		return append(dst, byte(id)), nil
	case id < 1<<14:
		return binary.BigEndian.AppendUint16(dst, uint16(0x8000+id)), nil
	case id < 1<<21:
		dst = append(dst, byte(0xc0+(id>>16)))
		return binary.BigEndian.AppendUint16(dst, uint16(id)), nil
	case id < 1<<29:
		return binary.BigEndian.AppendUint32(dst, 0xe0000000+id), nil
	default:
		return nil, fmt.Errorf("mux: channel id %d exceeds %d", id, MaxChannelID)
	}
}

// ReadChannelID decodes a channel id from the start of p, returning it and
// the number of bytes consumed.
func ReadChannelID(p []byte) (uint32, int, error) {
	if len(p) == 0 {
		return 0, 0, violationf("missing channel id")
	}
	var n int
	switch b := p[0]; {
	case b&0x80 == 0:
		n = 1
	case b&0xc0 == 0x80:
		n = 2
	case b&0xe0 == 0xc0:
		n = 3
	default:
		n = 4
	}
	if len(p) < n {
		return 0, 0, violationf("truncated %d-byte channel id: % x", n, p)
	}
	switch n {
	case 1:
		return uint32(p[0]), 1, nil
	case 2:
		return uint32(binary.BigEndian.Uint16(p)) & 0x3fff, 2, nil
	case 3:
		return uint32(p[0]&0x1f)<<16 | uint32(binary.BigEndian.Uint16(p[1:])), 3, nil
	default:
		return binary.BigEndian.Uint32(p) & 0x1fffffff, 4, nil
	}
}

// AppendNumber appends the mux number encoding of v: a single byte up to
// 125, 0x7e and a 16-bit value below 2^16, otherwise 0x7f and a 64-bit
// value.
func AppendNumber(dst []byte, v uint64) ([]byte, error) {
	switch {
	case v <= 125:
		return append(dst, byte(v)), nil
	case v < 1<<16:
		dst = append(dst, 0x7e)
		return binary.BigEndian.AppendUint16(dst, uint16(v)), nil
	case v <= maxNumber:
		dst = append(dst, 0x7f)
		return binary.BigEndian.AppendUint64(dst, v), nil
	default:
		return nil, fmt.Errorf("mux: number %d exceeds 2^63-1", v)
	}
}

// ReadNumber decodes a number from the start of p, returning it and the
// number of bytes consumed. Encodings longer than necessary are rejected.
func ReadNumber(p []byte) (uint64, int, error) {
	if len(p) == 0 {
		return 0, 0, violationf("missing number")
	}
	b := p[0]
	if b&0x80 != 0 {
		return 0, 0, violationf("number must not start with MSB set: %#02x", b)
	}
	switch b {
	case 0x7e:
		if len(p) < 3 {
			return 0, 0, violationf("truncated 16-bit number: % x", p)
		}
		v := uint64(binary.BigEndian.Uint16(p[1:]))
		if v <= 125 {
			return 0, 0, violationf("number %d should be encoded in a single byte", v)
		}
		return v, 3, nil
	case 0x7f:
		if len(p) < 9 {
			return 0, 0, violationf("truncated 64-bit number: % x", p)
		}
		v := binary.BigEndian.Uint64(p[1:])
		if v > maxNumber {
			return 0, 0, violationf("number %d exceeds 2^63-1", v)
		}
		if v < 1<<16 {
			return 0, 0, violationf("number %d should be encoded in 3 bytes", v)
		}
		return v, 9, nil
	default:
		return uint64(b), 1, nil
	}
}
