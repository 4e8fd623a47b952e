package wsprobe

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/flate"
)

// Filter transforms the application data of a message on its way to or from
// the wire. fin marks the last fragment of a message.
type Filter interface {
	Filter(p []byte, fin bool) ([]byte, error)
}

// permessage-deflate parameter names, RFC 7692 section 7.1.
const (
	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"
)

const (
	minWindowBits = 8
	maxWindowBits = 15
	maxWindowSize = 1 << maxWindowBits
)

// deflateMessageTail is appended to a compressed message before inflating:
// the sync marker stripped by the sender, then an empty final stored block
// so the reader ends with io.EOF instead of io.ErrUnexpectedEOF.
var deflateMessageTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// DeflateOptions configures a permessage-deflate offer. The zero value
// offers "permessage-deflate; client_max_window_bits", which lets the server
// choose the client window.
type DeflateOptions struct {
	ClientNoContextTakeover bool
	ServerNoContextTakeover bool
	// ClientMaxWindowBits, when non-zero, is offered as a value instead of
	// the bare client_max_window_bits hint.
	ClientMaxWindowBits int
	ServerMaxWindowBits int
	// Level is the flate compression level; zero means
	// flate.DefaultCompression.
	Level int
}

func (o DeflateOptions) offer() ExtensionParam {
	ext := NewExtension(ExtensionPerMessageDeflate)
	if o.ClientNoContextTakeover {
		ext = ext.With(paramClientNoContextTakeover)
	}
	if o.ServerNoContextTakeover {
		ext = ext.With(paramServerNoContextTakeover)
	}
	if o.ClientMaxWindowBits > 0 {
		ext = ext.WithValue(paramClientMaxWindowBits, strconv.Itoa(o.ClientMaxWindowBits))
	} else {
		ext = ext.With(paramClientMaxWindowBits)
	}
	if o.ServerMaxWindowBits > 0 {
		ext = ext.WithValue(paramServerMaxWindowBits, strconv.Itoa(o.ServerMaxWindowBits))
	}
	return ext
}

// deflateParams are the permessage-deflate parameters agreed for one
// connection. Zero window bits means the default 15.
type deflateParams struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int
	clientMaxWindowBits     int
}

// parseDeflateParams validates the parameter list of a permessage-deflate
// offer or response. A valueless client_max_window_bits is only legal in an
// offer.
func parseDeflateParams(ext ExtensionParam, isOffer bool) (deflateParams, error) {
	var (
		p    deflateParams
		seen = map[string]bool{}
	)
	for _, arg := range ext.Params {
		if seen[arg.Key] {
			return p, fmt.Errorf("duplicate %s parameter %q", ext.Name, arg.Key)
		}
		seen[arg.Key] = true

		switch arg.Key {
		case paramServerNoContextTakeover, paramClientNoContextTakeover:
			if arg.HasValue {
				return p, fmt.Errorf("parameter %q must not have a value", arg.Key)
			}
			if arg.Key == paramServerNoContextTakeover {
				p.serverNoContextTakeover = true
			} else {
				p.clientNoContextTakeover = true
			}
		case paramServerMaxWindowBits, paramClientMaxWindowBits:
			if !arg.HasValue {
				if arg.Key == paramClientMaxWindowBits && isOffer {
					continue
				}
				return p, fmt.Errorf("parameter %q requires a value", arg.Key)
			}
			bits, err := strconv.Atoi(arg.Value)
			if err != nil || bits < minWindowBits || bits > maxWindowBits || arg.Value != strconv.Itoa(bits) {
				return p, fmt.Errorf("invalid value for parameter %q: %q", arg.Key, arg.Value)
			}
			if arg.Key == paramServerMaxWindowBits {
				p.serverMaxWindowBits = bits
			} else {
				p.clientMaxWindowBits = bits
			}
		default:
			return p, fmt.Errorf("unknown %s parameter %q", ext.Name, arg.Key)
		}
	}
	return p, nil
}

// negotiateDeflate checks the server's permessage-deflate response against
// what the client offered.
func negotiateDeflate(resp ExtensionParam, offered DeflateOptions) (deflateParams, error) {
	p, err := parseDeflateParams(resp, false)
	if err != nil {
		return p, err
	}
	if offered.ClientMaxWindowBits > 0 && p.clientMaxWindowBits > offered.ClientMaxWindowBits {
		return p, fmt.Errorf("server raised %s from %d to %d", paramClientMaxWindowBits, offered.ClientMaxWindowBits, p.clientMaxWindowBits)
	}
	if offered.ServerMaxWindowBits > 0 && p.serverMaxWindowBits > offered.ServerMaxWindowBits {
		return p, fmt.Errorf("server raised %s from %d to %d", paramServerMaxWindowBits, offered.ServerMaxWindowBits, p.serverMaxWindowBits)
	}
	if offered.ClientNoContextTakeover {
		p.clientNoContextTakeover = true
	}
	if p.clientMaxWindowBits == 0 {
		p.clientMaxWindowBits = offered.ClientMaxWindowBits
	}
	return p, nil
}

// acceptDeflateOffer is the server side of the negotiation: it agrees to
// everything the client asked for and describes that in the response.
func acceptDeflateOffer(offer ExtensionParam) (ExtensionParam, deflateParams, error) {
	p, err := parseDeflateParams(offer, true)
	if err != nil {
		return ExtensionParam{}, p, err
	}
	resp := NewExtension(ExtensionPerMessageDeflate)
	if p.serverNoContextTakeover {
		resp = resp.With(paramServerNoContextTakeover)
	}
	if p.clientNoContextTakeover {
		resp = resp.With(paramClientNoContextTakeover)
	}
	if p.serverMaxWindowBits > 0 {
		resp = resp.WithValue(paramServerMaxWindowBits, strconv.Itoa(p.serverMaxWindowBits))
	}
	// an offered client_max_window_bits value is a limit the client imposes
	// on itself, so it needs no answer
	p.clientMaxWindowBits = 0
	return resp, p, nil
}

// filters builds the outgoing and incoming filters for the given side of
// the connection. Incoming messages are limited to maxMessageSize bytes,
// both compressed and inflated.
func (p deflateParams) filters(mode Mode, level, maxMessageSize int) (out, in Filter) {
	if mode == ClientMode {
		return newDeflater(level, p.clientMaxWindowBits, p.clientNoContextTakeover),
			newInflater(p.serverNoContextTakeover, maxMessageSize)
	}
	return newDeflater(level, p.serverMaxWindowBits, p.serverNoContextTakeover),
		newInflater(p.clientNoContextTakeover, maxMessageSize)
}

// deflater compresses outgoing messages, one flush per fragment.
type deflater struct {
	buf               bytes.Buffer
	w                 *flate.Writer
	level             int
	noContextTakeover bool
}

func newDeflater(level, windowBits int, noContextTakeover bool) *deflater {
	if level == 0 {
		level = flate.DefaultCompression
	}
	// flate always uses a 32KiB window; huffman-only output carries no
	// back-references, so it is valid for any window the peer allows.
	if windowBits > 0 && windowBits < maxWindowBits {
		level = flate.HuffmanOnly
	}
	return &deflater{level: level, noContextTakeover: noContextTakeover}
}

func (d *deflater) Filter(p []byte, fin bool) ([]byte, error) {
	if d.w == nil {
		w, err := flate.NewWriter(&d.buf, d.level)
		if err != nil {
			return nil, fmt.Errorf("websocket: deflate: %w", err)
		}
		d.w = w
	}
	if _, err := d.w.Write(p); err != nil {
		return nil, fmt.Errorf("websocket: deflate: %w", err)
	}
	if err := d.w.Flush(); err != nil {
		return nil, fmt.Errorf("websocket: deflate: %w", err)
	}
	out := bytes.Clone(d.buf.Bytes())
	d.buf.Reset()
	if fin {
		out = bytes.TrimSuffix(out, deflateMessageTail[:4])
		if d.noContextTakeover {
			d.w.Reset(&d.buf)
		}
	}
	return out, nil
}

// inflater decompresses incoming messages. Fragments are buffered until the
// final one arrives, so non-final fragments yield no output. A message
// whose compressed or inflated size exceeds limit fails with
// ErrMessageTooLarge; zero means no limit.
type inflater struct {
	r                 io.ReadCloser
	pending           []byte
	dict              []byte
	limit             int
	noContextTakeover bool
}

func newInflater(noContextTakeover bool, limit int) *inflater {
	return &inflater{noContextTakeover: noContextTakeover, limit: limit}
}

func (f *inflater) Filter(p []byte, fin bool) ([]byte, error) {
	if f.limit > 0 && len(f.pending)+len(p) > f.limit {
		f.pending = f.pending[:0]
		return nil, ErrMessageTooLarge
	}
	f.pending = append(f.pending, p...)
	if !fin {
		return nil, nil
	}
	defer func() { f.pending = f.pending[:0] }()

	src := io.MultiReader(bytes.NewReader(f.pending), bytes.NewReader(deflateMessageTail))
	if f.r == nil {
		f.r = flate.NewReaderDict(src, f.dict)
	} else if err := f.r.(flate.Resetter).Reset(src, f.dict); err != nil {
		return nil, fmt.Errorf("websocket: inflate: %w", err)
	}
	var r io.Reader = f.r
	if f.limit > 0 {
		r = io.LimitReader(f.r, int64(f.limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("websocket: inflate: %w", err)
	}
	if f.limit > 0 && len(out) > f.limit {
		return nil, ErrMessageTooLarge
	}

	if !f.noContextTakeover {
		f.dict = append(f.dict, out...)
		if len(f.dict) > maxWindowSize {
			f.dict = append(f.dict[:0], f.dict[len(f.dict)-maxWindowSize:]...)
		}
	}
	return out, nil
}
