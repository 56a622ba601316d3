package frame

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/concent-network/concent/internal/message"
)

const (
	EscapeByte    byte = 0xFF
	SeparatorByte byte = 0x00
)

// Separator terminates every frame on the stream.
var Separator = []byte{EscapeByte, SeparatorByte}

const maxEncodedFrame = 2 * (HeaderLength + MaxPayloadLength)

// Escape doubles every escape byte so the separator cannot appear inside b.
func Escape(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/64+2)
	for _, c := range b {
		out = append(out, c)
		if c == EscapeByte {
			out = append(out, EscapeByte)
		}
	}
	return out
}

// Unescape reverses Escape. A separator or any other byte after an escape byte
// is broken escaping.
func Unescape(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != EscapeByte {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) || b[i+1] != EscapeByte {
			return nil, fmt.Errorf("%w: at offset %d", ErrBrokenEscaping, i)
		}
		out = append(out, EscapeByte)
		i++
	}
	return out, nil
}

// Reader splits a byte stream into unescaped raw frames.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next raw (unescaped, undecoded) frame. Broken escaping and
// oversized frames are reported after the stream has been resynchronised at
// the following separator, so the caller may keep reading. io.EOF is returned
// only on a clean boundary; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() ([]byte, error) {
	var (
		buf    []byte
		broken error
	)
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 && broken == nil {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c != EscapeByte {
			if broken == nil {
				buf = append(buf, c)
				if len(buf) > maxEncodedFrame {
					broken = fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidFrame, maxEncodedFrame)
					buf = nil
				}
			}
			continue
		}

		next, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch next {
		case SeparatorByte:
			if broken != nil {
				return nil, broken
			}
			return buf, nil
		case EscapeByte:
			if broken == nil {
				buf = append(buf, EscapeByte)
			}
		default:
			if broken == nil {
				broken = fmt.Errorf("%w: byte 0x%02x after escape", ErrBrokenEscaping, next)
				buf = nil
			}
		}
	}
}

// WriteRaw writes an encoded frame, escaped and terminated.
func WriteRaw(w io.Writer, encoded []byte) error {
	out := Escape(encoded)
	out = append(out, Separator...)
	_, err := w.Write(out)
	return err
}

// Conn reads and writes signed frames over a network connection. Reads must
// come from a single goroutine; writes are serialized internally.
type Conn struct {
	nc   net.Conn
	r    *Reader
	key  *ecdsa.PrivateKey
	peer message.PublicKey

	wmu sync.Mutex
}

// NewConn wraps nc. Outgoing frames are signed with key; incoming frames must be signed by peer.
func NewConn(nc net.Conn, key *ecdsa.PrivateKey, peer message.PublicKey) *Conn {
	return &Conn{nc: nc, r: NewReader(nc), key: key, peer: peer}
}

func (c *Conn) NetConn() net.Conn { return c.nc }

func (c *Conn) Peer() message.PublicKey { return c.peer }

// ReadRaw returns the next unescaped frame without decoding it.
func (c *Conn) ReadRaw() ([]byte, error) {
	return c.r.Next()
}

// Read returns the next frame. Errors for which CodeOf reports ok leave the
// connection usable; any other error ends it.
func (c *Conn) Read() (Frame, error) {
	raw, err := c.r.Next()
	if err != nil {
		return Frame{}, err
	}
	return Decode(raw, c.peer)
}

// ReadWithTimeout is Read bounded by d.
func (c *Conn) ReadWithTimeout(d time.Duration) (Frame, error) {
	if d > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(d)); err != nil {
			return Frame{}, err
		}
		defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()
	}
	return c.Read()
}

func (c *Conn) Write(f Frame) error {
	encoded, err := Encode(f, c.key)
	if err != nil {
		return err
	}
	return c.WriteEncoded(encoded)
}

// WriteEncoded writes an already signed frame.
func (c *Conn) WriteEncoded(encoded []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteRaw(c.nc, encoded)
}

func (c *Conn) Close() error { return c.nc.Close() }

// IsDisconnect reports whether err means the peer went away.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
