// pkg/server/conn.go

package server

import (
	"crypto/cipher"
	"errors"
	"io"
	"net"
	"time"

	"PeerSync/pkg/protocol"
	"PeerSync/pkg/utils"
)

var logger = utils.GetLogger("peersync")

// ErrWouldBlock is returned by a non-blocking Socket that cannot make
// progress right now.
var ErrWouldBlock = errors.New("operation would block")

var errShortBody = errors.New("response body ended before its declared size")

// Socket is a non-blocking byte stream. Read returns io.EOF once the peer
// closed the connection.
type Socket interface {
	io.ReadWriteCloser
}

// State is the mode of a connection.
type State int

const (
	Reading State = iota
	Writing
	Closed
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	default:
		return "closed"
	}
}

// ReadResult is the outcome of Conn.Read.
type ReadResult int

const (
	ReadNeedMore ReadResult = iota
	ReadComplete
	ReadFailed
)

// Response is what a handler answers to a request. Body supplies exactly
// Size plaintext bytes and is closed once sent; it may be nil if Size is 0.
type Response struct {
	Label string
	Size  uint32
	Body  io.ReadCloser
}

// Conn buffers one peer connection. It reads fixed size requests and writes
// encrypted, size prefixed responses without ever blocking.
type Conn struct {
	sock   Socket
	addr   net.Addr
	secret []byte
	state  State

	request []byte
	got     int

	stream    cipher.Stream
	body      io.ReadCloser
	remaining uint32
	pending   []byte
	block     []byte

	lastActive time.Duration
}

// NewConn wraps sock. The connection starts in read mode with nothing to
// read; call BeginRead before Read.
func NewConn(sock Socket, addr net.Addr, secret []byte) *Conn {
	return &Conn{sock: sock, addr: addr, secret: secret, lastActive: utils.Clock()}
}

func (c *Conn) Addr() net.Addr {
	return c.addr
}

func (c *Conn) State() State {
	return c.state
}

// IdleFor returns how long the connection made no progress, relative to
// now as returned by utils.Clock.
func (c *Conn) IdleFor(now time.Duration) time.Duration {
	return now - c.lastActive
}

// BeginRead switches to read mode and expects exactly size bytes.
func (c *Conn) BeginRead(size int) {
	if c.state == Closed {
		return
	}
	c.state = Reading
	c.request = make([]byte, size)
	c.got = 0
}

// Read performs one receive. On ReadComplete the request bytes are
// returned and the connection stays in read mode until BeginWrite.
func (c *Conn) Read() (ReadResult, []byte) {
	if c.state != Reading || c.got == len(c.request) {
		return ReadFailed, nil
	}
	n, err := c.sock.Read(c.request[c.got:])
	if n > 0 {
		c.got += n
		c.lastActive = utils.Clock()
	}
	if err != nil && err != ErrWouldBlock {
		return ReadFailed, nil
	}
	if c.got < len(c.request) {
		return ReadNeedMore, nil
	}
	return ReadComplete, c.request
}

// BeginWrite switches to write mode. The header goes out in plaintext, the
// body is encrypted under a key derived from the pairing secret, label and
// a fresh IV. BeginWrite takes ownership of body.
func (c *Conn) BeginWrite(label string, size uint32, body io.ReadCloser) error {
	if c.state == Closed {
		if body != nil {
			body.Close()
		}
		return net.ErrClosed
	}
	header, err := protocol.NewHeader(size)
	if err == nil {
		c.stream, err = protocol.NewStream(c.secret, label, header.IV[:])
	}
	if err != nil {
		if body != nil {
			body.Close()
		}
		return err
	}
	c.state = Writing
	c.body = body
	c.remaining = size
	c.pending = header.Encode()
	if c.block == nil && size > 0 {
		c.block = make([]byte, protocol.BlockSize)
	}
	return nil
}

// Write sends as much as the socket accepts. done is true once the header
// and the declared body size have been sent and the body is closed.
func (c *Conn) Write() (ok, done bool) {
	if c.state != Writing {
		return false, false
	}
	for {
		if len(c.pending) == 0 {
			if c.remaining == 0 {
				break
			}
			if err := c.fill(); err != nil {
				logger.Warnf("response to %s: %s", c.addr, err)
				return false, false
			}
		}
		n, err := c.sock.Write(c.pending)
		if n > 0 {
			c.pending = c.pending[n:]
			c.lastActive = utils.Clock()
		}
		if err == ErrWouldBlock {
			return true, false
		} else if err != nil {
			return false, false
		}
		if len(c.pending) > 0 {
			return true, false
		}
	}
	if c.body != nil {
		_ = c.body.Close()
		c.body = nil
	}
	return true, true
}

// A body giving this many empty reads in a row is considered stuck.
const maxEmptyReads = 100

// fill reads and encrypts the next block of the body.
func (c *Conn) fill() error {
	if c.body == nil {
		return errShortBody
	}
	n := uint32(len(c.block))
	if c.remaining < n {
		n = c.remaining
	}
	for empty := 0; ; empty++ {
		if empty >= maxEmptyReads {
			return io.ErrNoProgress
		}
		got, err := c.body.Read(c.block[:n])
		if got > 0 {
			buf := c.block[:got]
			c.stream.XORKeyStream(buf, buf)
			c.pending = buf
			c.remaining -= uint32(got)
			return nil
		}
		if err == io.EOF {
			return errShortBody
		} else if err != nil {
			return err
		}
	}
}

// Close releases the body and the socket. It is safe to call twice.
func (c *Conn) Close() error {
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	if c.body != nil {
		_ = c.body.Close()
		c.body = nil
	}
	return c.sock.Close()
}
