// pkg/client/session.go

package client

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pkg/errors"

	"PeerSync/pkg/protocol"
)

// session runs request/response round trips over one connection.
type session struct {
	conn    net.Conn
	secret  []byte
	limit   *ratelimit.Bucket
	timeout time.Duration
	stop    func() bool
}

func dial(ctx context.Context, addr string, secret []byte, opts *Options, limit *ratelimit.Bucket) (*session, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &SyncError{Op: "connect", Err: err}
	}
	// cancelling ctx fails any pending I/O
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	return &session{conn: conn, secret: secret, limit: limit, timeout: opts.ReadTimeout, stop: stop}, nil
}

func (s *session) close() {
	s.stop()
	_ = s.conn.Close()
}

// index fetches and parses the index, accepting at most maxSize bytes.
func (s *session) index(maxSize uint32) ([]protocol.IndexRecord, error) {
	var buf bytes.Buffer
	if _, err := s.fetch(protocol.IndexVersion, &buf, 0, maxSize); err != nil {
		return nil, &SyncError{Op: "index", Err: err}
	}
	records, err := protocol.DecodeIndex(buf.Bytes())
	if err != nil {
		return nil, &SyncError{Op: "index", Err: err}
	}
	return records, nil
}

// Read extends the deadline before every read, so a transfer fails once
// it stalls for longer than the timeout, however large it is.
func (s *session) Read(p []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	return s.conn.Read(p)
}

// fetch requests version and streams the decrypted payload into w. The
// declared size must lie within [minSize, maxSize]. It returns the SHA-256
// of the payload.
func (s *session) fetch(version uint64, w io.Writer, minSize, maxSize uint32) (protocol.Hash, error) {
	var sum protocol.Hash
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return sum, err
		}
	}
	if _, err := s.conn.Write(protocol.EncodeRequest(version)); err != nil {
		return sum, errors.Wrap(err, "send request")
	}

	var buf [protocol.HeaderSize]byte
	if _, err := io.ReadFull(s, buf[:]); err != nil {
		return sum, errors.Wrap(err, "read header")
	}
	header := protocol.DecodeHeader(buf[:])
	if header.Size > maxSize && version == protocol.IndexVersion {
		return sum, errors.Wrapf(ErrIndexTooLarge, "%d > %d bytes", header.Size, maxSize)
	} else if header.Size < minSize || header.Size > maxSize {
		return sum, errors.Wrapf(ErrSizeMismatch, "peer declared %d bytes, expected %d", header.Size, maxSize)
	}

	stream, err := protocol.NewStream(s.secret, protocol.Label(version), header.IV[:])
	if err != nil {
		return sum, err
	}
	hasher := sha256.New()
	body := cipher.StreamReader{S: stream, R: &limitedReader{s, s.limit}}
	if _, err = io.CopyN(io.MultiWriter(hasher, w), body, int64(header.Size)); err != nil {
		return sum, errors.Wrap(err, "read body")
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}
