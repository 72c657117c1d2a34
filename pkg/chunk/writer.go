// pkg/chunk/writer.go

package chunk

import (
	"crypto/sha256"
	"hash"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"PeerSync/pkg/protocol"
)

var errFinished = errors.New("writer is already committed or aborted")

// Writer is a pending publish of one name. Content goes to a temporary file
// and is hashed on the fly; nothing is visible to readers before Commit.
type Writer struct {
	store  *Store
	name   string
	tmp    string
	file   *os.File
	hasher hash.Hash
	size   int64
	done   bool
}

// NewWriter starts publishing name. The caller must call Commit or Abort;
// Abort after Commit is a no-op, so `defer w.Abort()` is always safe.
func (s *Store) NewWriter(name string) (*Writer, error) {
	if name == "" {
		return nil, ErrNoName
	}
	tmp := filepath.Join(s.dir, WritePrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create temporary chunk")
	}
	return &Writer{store: s, name: name, tmp: tmp, file: f, hasher: sha256.New()}, nil
}

// NextVersion returns the version the content would get if committed now.
// A concurrent publish may take it first.
func (w *Writer) NextVersion() uint64 {
	return w.store.Version() + 1
}

// Name returns the name being published.
func (w *Writer) Name() string {
	return w.name
}

// Write appends p to the pending content.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errFinished
	}
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Commit publishes the written content under a new version.
func (w *Writer) Commit() (Info, error) {
	if w.done {
		return Info{}, errFinished
	}
	w.done = true
	defer w.cleanup()

	if w.size > math.MaxUint32 {
		return Info{}, ErrTooLarge
	}
	if err := w.file.Sync(); err != nil {
		return Info{}, errors.Wrapf(err, "sync %s", w.tmp)
	}
	if err := w.file.Close(); err != nil {
		return Info{}, errors.Wrapf(err, "close %s", w.tmp)
	}
	var h protocol.Hash
	copy(h[:], w.hasher.Sum(nil))
	return w.store.commit(w.name, w.tmp, h, uint32(w.size))
}

// Abort discards the pending content.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cleanup()
}

func (w *Writer) cleanup() {
	_ = w.file.Close()
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		logger.Warnf("remove %s: %s", w.tmp, err)
	}
}
