// pkg/client/client.go

// Package client pulls the chunk set of a server into a local directory
// and links chunks to stable names.
package client

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/ratelimit"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"PeerSync/pkg/chunk"
	"PeerSync/pkg/protocol"
	"PeerSync/pkg/utils"
)

var logger = utils.GetLogger("peersync")

// Transfer files older than this are leftovers of a crashed process.
const staleTransferAge = time.Hour

type Options struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// ReadTimeout bounds how long a single transfer may stall.
	ReadTimeout time.Duration
	// MaxIndexSize bounds the index payload in bytes.
	MaxIndexSize uint32
	// DownloadLimit caps the download rate in bytes per second.
	DownloadLimit int64
	// Progress is called after each index record has been handled.
	Progress func(done, total int)
}

func (o *Options) check() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.MaxIndexSize == 0 {
		o.MaxIndexSize = protocol.DefaultMaxIndexSize
	}
}

// Result summarizes a successful sync.
type Result struct {
	// Latest is the highest version in the index, 0 if it was empty.
	Latest  uint64
	Chunks  int
	Fetched int
	Reused  int
	Removed int
	Bytes   int64
}

type entry struct {
	file string
	size uint32
}

// Client keeps a directory of content addressed chunks in sync with a
// server. Each Sync is synchronous; Materialize may run concurrently.
type Client struct {
	dir    string
	opts   Options
	limit  *ratelimit.Bucket
	flight flight

	mu     sync.Mutex
	mirror map[uint64]entry
	latest uint64
}

// Open returns a client storing chunks in dir. Transfer files left behind
// by a crashed process are removed.
func Open(dir string, opts Options) (*Client, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	opts.check()
	c := &Client{
		dir:    dir,
		opts:   opts,
		limit:  newDownloadLimit(opts.DownloadLimit),
		mirror: make(map[uint64]entry),
	}
	c.removeStaleTransfers()
	return c, nil
}

func (c *Client) removeStaleTransfers() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), chunk.TransferPrefix) {
			continue
		}
		if fi, err := e.Info(); err == nil && time.Since(fi.ModTime()) > staleTransferAge {
			_ = os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
}

// Load rebuilds the mirror from the chunk files already in the directory,
// so a restarted process can materialize without syncing first.
func (c *Client) Load() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	mirror := make(map[uint64]entry)
	var latest uint64
	for _, e := range entries {
		version, _, ok := chunk.ParseFileName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() > math.MaxUint32 {
			continue
		}
		mirror[version] = entry{file: filepath.Join(c.dir, e.Name()), size: uint32(fi.Size())}
		if version > latest {
			latest = version
		}
	}
	c.mu.Lock()
	c.mirror = mirror
	c.latest = latest
	c.mu.Unlock()
	return len(mirror), nil
}

// FetchIndex connects to addr and returns its index without touching any
// local state.
func FetchIndex(ctx context.Context, secret []byte, addr string, opts Options) ([]protocol.IndexRecord, error) {
	opts.check()
	s, err := dial(ctx, addr, secret, &opts, newDownloadLimit(opts.DownloadLimit))
	if err != nil {
		return nil, err
	}
	defer s.close()
	return s.index(opts.MaxIndexSize)
}

// SetProgress replaces the progress callback of later syncs.
func (c *Client) SetProgress(fn func(done, total int)) {
	c.opts.Progress = fn
}

// Dir returns the chunk directory.
func (c *Client) Dir() string {
	return c.dir
}

// Sync fetches the index from addr, downloads and verifies missing chunks,
// removes local chunks the index no longer lists and replaces the mirror.
// Chunks verified before a failure stay on disk and are reused next time.
// A call made while another sync against addr with the same secret is
// running waits for it and returns its result; the joining caller's ctx
// only matters if it is already done.
func (c *Client) Sync(ctx context.Context, secret []byte, addr string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &SyncError{Op: "connect", Err: err}
	}
	return c.flight.do(flightKey(addr, secret), func() (Result, error) {
		return c.sync(ctx, secret, addr)
	})
}

// flightKey identifies syncs that may share one attempt.
func flightKey(addr string, secret []byte) string {
	return addr + "\x00" + string(secret)
}

func (c *Client) sync(ctx context.Context, secret []byte, addr string) (Result, error) {
	s, err := dial(ctx, addr, secret, &c.opts, c.limit)
	if err != nil {
		return Result{}, err
	}
	defer s.close()
	records, err := s.index(c.opts.MaxIndexSize)
	if err != nil {
		return Result{}, err
	}

	res := Result{Chunks: len(records)}
	mirror := make(map[uint64]entry, len(records))
	keep := make(map[string]bool, len(records))
	for i, r := range records {
		name := chunk.FileName(r.Version, r.Hash)
		path := filepath.Join(c.dir, name)
		if utils.Exists(path) {
			res.Reused++
		} else {
			logger.Infof("retrieving %016x", r.Version)
			if err = c.retrieve(s, r, path); err != nil {
				return res, &SyncError{Op: "fetch", Version: r.Version, Err: err}
			}
			res.Fetched++
			res.Bytes += int64(r.Size)
		}
		mirror[r.Version] = entry{file: path, size: r.Size}
		keep[name] = true
		if r.Version > res.Latest {
			res.Latest = r.Version
		}
		if c.opts.Progress != nil {
			c.opts.Progress(i+1, len(records))
		}
	}
	res.Removed = c.collect(keep)

	c.mu.Lock()
	c.mirror = mirror
	c.latest = res.Latest
	c.mu.Unlock()
	return res, nil
}

// retrieve downloads one chunk into a private temporary file and moves it
// into place only if its hash matches the index.
func (c *Client) retrieve(s *session, r protocol.IndexRecord, path string) error {
	tmp := filepath.Join(c.dir, chunk.TransferPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	sum, err := s.fetch(r.Version, f, r.Size, r.Size)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if sum != r.Hash {
		return errors.Wrapf(ErrHashMismatch, "got %s, want %s", sum, r.Hash)
	}
	return atomic.ReplaceFile(tmp, path)
}

// collect removes local chunk files not in keep.
func (c *Client) collect(keep map[string]bool) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		logger.Warnf("list %s: %s", c.dir, err)
		return 0
	}
	var removed int
	for _, e := range entries {
		name := e.Name()
		if !chunk.IsChunkFile(name) || keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			logger.Warnf("remove %s: %s", name, err)
			continue
		}
		logger.Infof("removing %s", name)
		removed++
	}
	return removed
}

// Latest returns the latest version seen by the last successful sync.
func (c *Client) Latest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Versions returns the versions of the current mirror in ascending order.
func (c *Client) Versions() []uint64 {
	c.mu.Lock()
	versions := make([]uint64, 0, len(c.mirror))
	for v := range c.mirror {
		versions = append(versions, v)
	}
	c.mu.Unlock()
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// Materialize makes target a hard link to the chunk of version. It returns
// false if the last sync did not see version. Relative targets are
// resolved against the chunk directory.
func (c *Client) Materialize(version uint64, target string) (bool, error) {
	c.mu.Lock()
	e, ok := c.mirror[version]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(c.dir, target)
	}
	if src, err := os.Stat(e.file); err == nil {
		if dst, err := os.Stat(target); err == nil && os.SameFile(src, dst) {
			logger.Debugf("already linked %d", version)
			return true, nil
		}
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	logger.Infof("linking %d=>%s", version, target)
	if err := os.Link(e.file, target); err != nil {
		return false, err
	}
	return true, nil
}
