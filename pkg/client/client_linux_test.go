// pkg/client/client_linux_test.go

package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PeerSync/pkg/chunk"
	"PeerSync/pkg/pairing"
	"PeerSync/pkg/protocol"
	"PeerSync/pkg/server"
)

var secret = []byte("pairing secret")

func serve(t *testing.T, h server.Handler) string {
	t.Helper()
	l, err := server.Listen("127.0.0.1:0", h, protocol.RequestSize)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func serveStore(t *testing.T) (*chunk.Store, string) {
	t.Helper()
	store, err := chunk.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	provider, err := pairing.NewStatic(secret, nil)
	require.NoError(t, err)
	return store, serve(t, server.NewChunkServer(store, provider))
}

func publish(t *testing.T, store *chunk.Store, name, content string) chunk.Info {
	t.Helper()
	info, err := store.PublishReader(name, strings.NewReader(content))
	require.NoError(t, err)
	return info
}

func openClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return c
}

func localFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// fixedHandler serves a hand made index and bodies, declaring sizes[v]
// (or the body length) for each chunk.
type fixedHandler struct {
	records []protocol.IndexRecord
	bodies  map[uint64][]byte
	sizes   map[uint64]uint32
}

func (h *fixedHandler) AcceptPeer(net.Addr) []byte { return secret }
func (h *fixedHandler) Shutdown()                  {}

func (h *fixedHandler) HandleRequest(req []byte) server.Response {
	version := protocol.DecodeRequest(req)
	var body []byte
	if version == protocol.IndexVersion {
		body = protocol.EncodeIndex(h.records)
	} else {
		body = h.bodies[version]
	}
	size := uint32(len(body))
	if s, ok := h.sizes[version]; ok {
		size = s
		body = append(body, make([]byte, int(s)-len(body))...)[:s]
	}
	return server.Response{Label: protocol.Label(version), Size: size, Body: io.NopCloser(bytes.NewReader(body))}
}

func TestSyncRoundTrip(t *testing.T) {
	store, addr := serveStore(t)
	a := publish(t, store, "a", "alpha")
	b := publish(t, store, "b", "bravo!")

	var calls int
	c := openClient(t, Options{Progress: func(done, total int) {
		calls++
		assert.Equal(t, 2, total)
	}})
	res, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Latest)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, int64(11), res.Bytes)
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(2), c.Latest())
	assert.Equal(t, []uint64{1, 2}, c.Versions())

	for _, info := range []chunk.Info{a, b} {
		data, err := os.ReadFile(filepath.Join(c.Dir(), chunk.FileName(info.Version, info.Hash)))
		require.NoError(t, err)
		assert.Equal(t, protocol.Hash(sha256.Sum256(data)), info.Hash)
	}

	// nothing changed on the server, so nothing is fetched again
	res, err = c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 2, res.Reused)
	assert.Equal(t, 0, res.Removed)
}

func TestSyncCollectsGarbage(t *testing.T) {
	store, addr := serveStore(t)
	a := publish(t, store, "a", "alpha")
	publish(t, store, "b", "bravo")

	c := openClient(t, Options{})
	_, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)

	require.True(t, store.Delete("a"))
	res, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, uint64(2), res.Latest)
	assert.Equal(t, []uint64{2}, c.Versions())
	assert.NoFileExists(t, filepath.Join(c.Dir(), chunk.FileName(a.Version, a.Hash)))

	ok, err := c.Materialize(a.Version, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncEmptyIndex(t *testing.T) {
	_, addr := serveStore(t)
	c := openClient(t, Options{})
	res, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)
	assert.Zero(t, res.Latest)
	assert.Empty(t, c.Versions())
}

func TestSyncRejectsTamperedChunk(t *testing.T) {
	h := &fixedHandler{
		records: []protocol.IndexRecord{{Version: 1, Size: 4, Hash: sha256.Sum256([]byte("good"))}},
		bodies:  map[uint64][]byte{1: []byte("evil")},
	}
	addr := serve(t, h)
	c := openClient(t, Options{})

	_, err := c.Sync(context.Background(), secret, addr)
	require.Error(t, err)
	var serr *SyncError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "fetch", serr.Op)
	assert.Equal(t, uint64(1), serr.Version)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Empty(t, localFiles(t, c.Dir()))
	assert.Empty(t, c.Versions())
}

func TestSyncRejectsSizeMismatch(t *testing.T) {
	h := &fixedHandler{
		records: []protocol.IndexRecord{{Version: 1, Size: 4, Hash: sha256.Sum256([]byte("good"))}},
		bodies:  map[uint64][]byte{1: []byte("good")},
		sizes:   map[uint64]uint32{1: 5},
	}
	addr := serve(t, h)
	c := openClient(t, Options{})

	_, err := c.Sync(context.Background(), secret, addr)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Empty(t, localFiles(t, c.Dir()))
}

func TestSyncKeepsVerifiedChunks(t *testing.T) {
	h := &fixedHandler{
		records: []protocol.IndexRecord{
			{Version: 1, Size: 4, Hash: sha256.Sum256([]byte("good"))},
			{Version: 2, Size: 4, Hash: sha256.Sum256([]byte("fine"))},
		},
		bodies: map[uint64][]byte{1: []byte("good"), 2: []byte("evil")},
	}
	addr := serve(t, h)
	c := openClient(t, Options{})

	_, err := c.Sync(context.Background(), secret, addr)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, []string{chunk.FileName(1, h.records[0].Hash)}, localFiles(t, c.Dir()))
}

func TestSyncIndexBound(t *testing.T) {
	store, addr := serveStore(t)
	publish(t, store, "a", "alpha")
	publish(t, store, "b", "bravo")

	c := openClient(t, Options{MaxIndexSize: protocol.RecordSize})
	_, err := c.Sync(context.Background(), secret, addr)
	var serr *SyncError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "index", serr.Op)
	assert.ErrorIs(t, err, ErrIndexTooLarge)
}

func TestSyncMalformedIndex(t *testing.T) {
	h := &fixedHandler{sizes: map[uint64]uint32{protocol.IndexVersion: protocol.RecordSize + 1}}
	addr := serve(t, h)
	c := openClient(t, Options{})
	_, err := c.Sync(context.Background(), secret, addr)
	assert.ErrorIs(t, err, protocol.ErrShortIndex)
}

func TestSyncWrongSecret(t *testing.T) {
	store, addr := serveStore(t)
	publish(t, store, "a", "alpha")

	c := openClient(t, Options{})
	_, err := c.Sync(context.Background(), []byte("not the secret"), addr)
	var serr *SyncError
	assert.True(t, errors.As(err, &serr))
	assert.Empty(t, c.Versions())
}

func TestSyncConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := openClient(t, Options{})
	_, err = c.Sync(context.Background(), secret, addr)
	var serr *SyncError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "connect", serr.Op)
}

func TestMaterialize(t *testing.T) {
	store, addr := serveStore(t)
	info := publish(t, store, "a", "alpha")

	c := openClient(t, Options{})
	_, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)

	ok, err := c.Materialize(42, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	target := filepath.Join(t.TempDir(), "current")
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0644))
	ok, err = c.Materialize(info.Version, target)
	require.NoError(t, err)
	assert.True(t, ok)
	first, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), uint64(first.Sys().(*syscall.Stat_t).Nlink))

	// linking again leaves the existing link alone
	ok, err = c.Materialize(info.Version, target)
	require.NoError(t, err)
	assert.True(t, ok)
	second, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, os.SameFile(first, second))
	assert.Equal(t, first.Sys().(*syscall.Stat_t).Ino, second.Sys().(*syscall.Stat_t).Ino)
	assert.Equal(t, uint64(2), uint64(second.Sys().(*syscall.Stat_t).Nlink))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	src, err := os.Stat(filepath.Join(c.Dir(), chunk.FileName(info.Version, info.Hash)))
	require.NoError(t, err)
	dst, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, os.SameFile(src, dst))

	ok, err = c.Materialize(info.Version, "local")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(c.Dir(), "local"))
}

func TestLoad(t *testing.T) {
	store, addr := serveStore(t)
	publish(t, store, "a", "alpha")
	publish(t, store, "b", "bravo")

	c := openClient(t, Options{})
	_, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)

	again, err := Open(c.Dir(), Options{})
	require.NoError(t, err)
	n, err := again.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), again.Latest())
	assert.Equal(t, c.Versions(), again.Versions())
}

func TestOpenRemovesStaleTransfers(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, chunk.TransferPrefix+"stale")
	fresh := filepath.Join(dir, chunk.TransferPrefix+"fresh")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	old := time.Now().Add(-2 * staleTransferAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestSyncWithDownloadLimit(t *testing.T) {
	store, addr := serveStore(t)
	publish(t, store, "a", strings.Repeat("x", 64<<10))

	assert.Nil(t, newDownloadLimit(0))
	c := openClient(t, Options{DownloadLimit: 1 << 20})
	require.NotNil(t, c.limit)
	res, err := c.Sync(context.Background(), secret, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), res.Bytes)
}

func TestFetchIndex(t *testing.T) {
	store, addr := serveStore(t)
	a := publish(t, store, "a", "alpha")
	b := publish(t, store, "b", "bravo")

	records, err := FetchIndex(context.Background(), secret, addr, Options{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, protocol.IndexRecord{Version: a.Version, Size: a.Size, Hash: a.Hash}, records[0])
	assert.Equal(t, protocol.IndexRecord{Version: b.Version, Size: b.Size, Hash: b.Hash}, records[1])
}

// stallingServer accepts connections and answers every request with
// prefix, then goes silent until the test ends.
func stallingServer(t *testing.T, prefix []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req := make([]byte, protocol.RequestSize)
				if _, err := io.ReadFull(conn, req); err == nil && len(prefix) > 0 {
					_, _ = conn.Write(prefix)
				}
				<-done
			}()
		}
	}()
	return ln.Addr().String()
}

func TestSyncStalledServer(t *testing.T) {
	header, err := protocol.NewHeader(protocol.RecordSize)
	require.NoError(t, err)

	cases := []struct {
		name   string
		prefix []byte
	}{
		{"no header", nil},
		{"no body", header.Encode()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr := stallingServer(t, tc.prefix)
			c := openClient(t, Options{ReadTimeout: 200 * time.Millisecond})

			start := time.Now()
			_, err := c.Sync(context.Background(), secret, addr)
			elapsed := time.Since(start)

			var serr *SyncError
			require.True(t, errors.As(err, &serr), "%v", err)
			assert.Equal(t, "index", serr.Op)
			var nerr net.Error
			require.True(t, errors.As(err, &nerr))
			assert.True(t, nerr.Timeout())
			assert.Less(t, elapsed, 900*time.Millisecond)
		})
	}
}

func TestSyncCancelled(t *testing.T) {
	_, addr := serveStore(t)
	c := openClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Sync(ctx, secret, addr)
	assert.ErrorIs(t, err, context.Canceled)
}
