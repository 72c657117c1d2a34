// pkg/chunk/store.go

package chunk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"PeerSync/pkg/protocol"
)

var (
	ErrNotFound = errors.New("chunk not found")
	ErrTooLarge = errors.New("chunk is larger than 4 GiB")
	ErrNoName   = errors.New("empty chunk name")
)

// Info describes a published chunk.
type Info struct {
	Name    string        `json:"name"`
	Version uint64        `json:"version"`
	Hash    protocol.Hash `json:"hash"`
	Size    uint32        `json:"size"`
	File    string        `json:"file"`
}

// Store maps names to content addressed, version tagged files in a
// directory. The mapping and the version counter live in memory; the
// directory is swept on Open, so a restarted store starts empty.
//
// Mutations may come from any goroutine. The lock is held only while
// renaming and updating the maps, never while hashing or copying data.
type Store struct {
	sync.Mutex
	dir      string
	dirLock  *flock.Flock
	version  uint64
	names    map[string]Info
	versions map[uint64]string
}

// Open takes exclusive ownership of dir and removes chunk and temporary
// files left by a previous process.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	fl := flock.New(filepath.Join(dir, LockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "flock %s", fl.Path())
	} else if !locked {
		return nil, fmt.Errorf("%s is used by another store (locking file %s)", dir, fl.Path())
	}
	s := &Store{
		dir:      dir,
		dirLock:  fl,
		names:    make(map[string]Info),
		versions: make(map[uint64]string),
	}
	if err = s.sweep(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return s, nil
}

// sweep removes every chunk file not referenced by a committed mapping and
// every temporary file.
func (s *Store) sweep() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "list %s", s.dir)
	}
	s.Lock()
	defer s.Unlock()
	for _, e := range entries {
		name := e.Name()
		if IsChunkFile(name) {
			if version, _, _ := ParseFileName(name); s.versions[version] != "" && s.names[s.versions[version]].File == name {
				continue
			}
		} else if !IsTempFile(name) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale %s", name)
		}
		logger.Debugf("removed stale %s", name)
	}
	return nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Version returns the latest committed version.
func (s *Store) Version() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.version
}

// Publish creates a writer for name, passes it to fn and commits the
// written content if fn succeeds. The temporary file is removed on every
// other path.
func (s *Store) Publish(name string, fn func(w *Writer) error) (Info, error) {
	w, err := s.NewWriter(name)
	if err != nil {
		return Info{}, err
	}
	defer w.Abort()
	if err = fn(w); err != nil {
		return Info{}, err
	}
	return w.Commit()
}

// PublishReader publishes the content of r under name.
func (s *Store) PublishReader(name string, r io.Reader) (Info, error) {
	return s.Publish(name, func(w *Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// PublishFile publishes the content of the file at path under name.
func (s *Store) PublishFile(name, path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return s.PublishReader(name, f)
}

// commit moves a fully written temporary file into place and binds name to
// it. On error the previous mapping of name is untouched.
func (s *Store) commit(name, tmp string, hash protocol.Hash, size uint32) (Info, error) {
	s.Lock()
	defer s.Unlock()

	version := s.version + 1
	info := Info{
		Name:    name,
		Version: version,
		Hash:    hash,
		Size:    size,
		File:    FileName(version, hash),
	}
	// Same file name means same version and content.
	if err := os.Rename(tmp, filepath.Join(s.dir, info.File)); err != nil && !os.IsExist(err) {
		return Info{}, errors.Wrapf(err, "commit %s", name)
	}
	s.drop(name)
	s.version = version
	s.names[name] = info
	s.versions[version] = name
	logger.Debugf("published %s as %016x (%d bytes)", name, version, size)
	return info, nil
}

// Delete removes name and its chunk file. It returns false if name is not
// published.
func (s *Store) Delete(name string) bool {
	s.Lock()
	defer s.Unlock()
	return s.drop(name)
}

// locked
func (s *Store) drop(name string) bool {
	info, ok := s.names[name]
	if !ok {
		return false
	}
	if err := os.Remove(filepath.Join(s.dir, info.File)); err != nil && !os.IsNotExist(err) {
		logger.Warnf("remove %s: %s", info.File, err)
	}
	delete(s.names, name)
	delete(s.versions, info.Version)
	return true
}

// Get returns the current mapping of name.
func (s *Store) Get(name string) (Info, bool) {
	s.Lock()
	defer s.Unlock()
	info, ok := s.names[name]
	return info, ok
}

// Entries returns all mappings ordered by name.
func (s *Store) Entries() []Info {
	s.Lock()
	infos := make([]Info, 0, len(s.names))
	for _, info := range s.names {
		infos = append(infos, info)
	}
	s.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// BuildIndex returns a consistent snapshot of all live chunks, ordered by
// version.
func (s *Store) BuildIndex() []protocol.IndexRecord {
	s.Lock()
	records := make([]protocol.IndexRecord, 0, len(s.names))
	for _, info := range s.names {
		records = append(records, protocol.IndexRecord{Version: info.Version, Size: info.Size, Hash: info.Hash})
	}
	s.Unlock()
	protocol.SortRecords(records)
	return records
}

// Lookup opens the chunk file of version. The file stays readable even if
// the chunk is superseded before the caller is done with it.
func (s *Store) Lookup(version uint64) (*os.File, uint32, error) {
	s.Lock()
	defer s.Unlock()
	name, ok := s.versions[version]
	if !ok {
		return nil, 0, ErrNotFound
	}
	info := s.names[name]
	f, err := os.Open(filepath.Join(s.dir, info.File))
	if err != nil {
		return nil, 0, err
	}
	return f, info.Size, nil
}

// Close releases the directory lock. Chunk files are left in place and
// removed by the next Open.
func (s *Store) Close() error {
	return s.dirLock.Unlock()
}
