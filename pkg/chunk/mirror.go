// pkg/chunk/mirror.go

package chunk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type stamp struct {
	size  int64
	mtime time.Time
}

// Mirror publishes the regular files of a source directory into a store,
// one name per file, and deletes names whose file disappeared. It is the
// writer side of a server that serves a plain directory.
type Mirror struct {
	store  *Store
	source string
	seen   map[string]stamp
}

func NewMirror(store *Store, source string) *Mirror {
	return &Mirror{store: store, source: source, seen: make(map[string]stamp)}
}

// Scan publishes new or changed files and deletes removed ones. Per file
// failures are logged and retried on the next scan.
func (m *Mirror) Scan() (published, deleted int, err error) {
	entries, err := os.ReadDir(m.source)
	if err != nil {
		return 0, 0, err
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		present[name] = true
		st := stamp{fi.Size(), fi.ModTime()}
		if old, ok := m.seen[name]; ok && old == st {
			continue
		}
		info, err := m.store.PublishFile(name, filepath.Join(m.source, name))
		if err != nil {
			logger.Warnf("publish %s: %s", name, err)
			continue
		}
		logger.Infof("published %s as version %d", name, info.Version)
		m.seen[name] = st
		published++
	}
	for name := range m.seen {
		if present[name] {
			continue
		}
		if m.store.Delete(name) {
			logger.Infof("deleted %s", name)
			deleted++
		}
		delete(m.seen, name)
	}
	return published, deleted, nil
}

// Run scans every interval until ctx is done. A non-positive interval scans
// once and returns.
func (m *Mirror) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		if _, _, err := m.Scan(); err != nil {
			logger.Errorf("scan %s: %s", m.source, err)
		}
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := m.Scan(); err != nil {
			logger.Errorf("scan %s: %s", m.source, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
