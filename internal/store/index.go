package store

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// IndexFileName is the per-namespace listing file.
const IndexFileName = "index.txt"

// Index is an append-only listing of record keys, one per line. Adding a
// key that is already listed is a no-op.
type Index struct {
	path string

	mu     sync.Mutex
	loaded bool
	keys   []string
	seen   map[string]bool
}

func newIndex(path string) *Index {
	return &Index{path: path}
}

// Path returns the listing file's location.
func (ix *Index) Path() string {
	return ix.path
}

// Add appends key unless it is already listed. It reports whether a line
// was written.
func (ix *Index) Add(key string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.loadLocked(); err != nil {
		return false, err
	}
	if ix.seen[key] {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return false, errors.WithStack(err)
	}
	f, err := os.OpenFile(ix.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		f.Close()
		return false, errors.Wrapf(err, "append to %s", ix.path)
	}
	if err := f.Close(); err != nil {
		return false, errors.WithStack(err)
	}

	ix.seen[key] = true
	ix.keys = append(ix.keys, key)
	return true, nil
}

// Contains reports whether key is listed.
func (ix *Index) Contains(key string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.loadLocked(); err != nil {
		return false, err
	}
	return ix.seen[key], nil
}

// Keys returns the listed keys in append order.
func (ix *Index) Keys() ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]string, len(ix.keys))
	copy(out, ix.keys)
	return out, nil
}

func (ix *Index) loadLocked() error {
	if ix.loaded {
		return nil
	}
	ix.seen = make(map[string]bool)
	ix.keys = nil

	data, err := os.ReadFile(ix.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "read %s", ix.path)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key := string(bytes.TrimSpace(sc.Bytes()))
		if key == "" || ix.seen[key] {
			continue
		}
		ix.seen[key] = true
		ix.keys = append(ix.keys, key)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", ix.path)
	}
	ix.loaded = true
	return nil
}
