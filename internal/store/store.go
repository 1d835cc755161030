package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"feedsplit/internal/log"
)

// Outcome is the result of a Put.
type Outcome int

const (
	// Written means no record existed at the key and content was stored.
	Written Outcome = iota
	// AlreadyIdentical means a record for the same id was already stored.
	AlreadyIdentical
	// CollisionSkipped means a different id already owns the hash; nothing
	// was written.
	CollisionSkipped
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case AlreadyIdentical:
		return "already_identical"
	case CollisionSkipped:
		return "collision_skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

const recordExt = ".json"

// ErrNotFound is returned by Lookup when no record exists at the id's hash.
var ErrNotFound = errors.New("record not found")

// CollisionError reports two distinct ids sharing a hash.
type CollisionError struct {
	Namespace   string
	Hash        string
	StoredID    string
	RequestedID string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("hash collision in %s: %s is stored for %q, requested %q",
		e.Namespace, e.Hash, e.StoredID, e.RequestedID)
}

// HashFunc maps a raw id to a fixed-width, filesystem-safe key.
type HashFunc func(id string) string

// Hash is the default HashFunc: lowercase hex SHA-1.
func Hash(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Store persists JSON records under root/<namespace>/<hash>.json with
// write-once-by-hash semantics. It is safe for concurrent use; writes to the
// same key are serialized.
type Store struct {
	root  string
	hash  HashFunc
	log   *log.Logger
	locks keyedMutex

	mu      sync.Mutex
	indexes map[string]*Index
}

type Option func(*Store)

// WithHash replaces the hash function (tests use it to force collisions).
func WithHash(h HashFunc) Option {
	return func(s *Store) {
		s.hash = h
	}
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string, logger *log.Logger, opts ...Option) *Store {
	s := &Store{
		root:    dir,
		hash:    Hash,
		log:     logger,
		indexes: make(map[string]*Index),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// Key returns the file name a record for id is stored under.
func (s *Store) Key(id string) string {
	return s.hash(id) + recordExt
}

// Path returns the full path a record for id is stored under.
func (s *Store) Path(namespace, id string) string {
	return filepath.Join(s.root, filepath.FromSlash(namespace), s.Key(id))
}

// Put stores content for id unless a record already sits at the id's hash.
// The existing record's "id" attribute decides between AlreadyIdentical and
// CollisionSkipped; a collision is logged and is not an error.
func (s *Store) Put(namespace, id string, content []byte) (Outcome, error) {
	if id == "" {
		return 0, errors.New("store: empty id")
	}
	path := s.Path(namespace, id)

	unlock := s.locks.lock(path)
	defer unlock()

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		stored, err := storedID(existing)
		if err != nil {
			return 0, errors.Wrapf(err, "store: read id of %s", path)
		}
		if stored == id {
			return AlreadyIdentical, nil
		}
		s.log.Warn("hash collision, write skipped",
			"namespace", namespace,
			"hash", s.hash(id),
			"stored_id", stored,
			"incoming_id", id,
		)
		return CollisionSkipped, nil
	case !errors.Is(err, fs.ErrNotExist):
		return 0, errors.Wrapf(err, "store: stat %s", path)
	}

	if err := writeAtomic(path, content); err != nil {
		return 0, errors.Wrapf(err, "store: write %s", path)
	}
	return Written, nil
}

// Exists reports whether any record occupies the id's hash.
func (s *Store) Exists(namespace, id string) (bool, error) {
	_, err := os.Stat(s.Path(namespace, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Lookup decodes the record stored for id into v. It returns ErrNotFound if
// nothing is stored and a *CollisionError if the hash belongs to another id.
func (s *Store) Lookup(namespace, id string, v any) error {
	data, err := os.ReadFile(s.Path(namespace, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return errors.WithStack(err)
	}
	stored, err := storedID(data)
	if err != nil {
		return errors.Wrapf(err, "store: read id of %s", s.Path(namespace, id))
	}
	if stored != id {
		return &CollisionError{
			Namespace:   namespace,
			Hash:        s.hash(id),
			StoredID:    stored,
			RequestedID: id,
		}
	}
	return json.Unmarshal(data, v)
}

// ReadKey decodes the record stored under a listing key (a "<hash>.json"
// file name) without an id check.
func (s *Store) ReadKey(namespace, key string, v any) error {
	if strings.ContainsAny(key, `/\`) {
		return errors.Errorf("store: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(namespace), key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return errors.WithStack(err)
	}
	return json.Unmarshal(data, v)
}

// Count returns the number of records stored in a namespace.
func (s *Store) Count(namespace string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(namespace)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), recordExt) && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n, nil
}

// Index returns the listing for a namespace. The same *Index is returned for
// the same namespace.
func (s *Store) Index(namespace string) *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indexes[namespace]
	if !ok {
		ix = newIndex(filepath.Join(s.root, filepath.FromSlash(namespace), IndexFileName))
		s.indexes[namespace] = ix
	}
	return ix
}

func storedID(data []byte) (string, error) {
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// writeAtomic writes via a temp file in the same directory and a rename, so
// a reader never sees a partial record.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".feedsplit-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
