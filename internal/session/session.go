// Package session owns the single opaque session identifier that correlates
// every backend request from one workspace.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/KaramelBytes/dida-cli/internal/logger"
	"github.com/KaramelBytes/dida-cli/internal/utils"
)

const (
	fileName = "session_id"
	cacheKey = "session_id"
)

// Store persists the session identifier.
type Store interface {
	Load() (string, error)
	Save(id string) error
	Clear() error
}

// ErrNotFound is returned by Store.Load when no identifier has been stored yet.
var ErrNotFound = errors.New("session id not found")

// FileStore keeps the identifier in <dir>/session_id.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore { return &FileStore{dir: dir} }

func (s *FileStore) path() string { return filepath.Join(s.dir, fileName) }

func (s *FileStore) Load() (string, error) {
	b, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read session id: %w", err)
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *FileStore) Save(id string) error {
	if s.dir == "" {
		return errors.New("session dir not set")
	}
	return utils.SafeWriteFile(s.path(), []byte(id+"\n"))
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session id: %w", err)
	}
	return nil
}

// MemoryStore holds the identifier for the life of the process only.
type MemoryStore struct {
	c *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStore) Load() (string, error) {
	if v, ok := s.c.Get(cacheKey); ok {
		return v.(string), nil
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Save(id string) error {
	s.c.Set(cacheKey, id, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.c.Delete(cacheKey)
	return nil
}

// Identity hands out the workspace session id. The first GetOrCreate generates
// a random UUID and persists it; later calls return the same value. If the
// primary store fails, the id lives in memory for the rest of the process and
// Persistent reports false.
type Identity struct {
	mu       sync.Mutex
	primary  Store
	fallback *MemoryStore
	degraded bool
	log      logger.Logger
}

func NewIdentity(store Store, log logger.Logger) *Identity {
	if log == nil {
		log = logger.Nop()
	}
	return &Identity{primary: store, fallback: NewMemoryStore(), log: log}
}

// GetOrCreate returns the session id, generating one on first use.
func (i *Identity) GetOrCreate() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if id, err := i.fallback.Load(); err == nil {
		return id
	}
	if !i.degraded && i.primary != nil {
		id, err := i.primary.Load()
		if err == nil {
			_ = i.fallback.Save(id)
			return id
		}
		if !errors.Is(err, ErrNotFound) {
			i.degrade(err)
		}
	}
	id := uuid.NewString()
	if !i.degraded && i.primary != nil {
		if err := i.primary.Save(id); err != nil {
			i.degrade(err)
		}
	}
	_ = i.fallback.Save(id)
	return id
}

// Persistent reports whether the id survives a process restart.
func (i *Identity) Persistent() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.primary != nil && !i.degraded
}

// Reset forgets the id; the next GetOrCreate issues a new one.
func (i *Identity) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_ = i.fallback.Clear()
	if i.primary == nil || i.degraded {
		return nil
	}
	return i.primary.Clear()
}

func (i *Identity) degrade(err error) {
	i.degraded = true
	i.log.Warn("session", "session store unavailable, keeping id in memory", map[string]any{"error": err.Error()})
}
