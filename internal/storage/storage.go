// Package storage is the persistent key/value layer shared by the session, relay and
// provider. Keys are namespaced per relay origin the way browser local storage was.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/securefile"
)

// KeyValueStore is what components read and write.
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
	Clear() error
}

// Backend is a flat key space shared by every scope.
type Backend interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
	Keys() []string
}

// Scoped prefixes every key with "-walletlink:<scope>:". Clear only removes keys of
// its own scope.
type Scoped struct {
	backend Backend
	prefix  string
}

func NewScoped(backend Backend, scope string) *Scoped {
	if scope == "" {
		scope = constants.DefaultScope
	}
	return &Scoped{backend: backend, prefix: fmt.Sprintf("%s:%s:", constants.StoragePrefix, scope)}
}

func (s *Scoped) Get(key string) (string, bool) { return s.backend.Get(s.prefix + key) }

func (s *Scoped) Set(key, value string) error { return s.backend.Set(s.prefix+key, value) }

func (s *Scoped) Remove(key string) error { return s.backend.Remove(s.prefix + key) }

func (s *Scoped) Clear() error {
	for _, k := range s.backend.Keys() {
		if !strings.HasPrefix(k, s.prefix) {
			continue
		}
		if err := s.backend.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// Memory is an in-process Backend.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemory() *Memory {
	return &Memory{items: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fileData struct {
	Schema int               `json:"schema"`
	Items  map[string]string `json:"items"`
}

// File is a Backend sealed on disk with securefile. Every mutation rewrites the file.
type File struct {
	mu     sync.Mutex
	path   string
	sealer *securefile.Sealer
	mem    *Memory
}

// OpenFile loads path with passphrase, or prepares an empty store when the file does
// not exist yet.
func OpenFile(path string, passphrase []byte, opt ...securefile.Options) (*File, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("store passphrase must not be empty")
	}
	o := securefile.Options{AAD: []byte(constants.StoreAAD)}
	if len(opt) > 0 {
		o = opt[0]
		if o.AAD == nil {
			o.AAD = []byte(constants.StoreAAD)
		}
	}

	f := &File{path: path, mem: NewMemory()}

	data, sealer, err := securefile.ReadEncryptedJSON[fileData](path, passphrase, o)
	switch {
	case err == nil:
		f.sealer = sealer
		for k, v := range data.Items {
			f.mem.items[k] = v
		}
	case errors.Is(err, os.ErrNotExist):
		sealer, err = securefile.NewSealer(passphrase, o)
		if err != nil {
			return nil, err
		}
		f.sealer = sealer
	default:
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Get(key string) (string, bool) { return f.mem.Get(key) }

func (f *File) Keys() []string { return f.mem.Keys() }

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.mem.Set(key, value)
	return f.persist()
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mem.Get(key); !ok {
		return nil
	}
	_ = f.mem.Remove(key)
	return f.persist()
}

func (f *File) persist() error {
	f.mem.mu.RLock()
	items := make(map[string]string, len(f.mem.items))
	for k, v := range f.mem.items {
		items[k] = v
	}
	f.mem.mu.RUnlock()

	if err := f.sealer.WriteJSON(f.path, fileData{Schema: constants.SchemaV1, Items: items}); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	return nil
}
