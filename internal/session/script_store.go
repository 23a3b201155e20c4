package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/DukeRupert/storefront/internal/domain"
)

// =============================================================================
// Script-Readable Store
// =============================================================================

// KeyValue is a plain string store, the equivalent of browser local storage.
//
// GetAll and Set operate on several keys at once so a reader never observes
// half of a write.
type KeyValue interface {
	GetAll(keys ...string) (map[string]string, error)
	Set(values map[string]string) error
	Delete(keys ...string) error
}

// ScriptReadableStore keeps both tokens in a KeyValue that any code sharing
// it can read.
//
// TRUST BOUNDARY: this store is materially weaker than CookieStore. Anything
// able to read the backing KeyValue (page script, another process with
// access to the file) can exfiltrate the refresh credential and mint new
// sessions for up to seven days. It exists only for the client interceptor;
// browser-originated calls should go through the gateway instead.
type ScriptReadableStore struct {
	kv KeyValue
}

// NewScriptReadableStore wraps a KeyValue as a credential store.
func NewScriptReadableStore(kv KeyValue) *ScriptReadableStore {
	return &ScriptReadableStore{kv: kv}
}

// Get returns the stored session, or nil when neither token is stored. Both
// tokens come from one snapshot of the KeyValue.
func (s *ScriptReadableStore) Get(ctx context.Context) (*domain.Session, error) {
	values, err := s.kv.GetAll(AccessCookieName, RefreshCookieName)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	access, refresh := values[AccessCookieName], values[RefreshCookieName]
	if access == "" && refresh == "" {
		return nil, nil
	}
	return &domain.Session{AccessToken: access, RefreshToken: refresh}, nil
}

// Set replaces both tokens in a single write.
func (s *ScriptReadableStore) Set(ctx context.Context, sess domain.Session) error {
	if err := s.kv.Set(map[string]string{
		AccessCookieName:  sess.AccessToken,
		RefreshCookieName: sess.RefreshToken,
	}); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Clear removes both tokens.
func (s *ScriptReadableStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(AccessCookieName, RefreshCookieName); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// =============================================================================
// Memory KeyValue
// =============================================================================

// MemoryKV is an in-process KeyValue.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty in-memory KeyValue.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) GetAll(keys ...string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pick(m.values, keys), nil
}

func (m *MemoryKV) Set(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		if v == "" {
			delete(m.values, k)
			continue
		}
		m.values[k] = v
	}
	return nil
}

func (m *MemoryKV) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// =============================================================================
// File KeyValue
// =============================================================================

// FileKV persists values as a JSON object in a single file with 0600
// permissions. Every write rewrites the whole file through a rename.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV creates a file-backed KeyValue. The file is created lazily.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) GetAll(keys ...string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return nil, err
	}
	return pick(values, keys), nil
}

func (f *FileKV) Set(values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range values {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return f.save(current)
}

func (f *FileKV) Delete(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(current, k)
	}
	return f.save(current)
}

func (f *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *FileKV) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// pick copies the present keys out of values.
func pick(values map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}
