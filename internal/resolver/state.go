package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// PersistedEndpoint is the single locally persisted address.
type PersistedEndpoint struct {
	URL     string        `json:"url"`
	Source  domain.Source `json:"source"`
	SavedAt time.Time     `json:"savedAt"`
}

// State stores the resolver's persisted address across sessions.
type State interface {
	Load() (PersistedEndpoint, bool, error)
	Save(PersistedEndpoint) error
	Clear() error
}

// MemoryState keeps the persisted address in memory.
type MemoryState struct {
	mu  sync.Mutex
	rec *PersistedEndpoint
}

func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

func (m *MemoryState) Load() (PersistedEndpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return PersistedEndpoint{}, false, nil
	}
	return *m.rec, true, nil
}

func (m *MemoryState) Save(rec PersistedEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

func (m *MemoryState) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// FileState persists the address as a JSON document readable only by the
// current user.
type FileState struct {
	mu   sync.Mutex
	path string
}

// DefaultStatePath returns ~/.tunnelrelay/endpoint.json.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".tunnelrelay", "endpoint.json"), nil
}

// NewFileState returns a FileState at path, or at [DefaultStatePath] when
// path is empty.
func NewFileState(path string) (*FileState, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileState{path: abs}, nil
}

func (f *FileState) Path() string {
	return f.path
}

func (f *FileState) Load() (PersistedEndpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return PersistedEndpoint{}, false, nil
	}
	if err != nil {
		return PersistedEndpoint{}, false, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return PersistedEndpoint{}, false, nil
	}
	var rec PersistedEndpoint
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PersistedEndpoint{}, false, fmt.Errorf("parse %s: %w", f.path, err)
	}
	rec.URL = strings.TrimSpace(rec.URL)
	if rec.URL == "" {
		return PersistedEndpoint{}, false, nil
	}
	return rec, true, nil
}

// Save writes rec atomically by renaming a temporary file over the target.
func (f *FileState) Save(rec PersistedEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".endpoint-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *FileState) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch calls fn whenever the state file is created, written, renamed or
// removed, until ctx ends. The parent directory is watched so atomic
// replacements are seen.
func (f *FileState) Watch(ctx context.Context, fn func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				fn()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", f.path, err)
		}
	}
}
