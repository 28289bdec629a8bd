// Package session holds the ticket/CSRF credential pair issued at login and
// mirrors it to a JSON file so the CLI and the server share one login.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// Auth is the credential pair required on every call after login.
type Auth struct {
	Ticket    string `json:"ticket"`
	CSRFToken string `json:"csrf_token"`
}

// Valid reports whether both halves of the pair are present.
func (a Auth) Valid() bool {
	return a.Ticket != "" && a.CSRFToken != ""
}

// Store persists an Auth as JSON. Reads and writes hold an flock on
// path+".lock" so concurrent processes never see a half-written file.
type Store struct {
	path string
}

// NewStore creates a Store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the data file path.
func (s *Store) Path() string { return s.path }

// Load reads the stored pair. A missing file yields a zero Auth and no error.
func (s *Store) Load(ctx context.Context) (Auth, error) {
	var a Auth
	err := s.withLock(ctx, func() error {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.path, err)
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("parse %s: %w", s.path, err)
		}
		return nil
	})
	return a, err
}

// Save writes the pair atomically with 0600 permissions.
func (s *Store) Save(ctx context.Context, a Auth) error {
	return s.withLock(ctx, func() error {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		defer func() { _ = os.Remove(tmp.Name()) }()
		if _, err := tmp.Write(raw); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write %s: %w", tmp.Name(), err)
		}
		if err := tmp.Chmod(0o600); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close %s: %w", tmp.Name(), err)
		}
		if err := os.Rename(tmp.Name(), s.path); err != nil {
			return fmt.Errorf("rename to %s: %w", s.path, err)
		}
		return nil
	})
}

// Clear removes the stored pair. Clearing a missing file is not an error.
func (s *Store) Clear(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", s.path, err)
		}
		return nil
	})
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	fl := flock.New(s.path + ".lock")
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", fl.Path(), ctx.Err())
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// Holder is the in-memory copy of the current pair, safe for concurrent use.
type Holder struct {
	mu   sync.RWMutex
	auth Auth
}

// Get returns the current pair.
func (h *Holder) Get() Auth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.auth
}

// Set replaces the current pair.
func (h *Holder) Set(a Auth) {
	h.mu.Lock()
	h.auth = a
	h.mu.Unlock()
}
