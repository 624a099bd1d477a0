// Package credstore caches bot credential records in memory with a JSON
// snapshot on disk. The operator backend owns the data; the snapshot only
// survives restarts and is replaced wholesale on sync.
package credstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/logging"
)

// snapshot is the on-disk JSON structure.
type snapshot struct {
	Bots      map[string]auth.Record `json:"bots"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Store persists the credential cache snapshot.
// Thread-safe; all file operations are serialized.
type Store struct {
	path string
	mu   sync.Mutex
	log  *slog.Logger

	// lastSave lets the watcher ignore self-triggered file events
	lastSave time.Time
}

// New creates a store at path, creating the parent directory with owner-only
// permissions and cleaning up temp files left by a previous crash.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	s := &Store{
		path: path,
		log:  logging.ForComponent(logging.CompStore),
	}

	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); err == nil {
		if err := os.Remove(tmpPath); err != nil {
			s.log.Warn("failed to clean up temp file", "path", tmpPath, "err", err)
		}
	}
	return s, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty map.
func (s *Store) Load() (map[string]auth.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]auth.Record{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Bots == nil {
		snap.Bots = map[string]auth.Record{}
	}
	return snap.Bots, nil
}

// Save atomically replaces the snapshot: write temp, fsync, rename.
func (s *Store) Save(bots map[string]auth.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		Bots:      bots,
		UpdatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.lastSave = time.Now()
	return nil
}

// savedRecently reports whether a Save happened within the window; used by
// the watcher to skip self-triggered events.
func (s *Store) savedRecently(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSave) < window
}
