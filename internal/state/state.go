// Package state provides the on-disk JSON persistence layer shared by the
// router's components. Each component owns a single document file inside the
// process data directory; writes are whole-file and synchronous.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data directory, used by tests and scripted runs.
const EnvDataDir = "OPENCLAW_DATA_DIR"

// Well-known document file names inside the data directory.
const (
	FileLedger        = "ledger.json"
	FileRateGovernor  = "rate-governor-state.json"
	FileBreaker       = "circuit-breaker-state.json"
	FileRecentTasks   = "recent-tasks.json"
	FileQueue         = "queue-state.json"
	FileActiveContext = "active-context.json"
	FileHealth        = "backend-health.json"
	FilePendingPlans  = "pending-plans.json"
	FileModelRegistry = "model-registry-state.json"
	FileRefineQueue   = "refinement-queue.json"
	FileShadowDB      = "shadow-bench.db"
)

// Dir resolves the data directory, creating it if necessary.
// Resolution order: OPENCLAW_DATA_DIR, then ~/.openclaw/data.
func Dir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create data directory: %w", err)
		}
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".openclaw", "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// Store reads and writes JSON documents in a data directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the absolute path of a document file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load decodes the named document into v. A missing file is not an error;
// v is left untouched and Load returns false.
func (s *Store) Load(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

// Save encodes v and rewrites the named document in place.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := os.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named document. Missing files are ignored.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}
