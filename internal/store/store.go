// Package store provides crash-safe JSON state persistence with file locking.
//
// Every state file the agent owns (positions, daily P&L, kill switch, exit
// plans, caches) goes through this store. Writes go to a tempfile in the
// target directory, are flushed, then renamed over the destination so a file
// is never observable in a partial state. An exclusive flock is held across
// the write and a shared flock across reads, making the store the single
// cross-process synchronization point: external tools reading state files
// under a shared lock can never observe a torn write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotExist reports that the requested state file has never been written.
// Callers distinguish "no state yet" from corruption: the former is a normal
// first-run condition, the latter is surfaced as a hard error.
var ErrNotExist = errors.New("store: state file does not exist")

// IsNotExist reports whether err is the missing-state-file condition.
func IsNotExist(err error) bool { return errors.Is(err, ErrNotExist) }

// Store reads and writes JSON state files rooted at a single directory.
// All operations are mutex-protected in-process and flock-protected across
// processes.
type Store struct {
	root string
	mu   sync.Mutex // serializes in-process file operations
}

// Open creates a store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the directory this store is rooted at.
func (s *Store) Root() string { return s.root }

// Path resolves a state file name relative to the store root.
func (s *Store) Path(name string) string { return filepath.Join(s.root, name) }

// Save atomically persists v as JSON to name. The tempfile lives in the
// target directory so the final rename stays on one filesystem.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("tempfile for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := unix.Flock(int(tmp.Fd()), unix.LOCK_EX); err != nil {
		tmp.Close()
		return fmt.Errorf("lock %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil { // releases the flock
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Load reads name into v under a shared lock. Returns ErrNotExist when the
// file has never been written; corrupt JSON is a hard error.
func (s *Store) Load(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// LoadOptional reads name into v, treating both a missing file and corrupt
// JSON as "no value" (ok=false). Used for advisory state like threshold
// caches where a bad hint must degrade to the slow path, never block a cycle.
func (s *Store) LoadOptional(name string, v any) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked(name)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil // corrupt hint: discard silently
	}
	return true, nil
}

// Exists reports whether the state file has been written.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Delete removes a state file. Deleting a file that does not exist is not
// an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// readLocked reads the raw bytes of name under a shared flock.
// Callers must hold s.mu.
func (s *Store) readLocked(name string) ([]byte, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("shared lock %s: %w", name, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
