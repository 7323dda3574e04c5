package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fatoverlay/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	logger = logging.GetLogger().WithPrefix("state")
)

const (
	// SessionFile is the name of the JSON session record
	SessionFile = "session.json"

	backupDirName      = "backups"
	defaultBackupCount = 5
)

// Manager writes and reads checkpoint files inside a single state directory.
// Every write goes to a temporary file that is renamed over the target, so a
// reader sees either the old or the new content.
type Manager struct {
	fs          afero.Fs
	stateDir    string
	backupDir   string
	backupCount int
	mu          sync.Mutex
}

// NewManager creates a manager rooted at stateDir, creating the directory
// and its backup directory if needed. backupCount <= 0 selects the default.
func NewManager(fs afero.Fs, stateDir string, backupCount int) (*Manager, error) {
	logger.Debug("Creating new state manager in: %s", stateDir)

	if backupCount <= 0 {
		backupCount = defaultBackupCount
	}

	if err := fs.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	backupDir := filepath.Join(stateDir, backupDirName)
	if err := fs.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}

	logger.Debug("State manager initialization complete")
	return &Manager{
		fs:          fs,
		stateDir:    stateDir,
		backupDir:   backupDir,
		backupCount: backupCount,
	}, nil
}

// Dir returns the state directory.
func (sm *Manager) Dir() string {
	return sm.stateDir
}

// ReadBlob returns the content of a checkpoint file. A missing file yields
// an error satisfying errors.Is(err, os.ErrNotExist).
func (sm *Manager) ReadBlob(name string) ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := afero.ReadFile(sm.fs, filepath.Join(sm.stateDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	logger.Trace("Read %d bytes from %s", len(data), name)
	return data, nil
}

// WriteBlob atomically replaces a checkpoint file, keeping a backup of the
// previous content.
func (sm *Manager) WriteBlob(name string, data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if backupErr := sm.createBackup(name); backupErr != nil {
		logger.Warn("Failed to create backup of %s: %v", name, backupErr)
		// Continue with save even if backup fails
	}

	return sm.writeAtomic(name, data)
}

func (sm *Manager) writeAtomic(name string, data []byte) error {
	target := filepath.Join(sm.stateDir, name)
	tmp := filepath.Join(sm.stateDir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))

	logger.Trace("Writing %d bytes to %s via %s", len(data), target, tmp)
	if err := afero.WriteFile(sm.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := sm.fs.Rename(tmp, target); err != nil {
		_ = sm.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	// Verify the write
	info, err := sm.fs.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", name, err)
	}
	if info.Size() != int64(len(data)) {
		return fmt.Errorf("%s is %d bytes after write, expected %d", name, info.Size(), len(data))
	}
	return nil
}

// LoadSession reads the session record. A missing or unparsable record is
// not an error: nil is returned and the caller starts a fresh session.
func (sm *Manager) LoadSession() *Session {
	data, err := sm.ReadBlob(SessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Ignoring unreadable session: %v", err)
		}
		return nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn("Ignoring corrupt session record: %v", err)
		return nil
	}
	logger.Debug("Session loaded: current path %q", s.CurrentPath)
	return &s
}

// SaveSession writes the session record.
func (sm *Manager) SaveSession(s *Session) error {
	s.Version = SessionVersion
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.writeAtomic(SessionFile, data)
}

// createBackup creates a timestamped backup of the current content of name
func (sm *Manager) createBackup(name string) error {
	data, err := afero.ReadFile(sm.fs, filepath.Join(sm.stateDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	timestamp := time.Now().UTC().Format("20060102-150405.000000000")
	backupPath := filepath.Join(sm.backupDir, fmt.Sprintf("%s-%s", name, timestamp))

	logger.Trace("Creating backup: %s", backupPath)
	if err := afero.WriteFile(sm.fs, backupPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return sm.cleanupOldBackups(name)
}

// Backups lists the backup files of name, newest first.
func (sm *Manager) Backups(name string) ([]string, error) {
	entries, err := afero.ReadDir(sm.fs, sm.backupDir)
	if err != nil {
		return nil, err
	}

	type backup struct {
		path    string
		modTime time.Time
	}

	backups := make([]backup, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), name+"-") {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(sm.backupDir, entry.Name()),
			modTime: entry.ModTime(),
		})
	}

	// Sort by modification time, newest first; the timestamped names
	// break ties when the clock is coarse.
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].path > backups[j].path
		}
		return backups[i].modTime.After(backups[j].modTime)
	})

	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths, nil
}

// cleanupOldBackups removes old backups of name, keeping only the most recent ones
func (sm *Manager) cleanupOldBackups(name string) error {
	backups, err := sm.Backups(name)
	if err != nil {
		return err
	}

	for i := sm.backupCount; i < len(backups); i++ {
		logger.Trace("Removing old backup: %s", backups[i])
		if err := sm.fs.Remove(backups[i]); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i], err)
		}
	}

	return nil
}
