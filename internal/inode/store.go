package inode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/pathres"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	logger = logging.GetLogger().WithPrefix("inode")

	// ErrNoRecord indicates a virtual path that maps to no shadow record,
	// such as the mount root
	ErrNoRecord = errors.New("path has no inode record")
)

const (
	// DirName is the shadow tree directory under the real root
	DirName = "inode"

	// Suffix is appended to the mirrored file name of every record
	Suffix = ".inode"

	// DirSuffix is appended to every mirrored directory name, keeping
	// records and shadow directories apart: a directory named "x.inode"
	// never lands on the record of a file named "x".
	DirSuffix = ".d"
)

// Store reads and writes inode records under <RealRoot>/inode. The record
// for virtual path /root/a/b.txt lives at <RealRoot>/inode/a.d/b.txt.inode.
type Store struct {
	fs    afero.Fs
	mount *pathres.Mount
	root  string
}

// NewStore returns a store for the given mount.
func NewStore(fs afero.Fs, mount *pathres.Mount) *Store {
	return &Store{
		fs:    fs,
		mount: mount,
		root:  filepath.Join(mount.RealRoot, DirName),
	}
}

// Root returns the host directory holding the shadow tree.
func (s *Store) Root() string {
	return s.root
}

// shadow mirrors the segments of rel under the shadow root. Every segment
// but the last gets DirSuffix; the last gets leaf.
func (s *Store) shadow(rel, leaf string) string {
	if rel == "" {
		return s.root
	}
	parts := strings.Split(rel, pathres.Separator)
	for i := range parts[:len(parts)-1] {
		parts[i] += DirSuffix
	}
	parts[len(parts)-1] += leaf
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// ShadowDir returns the shadow directory mirroring a virtual directory.
func (s *Store) ShadowDir(virtual string) (string, error) {
	rel, err := s.mount.Rel(s.mount.Abs(virtual))
	if err != nil {
		return "", fmt.Errorf("%q: %w", virtual, err)
	}
	return s.shadow(rel, DirSuffix), nil
}

// ShadowPath returns the host path of the record for a virtual file path.
// It is a pure function of the simplified virtual path, and no two virtual
// paths share one.
func (s *Store) ShadowPath(virtual string) (string, error) {
	rel, err := s.mount.Rel(s.mount.Abs(virtual))
	if err != nil {
		return "", fmt.Errorf("%q: %w", virtual, err)
	}
	if rel == "" {
		return "", fmt.Errorf("%q: %w", virtual, ErrNoRecord)
	}
	return s.shadow(rel, Suffix), nil
}

// virtualOf maps a host path inside the shadow tree back to the virtual
// path it mirrors. It reports false for anything that is not a record.
func (s *Store) virtualOf(shadow string) (string, bool) {
	rel, err := filepath.Rel(s.root, shadow)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), pathres.Separator)
	last := len(parts) - 1
	for i, part := range parts {
		suffix := DirSuffix
		if i == last {
			suffix = Suffix
		}
		if !strings.HasSuffix(part, suffix) || len(part) == len(suffix) {
			return "", false
		}
		parts[i] = strings.TrimSuffix(part, suffix)
	}
	return pathres.Join(s.mount.VirtualRoot, strings.Join(parts, pathres.Separator)), true
}

// Save writes the record for virtual, replacing any previous one and
// creating intermediate shadow directories.
func (s *Store) Save(virtual string, n Inode) error {
	shadow, err := s.ShadowPath(virtual)
	if err != nil {
		return err
	}
	data, err := n.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding inode for %q: %w", virtual, err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(shadow), 0755); err != nil {
		return fmt.Errorf("creating shadow directory for %q: %w", virtual, err)
	}

	tmp := filepath.Join(filepath.Dir(shadow), "."+uuid.NewString()+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("writing inode for %q: %w", virtual, err)
	}
	if err := s.fs.Rename(tmp, shadow); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing inode for %q: %w", virtual, err)
	}

	logger.Trace("Saved %s for %q", n, virtual)
	return nil
}

// Load returns the record for virtual. An absent, truncated or unreadable
// record yields Zero; this never fails.
func (s *Store) Load(virtual string) Inode {
	shadow, err := s.ShadowPath(virtual)
	if err != nil {
		logger.Debug("No inode for %q: %v", virtual, err)
		return Zero()
	}

	data, err := afero.ReadFile(s.fs, shadow)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Cannot read inode for %q: %v", virtual, err)
		}
		return Zero()
	}

	var n Inode
	if err := n.UnmarshalBinary(data); err != nil {
		logger.Warn("Ignoring inode for %q: %v", virtual, err)
		return Zero()
	}
	return n
}

// Exists reports whether a record is stored for virtual.
func (s *Store) Exists(virtual string) bool {
	shadow, err := s.ShadowPath(virtual)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.fs, shadow)
	return ok
}

// Remove deletes the record for virtual. A missing record is not an error.
func (s *Store) Remove(virtual string) error {
	shadow, err := s.ShadowPath(virtual)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(shadow); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing inode for %q: %w", virtual, err)
	}
	logger.Trace("Removed inode for %q", virtual)
	return nil
}

// Rename moves the record of oldVirtual to newVirtual. It fails with an
// error satisfying errors.Is(err, os.ErrNotExist) when there is no record
// to move.
func (s *Store) Rename(oldVirtual, newVirtual string) error {
	oldShadow, err := s.ShadowPath(oldVirtual)
	if err != nil {
		return err
	}
	newShadow, err := s.ShadowPath(newVirtual)
	if err != nil {
		return err
	}
	return s.move(oldShadow, newShadow)
}

// RenameTree moves the shadow directory of a virtual directory. A directory
// without a shadow directory has nothing to move and succeeds.
func (s *Store) RenameTree(oldVirtual, newVirtual string) error {
	oldDir, err := s.ShadowDir(oldVirtual)
	if err != nil {
		return err
	}
	newDir, err := s.ShadowDir(newVirtual)
	if err != nil {
		return err
	}
	if ok, _ := afero.DirExists(s.fs, oldDir); !ok {
		return nil
	}
	if ok, _ := afero.Exists(s.fs, newDir); ok {
		return fmt.Errorf("moving shadow directory %s: %w", oldDir, os.ErrExist)
	}
	return s.move(oldDir, newDir)
}

func (s *Store) move(from, to string) error {
	if _, err := s.fs.Stat(from); err != nil {
		return fmt.Errorf("moving inode record %s: %w", from, err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("creating shadow directory %s: %w", filepath.Dir(to), err)
	}
	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("moving inode record %s: %w", from, err)
	}
	logger.Trace("Moved %s -> %s", from, to)
	return nil
}

// RemoveTree deletes the shadow directory of a virtual directory. Only a
// directory is ever removed; a missing one is not an error.
func (s *Store) RemoveTree(virtual string) error {
	dir, err := s.ShadowDir(virtual)
	if err != nil {
		return err
	}
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return nil
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing shadow directory for %q: %w", virtual, err)
	}
	return nil
}

// Walk calls fn for every record in the shadow tree with the virtual path
// the record belongs to. Unreadable records are passed as Zero.
func (s *Store) Walk(fn func(virtual string, n Inode) error) error {
	if ok, _ := afero.DirExists(s.fs, s.root); !ok {
		return nil
	}
	return afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warn("Error walking shadow path %q: %v", path, err)
			return nil
		}
		if info.IsDir() {
			if path != s.root && !strings.HasSuffix(info.Name(), DirSuffix) {
				logger.Debug("Skipping foreign shadow directory %q", path)
				return filepath.SkipDir
			}
			return nil
		}
		virtual, ok := s.virtualOf(path)
		if !ok {
			return nil
		}
		return fn(virtual, s.Load(virtual))
	})
}

// Wipe deletes every record.
func (s *Store) Wipe() error {
	if err := s.fs.RemoveAll(s.root); err != nil {
		return fmt.Errorf("wiping shadow tree: %w", err)
	}
	logger.Debug("Shadow tree wiped")
	return nil
}
