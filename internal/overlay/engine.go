// Package overlay is the operations engine: it keeps host files, the block
// allocator and the inode records consistent across create, delete, rename
// and write, and lists directories of the virtual namespace.
//
// An Engine is owned by a single session and is not safe for concurrent use.
package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fatoverlay/internal/alloc"
	"fatoverlay/internal/inode"
	"fatoverlay/internal/logging"
	"fatoverlay/internal/pathres"
	"fatoverlay/internal/state"

	"github.com/spf13/afero"
)

var logger = logging.GetLogger().WithPrefix("overlay")

const (
	// DefaultVirtualRoot is the mount root used when none is configured
	DefaultVirtualRoot = "/home"

	// DefaultStateDir is the name of the state directory under the real root
	DefaultStateDir = ".fatoverlay"
)

// Options configures Open.
type Options struct {
	Fs          afero.Fs // host file system, OS when nil
	VirtualRoot string   // DefaultVirtualRoot when empty
	RealRoot    string   // created if absent
	StateDir    string   // <RealRoot>/DefaultStateDir when empty
	Backups     int      // rotated blob backups, state default when <= 0

	Now func() time.Time // clock, time.Now when nil
}

// Engine coordinates the path resolver, block allocator and inode store on
// top of a host directory.
type Engine struct {
	fs     afero.Fs
	mount  *pathres.Mount
	alloc  *alloc.Allocator
	inodes *inode.Store
	state  *state.Manager
	now    func() time.Time

	formattedAt time.Time
}

// Open mounts the overlay described by opts. Missing or damaged allocator
// images are rebuilt from the inode records instead of failing, and the
// current directory of the last session is restored when it still exists.
func Open(opts Options) (*Engine, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.VirtualRoot == "" {
		opts.VirtualRoot = DefaultVirtualRoot
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mount, err := pathres.NewMount(opts.VirtualRoot, opts.RealRoot)
	if err != nil {
		return nil, NewError(OpOpen, opts.VirtualRoot, err)
	}
	if err := opts.Fs.MkdirAll(mount.RealRoot, 0755); err != nil {
		return nil, NewError(OpOpen, mount.VirtualRoot, fmt.Errorf("creating real root %s: %w", mount.RealRoot, err))
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(mount.RealRoot, DefaultStateDir)
	}
	if stateDir, err = filepath.Abs(stateDir); err != nil {
		return nil, NewError(OpOpen, mount.VirtualRoot, err)
	}
	mgr, err := state.NewManager(opts.Fs, stateDir, opts.Backups)
	if err != nil {
		return nil, NewError(OpOpen, mount.VirtualRoot, err)
	}

	e := &Engine{
		fs:     opts.Fs,
		mount:  mount,
		inodes: inode.NewStore(opts.Fs, mount),
		state:  mgr,
		now:    opts.Now,
	}

	a, reformatted := alloc.Load(mgr)
	e.alloc = a
	if reformatted {
		e.formattedAt = e.now()
		if err := e.rebuild(); err != nil {
			logger.Warn("Rebuilding allocator from inode records: %v", err)
		}
		if err := a.Flush(); err != nil {
			return nil, NewError(OpOpen, mount.VirtualRoot, err)
		}
	}

	if sess := mgr.LoadSession(); sess != nil {
		if !sess.FormattedAt.IsZero() && !reformatted {
			e.formattedAt = sess.FormattedAt
		}
		if sess.VirtualRoot == mount.VirtualRoot && sess.CurrentPath != "" {
			if err := e.ChangeDir(sess.CurrentPath); err != nil {
				logger.Warn("Not restoring current path %q: %v", sess.CurrentPath, err)
			}
		}
	}

	logger.Info("Opened %q on %s (%d of %d blocks in use)", mount.VirtualRoot, mount.RealRoot, a.Used(), alloc.BlockCount)
	return e, nil
}

// rebuild re-reserves the blocks named by inode records after the
// allocator images were lost. Records whose block is already taken get a
// fresh block; records without a host file are left for Check.
func (e *Engine) rebuild() error {
	restored, moved := 0, 0
	err := e.inodes.Walk(func(virtual string, n inode.Inode) error {
		real, err := e.mount.Resolve(virtual)
		if err != nil {
			return nil
		}
		if info, err := e.fs.Stat(real); err != nil || info.IsDir() {
			logger.Debug("Skipping record without host file: %q", virtual)
			return nil
		}
		if n.IsZero() {
			return nil
		}
		if e.alloc.Reserve(n.FirstBlock) {
			restored++
			return nil
		}

		b, err := e.alloc.Allocate()
		if err != nil {
			logger.Warn("No block left for %q: %v", virtual, err)
			return nil
		}
		logger.Warn("Block %d of %q is invalid or shared; reassigned block %d", n.FirstBlock, virtual, b)
		n.FirstBlock = b
		moved++
		return e.inodes.Save(virtual, n)
	})
	logger.Info("Rebuilt allocator: %d record(s) restored, %d reassigned", restored, moved)
	return err
}

// Checkpoint persists the bitmap, the FAT and the session record.
func (e *Engine) Checkpoint() error {
	if err := e.alloc.Flush(); err != nil {
		return NewError(OpCheckpoint, "", err)
	}
	sess := &state.Session{
		VirtualRoot: e.mount.VirtualRoot,
		CurrentPath: e.mount.CurrentPath,
		FormattedAt: e.formattedAt,
	}
	if err := e.state.SaveSession(sess); err != nil {
		return NewError(OpCheckpoint, "", err)
	}
	logger.Debug("Checkpoint written to %s", e.state.Dir())
	return nil
}

// Format marks every block free, drops every inode record and checkpoints.
// Host files are left alone; a later write adopts them.
func (e *Engine) Format() error {
	e.alloc.Format()
	if err := e.inodes.Wipe(); err != nil {
		return NewError(OpFormat, "", err)
	}
	e.formattedAt = e.now()
	if err := e.Checkpoint(); err != nil {
		return err
	}
	logger.Info("Formatted: %d blocks free", alloc.BlockCount)
	return nil
}

// Mount returns the mount description. CurrentPath changes only through
// ChangeDir.
func (e *Engine) Mount() pathres.Mount {
	return *e.mount
}

// CurrentPath returns the current virtual directory.
func (e *Engine) CurrentPath() string {
	return e.mount.CurrentPath
}

// Abs returns the absolute, simplified form of a virtual path.
func (e *Engine) Abs(p string) string {
	return e.mount.Abs(p)
}

// Resolve maps a virtual path to its host path.
func (e *Engine) Resolve(p string) (string, error) {
	return e.mount.Resolve(p)
}

// IsWithinRoot reports whether the absolute virtual path p is inside the
// mount root.
func (e *Engine) IsWithinRoot(p string) bool {
	return e.mount.IsWithinRoot(p)
}

// StateDir returns the host directory holding the checkpoint files.
func (e *Engine) StateDir() string {
	return e.state.Dir()
}

// RealRoot returns the host directory backing the virtual root.
func (e *Engine) RealRoot() string {
	return e.mount.RealRoot
}

// FormattedAt returns when the allocator was last formatted, or the zero
// time if unknown.
func (e *Engine) FormattedAt() time.Time {
	return e.formattedAt
}

// target is a resolved operand of an engine operation.
type target struct {
	virtual string
	real    string
}

func (e *Engine) resolve(op, p string) (target, error) {
	virtual := e.mount.Abs(p)
	real, err := e.mount.Resolve(virtual)
	if err != nil {
		return target{}, NewError(op, virtual, ErrOutOfJail)
	}
	return target{virtual: virtual, real: real}, nil
}

// resolveMutable resolves p and refuses paths that hold overlay metadata.
func (e *Engine) resolveMutable(op, p string) (target, error) {
	t, err := e.resolve(op, p)
	if err != nil {
		return t, err
	}
	if e.reserved(t.real) {
		return t, NewError(op, t.virtual, ErrReserved)
	}
	return t, nil
}

func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+string(filepath.Separator))
}

// hidden reports whether a host path is overlay metadata.
func (e *Engine) hidden(real string) bool {
	return within(real, e.inodes.Root()) || within(real, e.state.Dir())
}

// IsMetadata reports whether the host path real holds overlay bookkeeping.
func (e *Engine) IsMetadata(real string) bool {
	return e.hidden(real)
}

// reserved reports whether a host path must not be changed by a user
// operation: metadata, and directories that contain the state directory.
func (e *Engine) reserved(real string) bool {
	if e.hidden(real) {
		return true
	}
	return real != e.mount.RealRoot && within(e.state.Dir(), real)
}

func (e *Engine) lstat(real string) (os.FileInfo, error) {
	if l, ok := e.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(real)
		return info, err
	}
	return e.fs.Stat(real)
}

// stat returns host metadata for t, translating absence to ErrNotFound.
func (e *Engine) stat(op string, t target) (os.FileInfo, error) {
	info, err := e.lstat(t.real)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewError(op, t.virtual, ErrNotFound)
		}
		return nil, NewError(op, t.virtual, err)
	}
	return info, nil
}

func (e *Engine) exists(real string) bool {
	_, err := e.lstat(real)
	return err == nil
}

// requireParentDir checks that the directory a new entry goes into exists.
func (e *Engine) requireParentDir(op string, t target) error {
	info, err := e.fs.Stat(filepath.Dir(t.real))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewError(op, pathres.Parent(t.virtual), ErrNotFound)
		}
		return NewError(op, pathres.Parent(t.virtual), err)
	}
	if !info.IsDir() {
		return NewError(op, pathres.Parent(t.virtual), ErrNotDirectory)
	}
	return nil
}

// statTarget is stat for operations that act on what a link points to.
// Links leading outside the real root are refused.
func (e *Engine) statTarget(op string, t target) (os.FileInfo, error) {
	info, err := e.stat(op, t)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return info, err
	}
	followed, ok := e.followLink(t.real)
	if !ok {
		return nil, NewError(op, t.virtual, ErrOutOfJail)
	}
	return followed, nil
}
