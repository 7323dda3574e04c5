package overlay

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fatoverlay/internal/alloc"
	"fatoverlay/internal/inode"
	"fatoverlay/internal/pathres"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// CreateDirectory creates the directory p and any missing parents. It
// fails with ErrAlreadyExists when p exists. Directories own no blocks.
func (e *Engine) CreateDirectory(p string) error {
	t, err := e.resolveMutable(OpMkdir, p)
	if err != nil {
		return err
	}
	if e.exists(t.real) {
		return NewError(OpMkdir, t.virtual, ErrAlreadyExists)
	}
	if err := e.fs.MkdirAll(t.real, 0755); err != nil {
		logger.Error("Cannot create directory %s: %v", t.real, err)
		return NewError(OpMkdir, t.virtual, err)
	}
	logger.Info("Created directory %q", t.virtual)
	return nil
}

// CreateFile creates the empty file p, allocates its first block and saves
// a fresh inode. When no block is free the host file is removed again and
// the error satisfies errors.Is(err, ErrOutOfSpace).
func (e *Engine) CreateFile(p string) error {
	t, err := e.resolveMutable(OpCreate, p)
	if err != nil {
		return err
	}
	if t.virtual == e.mount.VirtualRoot || e.exists(t.real) {
		return NewError(OpCreate, t.virtual, ErrAlreadyExists)
	}
	if err := e.requireParentDir(OpCreate, t); err != nil {
		return err
	}

	f, err := e.fs.OpenFile(t.real, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		logger.Error("Cannot create file %s: %v", t.real, err)
		return NewError(OpCreate, t.virtual, err)
	}
	if err := f.Close(); err != nil {
		logger.Warn("Closing new file %s: %v", t.real, err)
	}

	b, err := e.alloc.Allocate()
	if err != nil {
		e.discard(t)
		return NewError(OpCreate, t.virtual, err)
	}

	now := e.now()
	n := inode.Inode{FirstBlock: b, Size: 0, CreateTime: now, ModifyTime: now}
	if err := e.inodes.Save(t.virtual, n); err != nil {
		e.alloc.Free(b)
		e.discard(t)
		return NewError(OpCreate, t.virtual, err)
	}

	logger.Info("Created file %q at block %d", t.virtual, b)
	return nil
}

// discard removes a host file created by a failed operation.
func (e *Engine) discard(t target) {
	if err := e.fs.Remove(t.real); err != nil {
		logger.Error("Cannot remove partially created %s: %v", t.real, err)
	}
}

// DeleteItem removes the file or directory p and reclaims the blocks and
// inode records of every file it held. Every step is attempted; only a
// failure to remove the host entry is reported.
func (e *Engine) DeleteItem(p string) error {
	t, err := e.resolveMutable(OpRemove, p)
	if err != nil {
		return err
	}
	if t.virtual == e.mount.VirtualRoot {
		return NewError(OpRemove, t.virtual, ErrReserved)
	}
	info, err := e.stat(OpRemove, t)
	if err != nil {
		return err
	}

	var hostErr, bookErr error
	if info.IsDir() {
		hostErr, bookErr = e.deleteDirectory(t)
	} else {
		hostErr, bookErr = e.deleteFile(t)
	}

	if bookErr != nil {
		logger.Warn("Bookkeeping for %q incomplete: %v", t.virtual, bookErr)
	}
	if hostErr != nil {
		logger.Error("Cannot remove %s: %v", t.real, hostErr)
		return NewError(OpRemove, t.virtual, hostErr)
	}
	logger.Info("Deleted %q", t.virtual)
	return nil
}

func (e *Engine) deleteFile(t target) (hostErr, bookErr error) {
	n := e.inodes.Load(t.virtual)
	hostErr = e.fs.Remove(t.real)
	freed := e.alloc.Free(n.FirstBlock)
	bookErr = e.inodes.Remove(t.virtual)
	logger.Debug("Released %d block(s) of %q", freed, t.virtual)
	return hostErr, bookErr
}

func (e *Engine) deleteDirectory(t target) (hostErr, bookErr error) {
	freed := 0
	walkErr := afero.Walk(e.fs, t.real, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			bookErr = multierr.Append(bookErr, err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		virtual, err := e.mount.Virtual(path)
		if err != nil {
			bookErr = multierr.Append(bookErr, err)
			return nil
		}
		freed += e.alloc.Free(e.inodes.Load(virtual).FirstBlock)
		bookErr = multierr.Append(bookErr, e.inodes.Remove(virtual))
		return nil
	})
	bookErr = multierr.Append(bookErr, walkErr)

	hostErr = e.fs.RemoveAll(t.real)
	bookErr = multierr.Append(bookErr, e.inodes.RemoveTree(t.virtual))
	logger.Debug("Released %d block(s) under %q", freed, t.virtual)
	return hostErr, bookErr
}

// RenameItem moves oldPath to newPath together with its inode record, or
// with the shadow directory of a directory. The target must not exist. If
// the record cannot follow the host entry, the host rename is undone.
func (e *Engine) RenameItem(oldPath, newPath string) error {
	from, err := e.resolveMutable(OpRename, oldPath)
	if err != nil {
		return err
	}
	to, err := e.resolveMutable(OpRename, newPath)
	if err != nil {
		return err
	}
	if from.virtual == e.mount.VirtualRoot {
		return NewError(OpRename, from.virtual, ErrReserved)
	}

	info, err := e.stat(OpRename, from)
	if err != nil {
		return err
	}
	if from.virtual == to.virtual {
		return nil
	}
	if to.virtual == e.mount.VirtualRoot || e.exists(to.real) {
		return NewError(OpRename, to.virtual, ErrAlreadyExists)
	}
	if info.IsDir() && strings.HasPrefix(to.virtual, from.virtual+pathres.Separator) {
		return NewError(OpRename, to.virtual, fmt.Errorf("cannot move a directory into itself: %w", os.ErrInvalid))
	}
	if err := e.requireParentDir(OpRename, to); err != nil {
		return err
	}

	if err := e.fs.Rename(from.real, to.real); err != nil {
		logger.Error("Cannot rename %s to %s: %v", from.real, to.real, err)
		return NewError(OpRename, from.virtual, err)
	}

	var recErr error
	if info.IsDir() {
		recErr = e.inodes.RenameTree(from.virtual, to.virtual)
	} else {
		recErr = e.inodes.Rename(from.virtual, to.virtual)
		if errors.Is(recErr, os.ErrNotExist) {
			logger.Warn("Renamed %q has no inode record", from.virtual)
			recErr = nil
		}
	}
	if recErr != nil {
		if err := e.fs.Rename(to.real, from.real); err != nil {
			logger.Error("Cannot undo rename of %s: %v", from.real, err)
			recErr = multierr.Append(recErr, err)
		}
		return NewError(OpRename, from.virtual, recErr)
	}

	logger.Info("Renamed %q to %q", from.virtual, to.virtual)
	return nil
}

// ReadFileContent returns the content of the file p. Unlike an empty file,
// a failure always comes with a non-nil error.
func (e *Engine) ReadFileContent(p string) (string, error) {
	t, err := e.resolve(OpRead, p)
	if err != nil {
		return "", err
	}
	info, err := e.statTarget(OpRead, t)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", NewError(OpRead, t.virtual, ErrIsDirectory)
	}
	data, err := afero.ReadFile(e.fs, t.real)
	if err != nil {
		return "", NewError(OpRead, t.virtual, err)
	}
	return string(data), nil
}

// WriteFileContent replaces the content of the existing file p and records
// the new size and modification time. The block chain is not resized. A
// host file without an inode record is adopted: it gets a record and, if
// one is free, a block.
func (e *Engine) WriteFileContent(p, content string) error {
	t, err := e.resolveMutable(OpWrite, p)
	if err != nil {
		return err
	}
	info, err := e.statTarget(OpWrite, t)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return NewError(OpWrite, t.virtual, ErrIsDirectory)
	}

	if err := afero.WriteFile(e.fs, t.real, []byte(content), info.Mode().Perm()); err != nil {
		logger.Error("Cannot write %s: %v", t.real, err)
		return NewError(OpWrite, t.virtual, err)
	}

	t = e.linkTarget(t)
	now := e.now()
	n := e.inodes.Load(t.virtual)
	if n.IsZero() {
		n = e.adopt(t, now)
	}
	n.Size = uint64(len(content))
	n.ModifyTime = now
	if err := e.inodes.Save(t.virtual, n); err != nil {
		return NewError(OpWrite, t.virtual, err)
	}

	logger.Info("Wrote %d bytes to %q", len(content), t.virtual)
	return nil
}

func (e *Engine) adopt(t target, now time.Time) inode.Inode {
	n := inode.Inode{FirstBlock: alloc.NoBlock, CreateTime: now}
	b, err := e.alloc.Allocate()
	if err != nil {
		logger.Warn("Adopting %q without a block: %v", t.virtual, err)
		return n
	}
	n.FirstBlock = b
	logger.Info("Adopted %q at block %d", t.virtual, b)
	return n
}

// ChangeDir makes p the current directory. p may be relative, absolute,
// "..", "." or start with "~". On failure the current path is unchanged.
func (e *Engine) ChangeDir(p string) error {
	t, err := e.resolve(OpChdir, p)
	if err != nil {
		return err
	}
	if e.hidden(t.real) {
		return NewError(OpChdir, t.virtual, ErrReserved)
	}
	info, err := e.statTarget(OpChdir, t)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return NewError(OpChdir, t.virtual, ErrNotDirectory)
	}
	if err := e.mount.SetCurrent(t.virtual); err != nil {
		return NewError(OpChdir, t.virtual, err)
	}
	logger.Debug("Current path is %q", t.virtual)
	return nil
}

// LoadInode returns the inode record of p, or inode.Zero when there is
// none.
func (e *Engine) LoadInode(p string) inode.Inode {
	return e.inodes.Load(e.mount.Abs(p))
}
