package fs

import (
	"context"
	"os"
	"syscall"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"
	"fatoverlay/internal/pathres"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir is a directory of the virtual namespace, addressed by its absolute
// virtual path.
type Dir struct {
	fs   *FatFS
	path string
}

func (d *Dir) child(name string) string {
	return pathres.Join(d.path, name)
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path)

	var item *overlay.FileItem
	err := d.fs.do(func(e *overlay.Engine) (err error) {
		item, err = e.Lookup(d.path)
		return err
	})
	if err != nil {
		return err
	}

	a.Mode = os.ModeDir | 0755
	a.Size = safeInt64ToUint64(item.Size)
	a.Mtime = item.ModifyTime
	a.Ctime = item.ModifyTime
	a.Crtime = item.CreateTime
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	childPath := d.child(name)
	dirLogger.Debug("Looking up %q in directory %q", name, d.path)

	var item *overlay.FileItem
	err := d.fs.do(func(e *overlay.Engine) (err error) {
		item, err = e.Lookup(childPath)
		return err
	})
	if err != nil {
		dirLogger.Debug("Lookup of %q failed: %v", childPath, err)
		return nil, err
	}

	if item.Type == overlay.Directory {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path)

	var info *overlay.DirectoryInfo
	err := d.fs.do(func(e *overlay.Engine) (err error) {
		info, err = e.GetDirectoryInfo(d.path)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	for _, item := range info.Items {
		dirent := fuse.Dirent{Name: item.Name, Type: fuse.DT_File}
		if item.Type == overlay.Directory {
			dirent.Type = fuse.DT_Dir
		}
		entries = append(entries, dirent)
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path, len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	newPath := d.child(req.Name)
	dirLogger.Info("Creating directory %q", newPath)

	err := d.fs.do(func(e *overlay.Engine) error {
		return e.CreateDirectory(newPath)
	})
	if err != nil {
		return nil, err
	}
	return &Dir{fs: d.fs, path: newPath}, nil
}

// Create implements the NodeCreater interface: the file gets its block and
// inode before the handle is returned.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	newPath := d.child(req.Name)
	dirLogger.Info("Creating file %q", newPath)

	err := d.fs.do(func(e *overlay.Engine) error {
		return e.CreateFile(newPath)
	})
	if err != nil {
		return nil, nil, err
	}

	f := &File{fs: d.fs, path: newPath}
	resp.Flags |= fuse.OpenDirectIO
	return f, &FileHandle{file: f}, nil
}

// Remove implements the NodeRemover interface. rmdir refuses a directory
// that still has entries; the engine itself would delete it recursively.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	childPath := d.child(req.Name)
	dirLogger.Info("Removing %q (isDir=%v)", childPath, req.Dir)

	return d.fs.do(func(e *overlay.Engine) error {
		item, err := e.Lookup(childPath)
		if err != nil {
			return err
		}
		isDir := item.Type == overlay.Directory
		switch {
		case req.Dir && !isDir:
			return overlay.ErrNotDirectory
		case !req.Dir && isDir:
			return overlay.ErrIsDirectory
		case isDir:
			info, err := e.GetDirectoryInfo(childPath)
			if err != nil {
				return err
			}
			if len(info.Items) > 0 {
				dirLogger.Warn("Directory not empty: %q", childPath)
				return ErrDirectoryNotEmpty
			}
		}
		return e.DeleteItem(childPath)
	})
}

// Rename implements the NodeRenamer interface, renaming/moving a file or directory.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return syscall.EINVAL
	}

	oldPath := d.child(req.OldName)
	newPath := target.child(req.NewName)
	dirLogger.Info("Renaming %q to %q", oldPath, newPath)

	return d.fs.do(func(e *overlay.Engine) error {
		// rename(2) replaces an existing file target
		if replaced, err := e.Lookup(newPath); err == nil && replaced.Type == overlay.File {
			src, err := e.Lookup(oldPath)
			if err != nil {
				return err
			}
			if src.Type == overlay.File && oldPath != newPath {
				if err := e.DeleteItem(newPath); err != nil {
					return err
				}
			}
		}
		return e.RenameItem(oldPath, newPath)
	})
}
