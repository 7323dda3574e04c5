package fs

import (
	"context"
	"sync"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

const blockSize = 4096

// File is a regular file of the virtual namespace.
type File struct {
	fs   *FatFS
	path string
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path)

	var item *overlay.FileItem
	err := f.fs.do(func(e *overlay.Engine) (err error) {
		item, err = e.Lookup(f.path)
		return err
	})
	if err != nil {
		return err
	}

	a.Mode = 0644
	a.Size = safeInt64ToUint64(item.Size)
	a.Mtime = item.ModifyTime
	a.Atime = item.ModifyTime // We don't track access time
	a.Ctime = item.ModifyTime
	a.Crtime = item.CreateTime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = blockSize
	a.Blocks = safeInt64ToUint64((item.Size + 511) / 512)
	if item.FirstBlock >= 0 {
		a.Inode = uint64(item.FirstBlock) + 2
	}

	fileLogger.Trace("File attributes: size=%d, mtime=%v", a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface. Content is buffered in the
// handle and written back through the engine on flush.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.path, req.Flags)

	h := &FileHandle{file: f}
	if req.Flags&fuse.OpenTruncate != 0 {
		h.dirty = true
	} else if err := h.load(); err != nil {
		return nil, err
	}

	resp.Flags |= fuse.OpenDirectIO
	return h, nil
}

// Setattr implements the NodeSetattrer interface. Only size changes are
// applied; times follow the engine's bookkeeping.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		fileLogger.Debug("Truncating %q to %d bytes", f.path, req.Size)
		err := f.fs.do(func(e *overlay.Engine) error {
			content, err := e.ReadFileContent(f.path)
			if err != nil {
				return err
			}
			return e.WriteFileContent(f.path, string(resize([]byte(content), req.Size)))
		})
		if err != nil {
			return err
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Fsync implements the NodeFsyncer interface. Handles write through on
// flush, so the bookkeeping is checkpointed here.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return f.fs.do(func(e *overlay.Engine) error {
		return e.Checkpoint()
	})
}

func resize(data []byte, size uint64) []byte {
	if uint64(len(data)) >= size {
		return data[:size]
	}
	return append(data, make([]byte, size-uint64(len(data)))...)
}

// FileHandle is an open file. Reads and writes go to an in-memory copy of
// the content that replaces the file on flush.
type FileHandle struct {
	file  *File
	data  []byte
	dirty bool
	mu    sync.Mutex
}

func (fh *FileHandle) load() error {
	return fh.file.fs.do(func(e *overlay.Engine) error {
		content, err := e.ReadFileContent(fh.file.path)
		if err != nil {
			return err
		}
		fh.data = []byte(content)
		return nil
	})
}

// Read implements the HandleReader interface.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Trace("Reading %d bytes from %q at offset %d", req.Size, fh.file.path, req.Offset)
	if req.Offset >= int64(len(fh.data)) {
		resp.Data = nil
		return nil
	}
	end := req.Offset + int64(req.Size)
	if end > int64(len(fh.data)) {
		end = int64(len(fh.data))
	}
	resp.Data = append([]byte(nil), fh.data[req.Offset:end]...)
	return nil
}

// Write implements the HandleWriter interface.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Trace("Writing %d bytes to %q at offset %d", len(req.Data), fh.file.path, req.Offset)
	end := uint64(req.Offset) + uint64(len(req.Data))
	if end > uint64(len(fh.data)) {
		fh.data = resize(fh.data, end)
	}
	copy(fh.data[req.Offset:], req.Data)
	fh.dirty = true
	resp.Size = len(req.Data)
	return nil
}

// Flush implements the HandleFlusher interface, writing buffered content
// through the engine.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.flush()
}

func (fh *FileHandle) flush() error {
	if !fh.dirty {
		return nil
	}
	err := fh.file.fs.do(func(e *overlay.Engine) error {
		return e.WriteFileContent(fh.file.path, string(fh.data))
	})
	if err != nil {
		fileLogger.Error("Failed to write back %q: %v", fh.file.path, err)
		return err
	}
	fh.dirty = false
	return nil
}

// Release implements the HandleReleaser interface.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Debug("Closing file %q", fh.file.path)
	return fh.flush()
}
