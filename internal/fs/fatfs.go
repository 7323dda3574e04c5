package fs

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("fuse")
)

// FatFS exposes an overlay engine as a FUSE file system. The engine is not
// safe for concurrent use, so every call into it holds mu.
type FatFS struct {
	engine *overlay.Engine
	conn   *fuse.Conn
	served chan error
	uid    uint32
	gid    uint32
	mu     sync.Mutex
}

// New wraps engine for serving.
func New(engine *overlay.Engine) *FatFS {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			vfsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			vfsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &FatFS{engine: engine, uid: uid, gid: gid}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (vfs *FatFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return &Dir{fs: vfs, path: vfs.engine.Mount().VirtualRoot}, nil
}

// do runs fn with exclusive access to the engine and converts its error.
func (vfs *FatFS) do(fn func(e *overlay.Engine) error) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return ToFuseError(fn(vfs.engine))
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount attaches the file system at mountPoint and serves it in the
// background until Unmount.
func (vfs *FatFS) Mount(mountPoint string) error {
	vfsLogger.Info("Mounting %s on %s", vfs.engine.RealRoot(), mountPoint)
	vfsLogger.Debug("UID: %d, GID: %d", vfs.uid, vfs.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("fatoverlay"),
		fuse.Subtype("fatoverlay"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	vfs.conn = c
	vfs.served = make(chan error, 1)

	go func() {
		err := fusefs.Serve(c, vfs)
		if err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
		}
		vfs.served <- err
	}()

	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Wait blocks until the server stops, for instance after an external
// unmount.
func (vfs *FatFS) Wait() error {
	if vfs.served == nil {
		return nil
	}
	return <-vfs.served
}

// Unmount detaches the file system and checkpoints the engine.
func (vfs *FatFS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if vfs.conn != nil {
		if err := fuse.Unmount(mountPoint); err != nil {
			vfsLogger.Error("Unmount failed: %v", err)
			return err
		}
		vfs.conn.Close()
		vfs.conn = nil
		vfsLogger.Info("Unmount completed successfully")
	}
	return vfs.Checkpoint()
}

// Checkpoint flushes the engine's bookkeeping.
func (vfs *FatFS) Checkpoint() error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.engine.Checkpoint()
}

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
