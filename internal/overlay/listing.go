package overlay

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"fatoverlay/internal/alloc"
	"fatoverlay/internal/inode"
	"fatoverlay/internal/pathres"

	"github.com/spf13/afero"
)

// FileType classifies a listed entry.
type FileType int

const (
	File FileType = iota
	Directory
)

func (t FileType) String() string {
	if t == Directory {
		return "dir"
	}
	return "file"
}

// FileItem is one entry of a directory listing.
type FileItem struct {
	Name       string
	Type       FileType
	Size       int64
	CreateTime time.Time
	ModifyTime time.Time
	FirstBlock alloc.Block // NoBlock for directories and unrecorded files
}

// DirectoryInfo is a listing of one virtual directory.
type DirectoryInfo struct {
	Path     string // virtual path
	RealPath string
	Items    []FileItem
}

// GetDirectoryInfo lists the immediate children of the directory p sorted
// by name. Overlay metadata is hidden, as are symlinks leading outside the
// real root. A directory's size is the sum of the sizes of the files
// directly inside it.
func (e *Engine) GetDirectoryInfo(p string) (*DirectoryInfo, error) {
	t, err := e.resolve(OpList, p)
	if err != nil {
		return nil, err
	}
	if e.hidden(t.real) {
		return nil, NewError(OpList, t.virtual, ErrReserved)
	}
	info, err := e.statTarget(OpList, t)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, NewError(OpList, t.virtual, ErrNotDirectory)
	}

	entries, err := afero.ReadDir(e.fs, t.real)
	if err != nil {
		return nil, NewError(OpList, t.virtual, err)
	}

	dir := &DirectoryInfo{Path: t.virtual, RealPath: t.real, Items: make([]FileItem, 0, len(entries))}
	for _, entry := range entries {
		childReal := filepath.Join(t.real, entry.Name())
		if e.hidden(childReal) {
			continue
		}
		if entry.Mode()&os.ModeSymlink != 0 {
			resolved, ok := e.followLink(childReal)
			if !ok {
				logger.Debug("Hiding %s: link leaves the real root", childReal)
				continue
			}
			entry = resolved
		}
		dir.Items = append(dir.Items, e.describe(pathres.Join(t.virtual, entry.Name()), childReal, entry))
	}
	sort.Slice(dir.Items, func(i, j int) bool { return dir.Items[i].Name < dir.Items[j].Name })

	logger.Debug("Listed %q: %d item(s)", t.virtual, len(dir.Items))
	return dir, nil
}

// Lookup describes the single entry p the way GetDirectoryInfo would list
// it.
func (e *Engine) Lookup(p string) (*FileItem, error) {
	t, err := e.resolve(OpStat, p)
	if err != nil {
		return nil, err
	}
	if e.hidden(t.real) {
		return nil, NewError(OpStat, t.virtual, ErrNotFound)
	}
	info, err := e.statTarget(OpStat, t)
	if err != nil {
		return nil, err
	}
	item := e.describe(t.virtual, t.real, info)
	item.Name = pathres.Base(t.virtual)
	return &item, nil
}

// followLink returns the metadata of a link's target when the target lies
// inside the real root.
func (e *Engine) followLink(real string) (os.FileInfo, bool) {
	if _, ok := e.linkDest(real); !ok {
		return nil, false
	}
	info, err := e.fs.Stat(real)
	if err != nil {
		return nil, false
	}
	return &namedInfo{FileInfo: info, name: filepath.Base(real)}, true
}

// linkDest returns the host path the link at real points to, provided it
// stays inside the real root and outside the metadata.
func (e *Engine) linkDest(real string) (string, bool) {
	reader, ok := e.fs.(afero.LinkReader)
	if !ok {
		return "", false
	}
	dest, err := reader.ReadlinkIfPossible(real)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(real), dest)
	}
	dest = filepath.Clean(dest)
	if !within(dest, e.mount.RealRoot) || e.hidden(dest) {
		return "", false
	}
	return dest, true
}

// linkTarget maps an in-root link to the entry it points at, so that
// bookkeeping lands on the target's record. Anything else is returned as is.
func (e *Engine) linkTarget(t target) target {
	for i := 0; i < maxLinkHops; i++ {
		info, err := e.lstat(t.real)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return t
		}
		dest, ok := e.linkDest(t.real)
		if !ok {
			return t
		}
		virtual, err := e.mount.Virtual(dest)
		if err != nil {
			return t
		}
		t = target{virtual: virtual, real: dest}
	}
	return t
}

// maxLinkHops bounds link chains.
const maxLinkHops = 40

// namedInfo keeps the link's own name on its target's metadata.
type namedInfo struct {
	os.FileInfo
	name string
}

func (n *namedInfo) Name() string { return n.name }

func (e *Engine) describe(virtual, real string, info os.FileInfo) FileItem {
	item := FileItem{
		Name:       info.Name(),
		Type:       File,
		Size:       info.Size(),
		CreateTime: info.ModTime(),
		ModifyTime: info.ModTime(),
		FirstBlock: alloc.NoBlock,
	}
	if info.IsDir() {
		item.Type = Directory
		item.Size = e.directSize(real)
		return item
	}
	if n := e.inodes.Load(virtual); !n.IsZero() {
		item.FirstBlock = n.FirstBlock
		if !n.CreateTime.IsZero() {
			item.CreateTime = n.CreateTime
		}
	}
	return item
}

func (e *Engine) directSize(real string) int64 {
	entries, err := afero.ReadDir(e.fs, real)
	if err != nil {
		logger.Debug("Cannot size %s: %v", real, err)
		return 0
	}
	var total int64
	for _, entry := range entries {
		if !entry.IsDir() && !e.hidden(filepath.Join(real, entry.Name())) {
			total += entry.Size()
		}
	}
	return total
}

// TreeNode is a directory in the tree returned by Tree.
type TreeNode struct {
	Name     string
	Path     string
	Children []*TreeNode
}

// Tree returns the directory hierarchy below p, directories only.
func (e *Engine) Tree(p string) (*TreeNode, error) {
	dir, err := e.GetDirectoryInfo(p)
	if err != nil {
		return nil, err
	}
	root := &TreeNode{Name: pathres.Base(dir.Path), Path: dir.Path}
	for _, item := range dir.Items {
		if item.Type != Directory {
			continue
		}
		child, err := e.Tree(pathres.Join(dir.Path, item.Name))
		if err != nil {
			logger.Warn("Skipping %q in tree: %v", item.Name, err)
			continue
		}
		root.Children = append(root.Children, child)
	}
	return root, nil
}

// FileStat is the bookkeeping view of one file.
type FileStat struct {
	Path     string
	HostSize int64
	Inode    inode.Inode
	Chain    []alloc.Block
	Recorded bool // an inode record exists
}

// Stat returns the inode and block chain of the file p.
func (e *Engine) Stat(p string) (*FileStat, error) {
	t, err := e.resolve(OpStat, p)
	if err != nil {
		return nil, err
	}
	info, err := e.statTarget(OpStat, t)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, NewError(OpStat, t.virtual, ErrIsDirectory)
	}
	n := e.inodes.Load(t.virtual)
	st := &FileStat{
		Path:     t.virtual,
		HostSize: info.Size(),
		Inode:    n,
		Recorded: e.inodes.Exists(t.virtual),
	}
	if e.alloc.IsAllocated(n.FirstBlock) {
		st.Chain = e.alloc.Chain(n.FirstBlock)
	}
	return st, nil
}

// Usage summarises block consumption.
type Usage struct {
	Total int
	Used  int
	Free  int
}

// Usage returns the current block counts.
func (e *Engine) Usage() Usage {
	return Usage{Total: alloc.BlockCount, Used: e.alloc.Used(), Free: e.alloc.FreeCount()}
}
