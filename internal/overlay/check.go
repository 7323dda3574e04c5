package overlay

import (
	"os"
	"path/filepath"
	"sort"

	"fatoverlay/internal/alloc"
	"fatoverlay/internal/inode"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// Report lists the inconsistencies found by Check.
type Report struct {
	Files     int           // host files under the root
	Records   int           // inode records
	Leaked    []alloc.Block // allocated but owned by no record
	Shared    []alloc.Block // owned by more than one record
	Dangling  []string      // records whose chain starts at a free or invalid block
	Orphans   []string      // records without a host file
	Unmanaged []string      // host files without a record
}

// Clean reports whether no inconsistency was found. Unmanaged files are
// tolerated: a write adopts them.
func (r *Report) Clean() bool {
	return len(r.Leaked) == 0 && len(r.Shared) == 0 && len(r.Dangling) == 0 && len(r.Orphans) == 0
}

// Check compares the allocator against the inode records and the host tree.
// It changes nothing.
func (e *Engine) Check() (*Report, error) {
	r := &Report{}
	owner := make(map[alloc.Block]string)
	shared := make(map[alloc.Block]bool)

	err := e.inodes.Walk(func(virtual string, n inode.Inode) error {
		r.Records++
		real, err := e.mount.Resolve(virtual)
		if err != nil {
			r.Orphans = append(r.Orphans, virtual)
			return nil
		}
		if info, err := e.fs.Stat(real); err != nil || info.IsDir() {
			r.Orphans = append(r.Orphans, virtual)
		}
		if !e.alloc.IsAllocated(n.FirstBlock) {
			if n.FirstBlock != alloc.NoBlock || n.IsZero() {
				r.Dangling = append(r.Dangling, virtual)
			}
			return nil
		}
		for _, b := range e.alloc.Chain(n.FirstBlock) {
			if prev, ok := owner[b]; ok && prev != virtual {
				shared[b] = true
				continue
			}
			owner[b] = virtual
		}
		return nil
	})
	if err != nil {
		return nil, NewError(OpStat, e.mount.VirtualRoot, err)
	}

	for i := 0; i < alloc.BlockCount; i++ {
		b := alloc.Block(i)
		if _, ok := owner[b]; e.alloc.IsAllocated(b) && !ok {
			r.Leaked = append(r.Leaked, b)
		}
	}
	for b := range shared {
		r.Shared = append(r.Shared, b)
	}
	sort.Slice(r.Shared, func(i, j int) bool { return r.Shared[i] < r.Shared[j] })

	err = afero.Walk(e.fs, e.mount.RealRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if e.hidden(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		r.Files++
		virtual, err := e.mount.Virtual(path)
		if err == nil && !e.inodes.Exists(virtual) {
			r.Unmanaged = append(r.Unmanaged, virtual)
		}
		return nil
	})
	if err != nil {
		return nil, NewError(OpStat, e.mount.VirtualRoot, err)
	}

	sort.Strings(r.Dangling)
	sort.Strings(r.Orphans)
	logger.Info("Check: %d file(s), %d record(s), %d leaked, %d shared, %d dangling, %d orphaned",
		r.Files, r.Records, len(r.Leaked), len(r.Shared), len(r.Dangling), len(r.Orphans))
	return r, nil
}

// Repair frees leaked blocks and drops orphaned records, releasing the
// blocks they own unless another record shares them. Dangling records get
// a fresh block.
func (e *Engine) Repair(r *Report) error {
	var errs error
	sharedSet := make(map[alloc.Block]bool, len(r.Shared))
	for _, b := range r.Shared {
		sharedSet[b] = true
	}

	for _, b := range r.Leaked {
		e.alloc.Free(b)
	}
	for _, virtual := range r.Orphans {
		n := e.inodes.Load(virtual)
		if e.alloc.IsAllocated(n.FirstBlock) && !sharedSet[n.FirstBlock] {
			e.alloc.Free(n.FirstBlock)
		}
		errs = multierr.Append(errs, e.inodes.Remove(virtual))
	}
	for _, virtual := range r.Dangling {
		if contains(r.Orphans, virtual) {
			continue
		}
		n := e.inodes.Load(virtual)
		b, err := e.alloc.Allocate()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n.FirstBlock = b
		if n.CreateTime.IsZero() {
			n.CreateTime = e.now()
		}
		errs = multierr.Append(errs, e.inodes.Save(virtual, n))
	}

	if errs != nil {
		return NewError(OpCheckpoint, e.mount.VirtualRoot, errs)
	}
	logger.Info("Repaired: %d leaked block(s) freed, %d orphan(s) removed, %d record(s) reassigned",
		len(r.Leaked), len(r.Orphans), len(r.Dangling))
	return e.Checkpoint()
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
