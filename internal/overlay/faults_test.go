package overlay

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fatoverlay/internal/inode"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected fault")

// faultyFs fails the host calls its predicates match and passes the rest
// through to the wrapped filesystem.
type faultyFs struct {
	afero.Fs
	failRemove func(name string) bool
	failRename func(oldname, newname string) bool
}

func (f *faultyFs) Remove(name string) error {
	if f.failRemove != nil && f.failRemove(name) {
		return &os.PathError{Op: "remove", Path: name, Err: errInjected}
	}
	return f.Fs.Remove(name)
}

func (f *faultyFs) RemoveAll(name string) error {
	if f.failRemove != nil && f.failRemove(name) {
		return &os.PathError{Op: "removeall", Path: name, Err: errInjected}
	}
	return f.Fs.RemoveAll(name)
}

func (f *faultyFs) Rename(oldname, newname string) error {
	if f.failRename != nil && f.failRename(oldname, newname) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errInjected}
	}
	return f.Fs.Rename(oldname, newname)
}

func setupFaultyEngine(t *testing.T) (*Engine, *faultyFs, string) {
	t.Helper()
	root := t.TempDir()
	fs := &faultyFs{Fs: afero.NewOsFs()}
	e, err := Open(Options{Fs: fs, RealRoot: root})
	require.NoError(t, err)
	return e, fs, root
}

func TestDeleteReleasesBookkeepingWhenHostRemoveFails(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, e *Engine)
		target  string
		host    string
		records []string
	}{
		{
			name: "file",
			setup: func(t *testing.T, e *Engine) {
				require.NoError(t, e.CreateFile("/home/a.txt"))
			},
			target:  "/home/a.txt",
			host:    "a.txt",
			records: []string{"/home/a.txt"},
		},
		{
			name: "directory",
			setup: func(t *testing.T, e *Engine) {
				require.NoError(t, e.CreateDirectory("/home/d/sub"))
				require.NoError(t, e.CreateFile("/home/d/one"))
				require.NoError(t, e.CreateFile("/home/d/sub/two"))
			},
			target:  "/home/d",
			host:    "d",
			records: []string{"/home/d/one", "/home/d/sub/two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fs, root := setupFaultyEngine(t)
			tt.setup(t, e)
			require.NotZero(t, e.alloc.Used())

			host := filepath.Join(root, tt.host)
			fs.failRemove = func(name string) bool { return name == host }

			err := e.DeleteItem(tt.target)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errInjected))

			assert.Equal(t, 0, e.alloc.Used(), "blocks are released")
			for _, p := range tt.records {
				assert.True(t, e.LoadInode(p).IsZero(), "record for %s is removed", p)
			}
		})
	}
}

func TestRenameRollsBackWhenRecordMoveFails(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, e *Engine)
		from    string
		to      string
		oldHost string
		newHost string
		record  string
	}{
		{
			name: "file",
			setup: func(t *testing.T, e *Engine) {
				require.NoError(t, e.CreateFile("/home/a.txt"))
			},
			from:    "/home/a.txt",
			to:      "/home/b.txt",
			oldHost: "a.txt",
			newHost: "b.txt",
			record:  "/home/a.txt",
		},
		{
			name: "directory",
			setup: func(t *testing.T, e *Engine) {
				require.NoError(t, e.CreateDirectory("/home/d"))
				require.NoError(t, e.CreateFile("/home/d/f"))
			},
			from:    "/home/d",
			to:      "/home/e",
			oldHost: "d",
			newHost: "e",
			record:  "/home/d/f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fs, root := setupFaultyEngine(t)
			tt.setup(t, e)
			before := e.LoadInode(tt.record)
			require.False(t, before.IsZero())

			shadow := filepath.Join(root, inode.DirName) + string(filepath.Separator)
			fs.failRename = func(oldname, _ string) bool { return strings.HasPrefix(oldname, shadow) }

			err := e.RenameItem(tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errInjected))

			_, err = os.Lstat(filepath.Join(root, tt.oldHost))
			assert.NoError(t, err, "host entry is back at its old path")
			_, err = os.Lstat(filepath.Join(root, tt.newHost))
			assert.True(t, os.IsNotExist(err))

			assert.Equal(t, before, e.LoadInode(tt.record))
			assert.Equal(t, 1, e.alloc.Used())
		})
	}
}
