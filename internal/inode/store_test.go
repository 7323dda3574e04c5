package inode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fatoverlay/internal/pathres"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, afero.Fs, *pathres.Mount) {
	t.Helper()
	fs := afero.NewMemMapFs()
	mount, err := pathres.NewMount("/home", "/real")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll(mount.RealRoot, 0755))
	return NewStore(fs, mount), fs, mount
}

func sampleInode() Inode {
	now := time.Unix(1700000000, 123456789)
	return Inode{FirstBlock: 7, Size: 42, CreateTime: now, ModifyTime: now.Add(time.Minute)}
}

func assertSameInode(t *testing.T, want, got Inode) {
	t.Helper()
	assert.Equal(t, want.FirstBlock, got.FirstBlock)
	assert.Equal(t, want.Size, got.Size)
	assert.True(t, want.CreateTime.Equal(got.CreateTime), "create time %v != %v", want.CreateTime, got.CreateTime)
	assert.True(t, want.ModifyTime.Equal(got.ModifyTime), "modify time %v != %v", want.ModifyTime, got.ModifyTime)
}

func TestRecordEncoding(t *testing.T) {
	n := sampleInode()
	data, err := n.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, RecordSize)

	var got Inode
	require.NoError(t, got.UnmarshalBinary(data))
	assertSameInode(t, n, got)

	zero, err := Zero().MarshalBinary()
	require.NoError(t, err)
	var z Inode
	require.NoError(t, z.UnmarshalBinary(zero))
	assert.True(t, z.IsZero())
}

func TestRecordRejectsGarbage(t *testing.T) {
	var n Inode
	assert.True(t, errors.Is(n.UnmarshalBinary([]byte{1, 2, 3}), ErrBadRecord))
	assert.True(t, errors.Is(n.UnmarshalBinary(make([]byte, RecordSize)), ErrBadRecord))
}

func TestShadowPath(t *testing.T) {
	s, _, mount := setupTestStore(t)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "top level file", input: "/home/x.txt", expected: filepath.Join(mount.RealRoot, "inode", "x.txt.inode")},
		{name: "nested file", input: "/home/a/b/c", expected: filepath.Join(mount.RealRoot, "inode", "a.d", "b.d", "c.inode")},
		{name: "unsimplified", input: "/home/a/./b/../c", expected: filepath.Join(mount.RealRoot, "inode", "a.d", "c.inode")},
		{name: "relative to current", input: "rel.txt", expected: filepath.Join(mount.RealRoot, "inode", "rel.txt.inode")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ShadowPath(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	a, _ := s.ShadowPath("/home/a.txt")
	b, _ := s.ShadowPath("/home/a")
	assert.NotEqual(t, a, b)

	// A directory whose name looks like a record never mirrors onto one
	record, _ := s.ShadowPath("/home/a")
	dir, _ := s.ShadowDir("/home/a.inode")
	assert.NotEqual(t, record, dir)
	nested, _ := s.ShadowPath("/home/a.inode/f")
	assert.NotEqual(t, record, filepath.Dir(nested))

	_, err := s.ShadowPath("/home")
	assert.True(t, errors.Is(err, ErrNoRecord))

	_, err = s.ShadowPath("/etc/passwd")
	assert.True(t, errors.Is(err, pathres.ErrOutOfJail))
}

func TestSaveLoadRemove(t *testing.T) {
	s, _, _ := setupTestStore(t)

	assert.True(t, s.Load("/home/deep/dir/file").IsZero())

	n := sampleInode()
	require.NoError(t, s.Save("/home/deep/dir/file", n))
	assert.True(t, s.Exists("/home/deep/dir/file"))
	assertSameInode(t, n, s.Load("/home/deep/dir/file"))

	n.Size = 100
	require.NoError(t, s.Save("/home/deep/dir/file", n))
	assert.Equal(t, uint64(100), s.Load("/home/deep/dir/file").Size)

	require.NoError(t, s.Remove("/home/deep/dir/file"))
	assert.True(t, s.Load("/home/deep/dir/file").IsZero())
	assert.NoError(t, s.Remove("/home/deep/dir/file"), "removing an absent record is not an error")
}

func TestLoadCorruptRecord(t *testing.T) {
	s, fs, _ := setupTestStore(t)

	shadow, err := s.ShadowPath("/home/bad")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll(filepath.Dir(shadow), 0755))
	require.NoError(t, afero.WriteFile(fs, shadow, []byte("short"), 0644))

	n := s.Load("/home/bad")
	assert.True(t, n.IsZero())
	assert.Equal(t, Zero().FirstBlock, n.FirstBlock)
}

func TestRename(t *testing.T) {
	s, _, _ := setupTestStore(t)
	n := sampleInode()
	require.NoError(t, s.Save("/home/a.txt", n))

	require.NoError(t, s.Rename("/home/a.txt", "/home/sub/b.txt"))
	assertSameInode(t, n, s.Load("/home/sub/b.txt"))
	assert.True(t, s.Load("/home/a.txt").IsZero())

	err := s.Rename("/home/missing", "/home/other")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTreeOperations(t *testing.T) {
	fs := afero.NewOsFs()
	mount, err := pathres.NewMount("/home", t.TempDir())
	require.NoError(t, err)
	s := NewStore(fs, mount)

	n := sampleInode()
	require.NoError(t, s.Save("/home/dir/one", n))
	require.NoError(t, s.Save("/home/dir/sub/two", n))

	require.NoError(t, s.RenameTree("/home/dir", "/home/moved"))
	assert.True(t, s.Exists("/home/moved/one"))
	assert.True(t, s.Exists("/home/moved/sub/two"))
	assert.False(t, s.Exists("/home/dir/one"))

	assert.NoError(t, s.RenameTree("/home/nothing", "/home/elsewhere"))

	require.NoError(t, s.RemoveTree("/home/moved"))
	assert.False(t, s.Exists("/home/moved/sub/two"))

	require.NoError(t, s.Save("/home/x", n))
	require.NoError(t, s.Wipe())
	assert.False(t, s.Exists("/home/x"))
}

func TestWalk(t *testing.T) {
	s, fs, _ := setupTestStore(t)
	n := sampleInode()
	require.NoError(t, s.Save("/home/a.txt", n))
	require.NoError(t, s.Save("/home/dir/b.txt", n))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Root(), "stray"), []byte("x"), 0644))

	seen := map[string]Inode{}
	require.NoError(t, s.Walk(func(virtual string, n Inode) error {
		seen[virtual] = n
		return nil
	}))

	assert.Len(t, seen, 2)
	assert.Contains(t, seen, "/home/a.txt")
	assert.Contains(t, seen, "/home/dir/b.txt")
	assert.Equal(t, n.FirstBlock, seen["/home/dir/b.txt"].FirstBlock)
}

func TestRecordAndDirectoryNamespacesAreDisjoint(t *testing.T) {
	fs := afero.NewOsFs()
	mount, err := pathres.NewMount("/home", t.TempDir())
	require.NoError(t, err)
	s := NewStore(fs, mount)

	n := sampleInode()
	require.NoError(t, s.Save("/home/a", n))
	require.NoError(t, s.Save("/home/a.inode/f", n))
	require.NoError(t, s.Save("/home/x.d", n))
	require.NoError(t, s.Save("/home/x/y", n))

	require.NoError(t, s.RemoveTree("/home/a.inode"))
	assert.False(t, s.Exists("/home/a.inode/f"))
	assertSameInode(t, n, s.Load("/home/a"))

	// Tree operations on a path with no shadow directory leave records alone
	require.NoError(t, s.RemoveTree("/home/a"))
	assert.True(t, s.Exists("/home/a"))
	require.NoError(t, s.RenameTree("/home/a", "/home/b"))
	assert.True(t, s.Exists("/home/a"))

	seen := map[string]bool{}
	require.NoError(t, s.Walk(func(virtual string, _ Inode) error {
		seen[virtual] = true
		return nil
	}))
	assert.Equal(t, map[string]bool{"/home/a": true, "/home/x.d": true, "/home/x/y": true}, seen)
}
