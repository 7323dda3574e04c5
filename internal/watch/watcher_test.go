package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, ignore func(string) bool) (string, <-chan Change) {
	t.Helper()
	dir := t.TempDir()

	w, err := New(50*time.Millisecond, ignore)
	require.NoError(t, err)
	require.NoError(t, w.Add(dir))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Change, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(c Change) { changes <- c })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return dir, changes
}

func waitChange(t *testing.T, changes <-chan Change) Change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change")
		return Change{}
	}
}

func TestRunReportsNewFile(t *testing.T) {
	dir, changes := startWatcher(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))

	c := waitChange(t, changes)
	assert.Equal(t, dir, c.Dir)
	assert.Contains(t, c.Names, "a.txt")
}

func TestRunDropsIgnoredPaths(t *testing.T) {
	dir, changes := startWatcher(t, func(p string) bool {
		return strings.HasSuffix(p, ".inode")
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.inode"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0644))

	c := waitChange(t, changes)
	assert.Contains(t, c.Names, "b.txt")
	assert.NotContains(t, c.Names, "a.txt.inode")
}

func TestRunStopsOnCancel(t *testing.T) {
	w, err := New(0, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, DefaultDebounce, w.debounce)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx, func(Change) {}), context.Canceled)
}

func TestAddMissingDirectory(t *testing.T) {
	w, err := New(0, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Add(filepath.Join(t.TempDir(), "missing")))
}
