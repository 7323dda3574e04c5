// Package watch reports changes made to host directories behind the
// overlay's back, so a listing of the current directory can be refreshed.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"fatoverlay/internal/logging"

	"github.com/fsnotify/fsnotify"
)

var (
	logger = logging.GetLogger().WithPrefix("watch")
)

// DefaultDebounce is how long a burst of events is collected before the
// callback runs.
const DefaultDebounce = 200 * time.Millisecond

// Change is a batch of events observed in one host directory.
type Change struct {
	Dir   string
	Names []string // base names, sorted, without duplicates
}

// Watcher delivers debounced Changes for a set of host directories.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	ignore   func(path string) bool
}

// New creates a watcher. Events for paths accepted by ignore are dropped;
// ignore may be nil.
func New(debounce time.Duration, ignore func(path string) bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	return &Watcher{fsw: fsw, debounce: debounce, ignore: ignore}, nil
}

// Add starts watching dir. Watches are not recursive.
func (w *Watcher) Add(dir string) error {
	logger.Debug("Watching %s", dir)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

// Remove stops watching dir.
func (w *Watcher) Remove(dir string) error {
	return w.fsw.Remove(dir)
}

// Close releases the underlying watcher and ends Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run calls fn with each batch of changes until ctx is done or the watcher
// is closed. fn runs on Run's goroutine.
func (w *Watcher) Run(ctx context.Context, fn func(Change)) error {
	pending := make(map[string]map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		dirs := make([]string, 0, len(pending))
		for dir := range pending {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		for _, dir := range dirs {
			names := make([]string, 0, len(pending[dir]))
			for name := range pending[dir] {
				names = append(names, name)
			}
			sort.Strings(names)
			logger.Debug("Change in %s: %v", dir, names)
			fn(Change{Dir: dir, Names: names})
		}
		pending = make(map[string]map[string]bool)
		armed = false
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.ignore(ev.Name) || ev.Op == fsnotify.Chmod {
				logger.Trace("Ignoring %v", ev)
				continue
			}
			dir, name := filepath.Dir(ev.Name), filepath.Base(ev.Name)
			if pending[dir] == nil {
				pending[dir] = make(map[string]bool)
			}
			pending[dir][name] = true
			if !armed {
				timer.Reset(w.debounce)
				armed = true
			}

		case <-timer.C:
			flush()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error: %v", err)
		}
	}
}
