// Package watcher observes a route tree and reports entries appearing and
// disappearing. The initial enumeration is synchronous; afterwards events are
// delivered in the order fsnotify reports them.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/logging"
)

// EventKind is the type of change reported for an entry.
type EventKind int

const (
	Added EventKind = iota
	Removed
)

// String returns the string representation of the EventKind
func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event reports an entry under the watched root. IsNew distinguishes a path
// seen for the first time from a change to a path already known.
type Event struct {
	Kind  EventKind
	Path  string
	IsNew bool
	IsDir bool
}

// FileFilter reports whether a root-relative, slash-separated path is watched.
type FileFilter func(rel string) bool

// FileWatcher watches a directory tree. It is single use: once stopped it
// cannot be started again.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	filters []FileFilter
	logger  logging.Logger

	events chan Event
	known  map[string]bool
	mutex  sync.RWMutex

	started  bool
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher creates a watcher for root.
func NewFileWatcher(root string, logger logging.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "resolving watch root", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "creating fsnotify watcher", err)
	}

	if logger == nil {
		logger = logging.NewNop()
	}

	return &FileWatcher{
		root:    abs,
		watcher: watcher,
		logger:  logger.WithComponent("watcher"),
		events:  make(chan Event, 256),
		known:   make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// AddFilter adds a file filter. Filters must be added before Start.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// Root returns the absolute watched root.
func (fw *FileWatcher) Root() string {
	return fw.root
}

// Events returns the event stream. It is closed once the watcher stops.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Start enumerates the tree, arms fsnotify on every watched directory and
// then returns. Events flow until ctx is cancelled or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mutex.Lock()
	if fw.started || fw.stopped {
		fw.mutex.Unlock()
		return kiterrors.NewInternalError(kiterrors.ErrCodeIllegalState, "file watcher cannot be restarted", nil)
	}
	fw.started = true
	fw.mutex.Unlock()

	info, err := os.Stat(fw.root)
	if err != nil {
		return kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "watch root unavailable: "+fw.root, err)
	}
	if !info.IsDir() {
		return kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "watch root is not a directory: "+fw.root, nil)
	}

	if err := fw.watcher.Add(fw.root); err != nil {
		return kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "watching "+fw.root, err)
	}
	if err := fw.enumerate(fw.root, func(path string, isDir bool) {}); err != nil {
		return kiterrors.NewIOError(kiterrors.ErrCodeWatchInit, "enumerating "+fw.root, err)
	}

	fw.logger.Debug(ctx, "File watcher started", "root", fw.root, "known", len(fw.known))

	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.mutex.Lock()
		fw.stopped = true
		started := fw.started
		fw.mutex.Unlock()

		close(fw.done)
		err = fw.watcher.Close()
		if !started {
			close(fw.events)
		}
	})
	return err
}

// Known returns every known path, sorted.
func (fw *FileWatcher) Known() []string {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()

	paths := make([]string, 0, len(fw.known))
	for path := range fw.known {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer close(fw.events)

	for {
		select {
		case <-ctx.Done():
			fw.Stop()
			return
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			for _, e := range fw.handleFsnotifyEvent(event) {
				select {
				case fw.events <- e:
				case <-ctx.Done():
					fw.Stop()
					return
				case <-fw.done:
					return
				}
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			// Log error but continue watching
			fw.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) []Event {
	path := filepath.Clean(event.Name)
	if !fw.accept(path) {
		return nil
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		return fw.added(path)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return fw.removed(path)
	case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		return fw.added(path)
	default:
		return nil
	}
}

func (fw *FileWatcher) added(path string) []Event {
	fw.mutex.RLock()
	isDir, known := fw.known[path]
	fw.mutex.RUnlock()

	if known {
		if isDir {
			return nil
		}
		return []Event{{Kind: Added, Path: path, IsDir: false}}
	}

	info, err := os.Stat(path)
	if err != nil {
		// Already gone again.
		return nil
	}

	fw.mutex.Lock()
	fw.known[path] = info.IsDir()
	fw.mutex.Unlock()

	events := []Event{{Kind: Added, Path: path, IsNew: true, IsDir: info.IsDir()}}
	if !info.IsDir() {
		return events
	}

	if err := fw.watcher.Add(path); err != nil {
		fw.logger.Warn(context.Background(), err, "Failed to watch directory", "path", path)
	}
	// Entries created before the watch was armed are only visible by walking.
	err = fw.enumerate(path, func(p string, dir bool) {
		events = append(events, Event{Kind: Added, Path: p, IsNew: true, IsDir: dir})
	})
	if err != nil {
		fw.logger.Warn(context.Background(), err, "Failed to enumerate new directory", "path", path)
	}
	return events
}

func (fw *FileWatcher) removed(path string) []Event {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()

	isDir, known := fw.known[path]
	if !known {
		return nil
	}

	var gone []string
	if isDir {
		prefix := path + string(filepath.Separator)
		for p := range fw.known {
			if strings.HasPrefix(p, prefix) {
				gone = append(gone, p)
			}
		}
		// Deepest first so children are reported before their parents.
		sort.Slice(gone, func(i, j int) bool {
			if len(gone[i]) != len(gone[j]) {
				return len(gone[i]) > len(gone[j])
			}
			return gone[i] < gone[j]
		})
		_ = fw.watcher.Remove(path)
	}
	gone = append(gone, path)

	events := make([]Event, 0, len(gone))
	for _, p := range gone {
		events = append(events, Event{Kind: Removed, Path: p, IsDir: fw.known[p]})
		delete(fw.known, p)
	}
	return events
}

// enumerate records every accepted, unknown entry below dir, arming fsnotify
// on directories, and reports each to visit parents first.
func (fw *FileWatcher) enumerate(dir string, visit func(path string, isDir bool)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != dir {
				return nil
			}
			return err
		}
		if path == dir {
			return nil
		}
		if !fw.accept(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		fw.mutex.Lock()
		_, seen := fw.known[path]
		fw.known[path] = d.IsDir()
		fw.mutex.Unlock()

		if d.IsDir() {
			if err := fw.watcher.Add(path); err != nil {
				return err
			}
		}
		if !seen {
			visit(path, d.IsDir())
		}
		return nil
	})
}

func (fw *FileWatcher) accept(path string) bool {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	rel = filepath.ToSlash(rel)

	fw.mutex.RLock()
	filters := fw.filters
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(rel) {
			return false
		}
	}
	return true
}

// PrivateFilter excludes any path with a segment starting with prefix.
func PrivateFilter(prefix string) FileFilter {
	return func(rel string) bool {
		if prefix == "" {
			return true
		}
		for _, segment := range strings.Split(rel, "/") {
			if strings.HasPrefix(segment, prefix) {
				return false
			}
		}
		return true
	}
}

// IgnoreFilter excludes paths matching any of the doublestar patterns.
func IgnoreFilter(patterns []string) FileFilter {
	return func(rel string) bool {
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return false
			}
		}
		return true
	}
}
