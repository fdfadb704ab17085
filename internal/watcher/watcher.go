// Package watcher reports source changes under a project root. Directories
// are watched recursively, ignored paths are filtered with glob patterns,
// and bursts of events on one file are coalesced before the callback runs.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 100 * time.Millisecond

// ChangeFunc receives the absolute path of a changed file.
type ChangeFunc func(path string)

// Config configures a Watcher.
type Config struct {
	Root     string
	Debounce time.Duration
	// Ignore holds glob patterns matched against slash-separated paths
	// relative to Root, with a leading slash, so "**/node_modules/**"
	// also matches at the top level.
	Ignore   []string
	OnChange ChangeFunc
}

// Watcher watches a directory tree.
type Watcher struct {
	root     string
	debounce time.Duration
	ignore   []glob.Glob
	onChange ChangeFunc

	fs *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]*time.Timer

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a watcher over cfg.Root and registers every directory below
// it that is not ignored.
func New(cfg Config) (*Watcher, error) {
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("watcher: OnChange is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	ignore := make([]glob.Glob, 0, len(cfg.Ignore))
	for _, pattern := range cfg.Ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", pattern, err)
		}
		ignore = append(ignore, g)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		ignore:   ignore,
		onChange: cfg.OnChange,
		fs:       fsw,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers changes until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	log.Debug().Str("root", w.root).Msg("Watching sources")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

// Close stops the watcher and drops pending changes.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()

		w.pendingMu.Lock()
		for path, timer := range w.pending {
			timer.Stop()
			delete(w.pending, path)
		}
		w.pendingMu.Unlock()

		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.ignored(event.Name, false) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}

	w.schedule(event.Name)
}

func (w *Watcher) schedule(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		delete(w.pending, path)
		w.pendingMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		log.Debug().Str("path", path).Msg("Source file changed")
		w.onChange(path)
	})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish between the event and the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string, dir bool) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = "/" + filepath.ToSlash(rel)

	for _, g := range w.ignore {
		if g.Match(rel) || (dir && g.Match(rel+"/")) {
			return true
		}
	}
	return false
}
