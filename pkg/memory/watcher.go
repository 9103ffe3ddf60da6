package memory

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher reports debounced changes of named files in watched directories.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers map[string][]func()
	timers   map[string]*time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher starts a watcher. Register handlers with OnChange and
// directories with Watch.
func NewFileWatcher(logger zerolog.Logger, debounce time.Duration) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fw := &FileWatcher{
		watcher:  w,
		logger:   logger,
		debounce: debounce,
		handlers: make(map[string][]func()),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

// Watch adds a directory.
func (fw *FileWatcher) Watch(dir string) error {
	return fw.watcher.Add(dir)
}

// OnChange registers fn for writes, creations, renames and removals of a
// file with the given base name.
func (fw *FileWatcher) OnChange(name string, fn func()) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.handlers[name] = append(fw.handlers[name], fn)
}

// Stop stops the watcher.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		err = fw.watcher.Close()
		fw.mu.Lock()
		for _, t := range fw.timers {
			t.Stop()
		}
		fw.mu.Unlock()
	})
	return err
}

func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			fw.logger.Debug().Str("file", name).Str("op", event.Op.String()).Msg("File change detected")
			fw.schedule(name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) schedule(name string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	handlers := fw.handlers[name]
	if len(handlers) == 0 {
		return
	}
	if t, ok := fw.timers[name]; ok {
		t.Stop()
	}
	fw.timers[name] = time.AfterFunc(fw.debounce, func() {
		select {
		case <-fw.stopCh:
			return
		default:
		}
		for _, fn := range handlers {
			fn()
		}
	})
}

// WatchStore invalidates the store's cache whenever MEMORY.md changes on disk.
func WatchStore(fw *FileWatcher, s *Store) error {
	fw.OnChange(MemoryFile, s.Invalidate)
	return fw.Watch(s.Dir())
}
