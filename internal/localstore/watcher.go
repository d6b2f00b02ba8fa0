package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

// Watcher translates filesystem events under the store root into sync-unit
// change notifications, so edits made by the GUI or device layer are picked
// up without an explicit NotifyChange call. Debouncing happens downstream in
// the orchestrator.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	units   chan models.SyncUnit
	done    chan struct{}
	log     logging.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for the given store. Start it with Start.
func NewWatcher(store *Store, log logging.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		store:   store,
		watcher: w,
		units:   make(chan models.SyncUnit, 100),
		done:    make(chan struct{}),
		log:     log,
	}, nil
}

// Units delivers changed sync units. Closed when the watcher stops.
func (w *Watcher) Units() <-chan models.SyncUnit {
	return w.units
}

// Start begins watching the store root and all existing unit directories.
// New directories are added to the watch as they appear.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.addRecursive(w.store.Root()); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the watcher down and closes the Units channel. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false

	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
	close(w.units)
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Skip the atomic-write temp files.
			if strings.HasPrefix(filepath.Base(event.Name), ".tmp-") {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.log.Warn(ctx, "watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			if unit, ok := w.store.UnitFromPath(event.Name); ok {
				select {
				case w.units <- unit:
				default:
					// Channel full: the orchestrator already has plenty to
					// debounce, dropping is safe.
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn(ctx, "watcher error", "error", err)
		}
	}
}
