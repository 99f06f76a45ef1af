// Package watch notices pending operations written to the file store by another process.
package watch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/pkg/store"
)

const defaultDebounce = 250 * time.Millisecond

// QueueWatcher calls onChange once a burst of writes to the pending queue file settles.
type QueueWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	name     string
	debounce time.Duration
	onChange func()
	logger   logrus.FieldLogger

	wg      sync.WaitGroup
	mu      sync.Mutex
	timer   *time.Timer
	running bool
	done    chan struct{}
}

type Option func(*QueueWatcher)

func WithDebounce(d time.Duration) Option {
	return func(w *QueueWatcher) {
		w.debounce = d
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(w *QueueWatcher) {
		w.logger = logger
	}
}

// NewQueueWatcher watches the directory behind a file store URL (file:///path or a plain path).
func NewQueueWatcher(storeURL string, onChange func(), opts ...Option) (*QueueWatcher, error) {
	if onChange == nil {
		return nil, errors.New("onChange cannot be nil")
	}
	dir := kv.LocalDir(storeURL)
	if dir == "" {
		return nil, fmt.Errorf("store URL %q is not a local directory", storeURL)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &QueueWatcher{
		watcher:  watcher,
		dir:      dir,
		name:     kv.ObjectName(store.PendingKey),
		debounce: defaultDebounce,
		onChange: onChange,
		logger:   logrus.StandardLogger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The directory must exist.
func (w *QueueWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.logger.WithField("dir", w.dir).Info("Watching pending queue")
	return nil
}

// Stop blocks until the event loop exits. Pending debounced calls are dropped.
func (w *QueueWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *QueueWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Queue watcher error")
		}
	}
}

func (w *QueueWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != w.name {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *QueueWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *QueueWatcher) fire() {
	w.mu.Lock()
	running := w.running
	w.timer = nil
	w.mu.Unlock()

	if running {
		w.logger.Debug("Pending queue changed on disk")
		w.onChange()
	}
}
