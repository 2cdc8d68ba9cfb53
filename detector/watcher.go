package detector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/k4Y53N/nanoServer/lifecycle"
	"github.com/k4Y53N/nanoServer/log"
)

// Rescanner reloads a descriptor catalog.
type Rescanner interface {
	Rescan() int
}

// Watcher rescans the descriptor directory after files change. Bursts of
// events within one interval collapse into a single rescan.
type Watcher struct {
	dir    string
	target Rescanner
	logger *log.Logger

	fs     *fsnotify.Watcher
	dirty  atomic.Bool
	worker *lifecycle.Worker
}

// NewWatcher creates a watcher over dir. Debounce defaults to 500ms.
func NewWatcher(dir string, target Rescanner, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:    dir,
		target: target,
		logger: log.OrNop(logger).Component("detector.watcher"),
		fs:     fs,
	}
	w.worker = lifecycle.New("detector.watcher", lifecycle.PhaseFuncs{
		InitFn:    w.pump,
		ExecuteFn: w.flush,
		CloseFn:   func() { _ = w.fs.Close() },
	}, debounce, logger)
	return w, nil
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) { w.worker.Start(ctx) }

// Close stops watching without waiting.
func (w *Watcher) Close() {
	w.worker.Close()
}

// Join waits for the watcher to stop.
func (w *Watcher) Join() { w.worker.Join() }

// pump forwards filesystem events into the dirty flag until ctx ends.
func (w *Watcher) pump(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fs.Events:
				if !ok {
					return
				}
				if IsDescriptor(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.dirty.Store(true)
				}
			case err, ok := <-w.fs.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", map[string]any{"error": err.Error()})
			}
		}
	}()
	w.logger.Info("watching detector configs", map[string]any{"dir": w.dir})
	return nil
}

func (w *Watcher) flush(context.Context) error {
	if !w.dirty.Swap(false) {
		return nil
	}
	n := w.target.Rescan()
	w.logger.Debug("detector configs rescanned", map[string]any{"count": n})
	return nil
}
