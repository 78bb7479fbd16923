package toolhub

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/switchboard/pkg/observability"
)

// DefaultWatchDebounce coalesces editor write bursts into one reload.
const DefaultWatchDebounce = 300 * time.Millisecond

// Watcher reloads the hub's configuration document when it changes on disk.
// The parent directory is watched rather than the file itself so that
// atomic-rename saves (temp file then rename over the target) are still
// observed. Invalid documents are logged and skipped; the last good
// configuration stays in effect.
type Watcher struct {
	docPath  string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Document)
	logger   *observability.Logger

	mu       sync.Mutex
	pending  *time.Timer
	lastSize int64
	lastMod  time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches docPath and calls onChange with each validated reload.
func NewWatcher(docPath string, debounce time.Duration, onChange func(*Document), logger *observability.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = observability.Nop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(docPath)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		docPath:  docPath,
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.processEvents()
	return w, nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

// relevant filters directory noise down to changes of the document itself.
// Rename and Create cover atomic saves; Write covers in-place edits.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.docPath) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

// scheduleReload arms (or re-arms) the debounce timer, so a burst of events
// produces a single reload after the file has gone quiet.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, w.fireReload)
}

func (w *Watcher) fireReload() {
	select {
	case <-w.done:
		return
	default:
	}

	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	if !w.stable() {
		// Still being written; try again after another quiet interval.
		w.scheduleReload()
		return
	}

	doc, err := LoadDocument(w.docPath)
	if err != nil {
		observability.ConfigReloads.WithLabelValues("error").Inc()
		w.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return
	}

	observability.ConfigReloads.WithLabelValues("ok").Inc()
	w.logger.Info("config reloaded", slog.Int("servers", len(doc.Servers)))
	if w.onChange != nil {
		w.onChange(doc)
	}
}

// stable reports whether the document's size and mtime held still across a
// short recheck, guarding against reading a half-written file.
func (w *Watcher) stable() bool {
	info, err := os.Stat(w.docPath)
	if err != nil {
		// Deleted documents reload as empty; let LoadDocument decide.
		return true
	}

	w.mu.Lock()
	changed := info.Size() != w.lastSize || !info.ModTime().Equal(w.lastMod)
	w.lastSize = info.Size()
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	return !changed
}
