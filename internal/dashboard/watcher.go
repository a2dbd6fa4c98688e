package dashboard

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Watcher signals changes to a state document. It watches the containing
// directory because writers replace the document by rename.
type Watcher struct {
	watcher *fsnotify.Watcher
	name    string
	changes chan struct{}
	logger  *logging.Logger
}

// NewWatcher watches the document at path. Matching is by name prefix so a
// SQLite database's -wal and -journal files count as the document too.
// Temp and lock files are ignored.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		watcher: w,
		name:    filepath.Base(path),
		changes: make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// Changes delivers one value per burst of writes. Bursts coalesce while the
// previous signal is unread.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run forwards matching filesystem events until ctx ends or the watcher
// closes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(ev) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", "error", err)
		}
	}
}

func (w *Watcher) matches(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if !strings.HasPrefix(base, w.name) || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".lock") {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
