package mailbox

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes a consumer when a mailbox directory may have new
// messages. Filesystem notifications are a latency optimization only;
// the poll ticker remains the correctness backstop, so arbitrary delay
// between write and read is tolerated.
type Watcher struct {
	dirs     []string
	poll     time.Duration
	notifier *fsnotify.Watcher
}

// NewWatcher returns a watcher over the given directories. Directories
// that do not exist yet are picked up by polling until they appear.
func NewWatcher(poll time.Duration, dirs ...string) *Watcher {
	w := &Watcher{dirs: dirs, poll: poll}
	if n, err := fsnotify.NewWatcher(); err == nil {
		w.notifier = n
		for _, dir := range dirs {
			_ = n.Add(dir)
		}
	}
	return w
}

// Wait blocks until a wake-up (notification or poll tick) or context
// cancellation. Returns false when the context is done.
func (w *Watcher) Wait(ctx context.Context) bool {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()

	if w.notifier == nil {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		// Retry directories that did not exist at construction time.
		for _, dir := range w.dirs {
			_ = w.notifier.Add(dir)
		}
		return true
	case <-w.notifier.Events:
		return true
	case <-w.notifier.Errors:
		return true
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	if w.notifier != nil {
		return w.notifier.Close()
	}
	return nil
}
