package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
)

// ErrStopDrain, returned by a Handler, aborts the drain. The triggering
// file and everything after it stay in place for a later drain, so a
// failure while acting on one message never discards the messages behind
// it.
var ErrStopDrain = errors.New("stop mailbox drain")

// Handler processes one decoded mailbox message. The raw bytes have
// already parsed as JSON; any handler error other than ErrStopDrain is
// logged but does not keep the file around, since re-reading would loop
// forever.
type Handler func(name string, raw []byte) error

// Reader drains one mailbox directory in write order.
type Reader struct {
	mbox   *Mailbox
	kind   Kind
	logger *logger.Logger
}

// NewReader returns a reader over one kind's directory.
func NewReader(mbox *Mailbox, kind Kind, log *logger.Logger) *Reader {
	return &Reader{
		mbox:   mbox,
		kind:   kind,
		logger: log.WithFields(zap.String("mailbox_kind", string(kind))),
	}
}

// Drain lists the directory, processes files in lexicographic (hence
// chronological) order, and deletes each file after processing. Files
// that fail to parse as JSON are deleted and skipped. Returns the number
// of messages handled and whether the shutdown sentinel was seen.
func (r *Reader) Drain(handle Handler) (int, bool, error) {
	dir := r.mbox.Dir(r.kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	names := make([]string, 0, len(entries))
	sentinel := false
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		if e.Name() == SentinelName {
			sentinel = true
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("failed to read mailbox file", zap.String("file", name), zap.Error(err))
			continue
		}

		if !json.Valid(raw) {
			// Malformed messages are never retried.
			r.logger.Warn("dropping malformed mailbox message", zap.String("file", name))
			_ = os.Remove(path)
			continue
		}

		if err := handle(name, raw); err != nil {
			if errors.Is(err, ErrStopDrain) {
				return handled, sentinel, nil
			}
			r.logger.Error("mailbox handler failed", zap.String("file", name), zap.Error(err))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove processed mailbox file", zap.String("file", name), zap.Error(err))
		}
		handled++
	}

	return handled, sentinel, nil
}

// ConsumeSentinel removes the sentinel file after it has been observed.
func (r *Reader) ConsumeSentinel() {
	_ = os.Remove(filepath.Join(r.mbox.Dir(r.kind), SentinelName))
}
