package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warrenhq/warren/internal/mailbox"
)

// ErrNotFound is returned when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Save is a full overwrite of the serialized
// turn sequence; every load returns the complete history.
type Store interface {
	Load(conversationKey, sessionID string) (*Session, error)
	Save(session *Session) error
}

// FileStore keeps one JSON file per session under a per-conversation
// subdirectory of its root. Workers get only their own conversation's
// subdirectory bind-mounted, so one conversation's agent cannot reach
// another's transcripts; the at-most-one-worker invariant makes each
// subdirectory single writer.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(conversationKey, sessionID string) string {
	// Session ids are uuids; reject anything path-like outright.
	name := strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")
	return filepath.Join(fs.dir, mailbox.SafeKey(conversationKey), name+".json")
}

// Load reads the full session for id. Returns ErrNotFound when absent.
func (fs *FileStore) Load(conversationKey, sessionID string) (*Session, error) {
	raw, err := os.ReadFile(fs.path(conversationKey, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save overwrites the stored session atomically (temp write + rename),
// so a crash mid-save never leaves a truncated history behind.
func (fs *FileStore) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	final := fs.path(sess.ConversationKey, sess.ID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}
