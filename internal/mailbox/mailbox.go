// Package mailbox implements the file-based message exchange between the
// host and its workers. Each conversation owns one directory per message
// kind; producers write to a temporary name and atomically rename into
// the watched directory, so readers only ever see complete files.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a mailbox message kind. Each kind maps to its own
// watched directory; ordering is guaranteed only within one directory.
type Kind string

const (
	KindReply    Kind = "reply"    // outbound chat reply
	KindVoice    Kind = "voice"    // outbound voice/side-channel send
	KindSchedule Kind = "schedule" // scheduling request for the host scheduler
	KindMessage  Kind = "message"  // inbound follow-up for a running worker
)

// SentinelName is the distinguished file in the inbound directory that
// tells the worker to finish its in-flight turn and exit.
const SentinelName = "shutdown"

const tmpPrefix = ".tmp-"

// Reply is an outbound chat reply written by a worker.
type Reply struct {
	Kind            Kind      `json:"kind"`
	ConversationKey string    `json:"conversationKey"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
}

// Voice is an outbound voice send written by a worker.
type Voice struct {
	Kind            Kind      `json:"kind"`
	ConversationKey string    `json:"conversationKey"`
	Text            string    `json:"text"`
	VoiceHint       string    `json:"voiceHint,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ScheduleRequest asks the host scheduler to register an automation.
type ScheduleRequest struct {
	Kind          Kind      `json:"kind"`
	Prompt        string    `json:"prompt"`
	ScheduleType  string    `json:"scheduleType"` // cron, interval, once
	ScheduleValue string    `json:"scheduleValue"`
	ContextMode   string    `json:"contextMode"`
	CreatedBy     string    `json:"createdBy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Inbound is a follow-up message delivered to a running worker.
type Inbound struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

// Mailbox is one conversation's set of message directories.
type Mailbox struct {
	root string
	key  string
}

// New returns the mailbox for a conversation under root. Directories are
// created on first use.
func New(root, conversationKey string) *Mailbox {
	return &Mailbox{root: root, key: SafeKey(conversationKey)}
}

// SafeKey maps a conversation key to a filesystem-safe directory name. Both
// sides of the protocol must use the same mapping so host and worker agree
// on mailbox paths.
func SafeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

// ConversationKey returns the owning conversation's key.
func (m *Mailbox) ConversationKey() string {
	return m.key
}

// Dir returns the directory path for one message kind.
func (m *Mailbox) Dir(kind Kind) string {
	return filepath.Join(m.root, m.key, dirName(kind))
}

func dirName(kind Kind) string {
	switch kind {
	case KindReply:
		return "replies"
	case KindVoice:
		return "voice"
	case KindSchedule:
		return "schedule"
	case KindMessage:
		return "inbox"
	default:
		return string(kind)
	}
}

// write atomically places a fully serialized message into the kind's
// directory. The final name is timestamp-prefixed so lexicographic
// order is chronological.
func (m *Mailbox) write(kind Kind, v any) error {
	dir := m.Dir(kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mailbox dir: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal mailbox message: %w", err)
	}

	id := uuid.New().String()[:8]
	name := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("20060102T150405.000000000"), id)
	tmp := filepath.Join(dir, tmpPrefix+id)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mailbox tmp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish mailbox message: %w", err)
	}
	return nil
}

// WriteReply publishes an outbound chat reply.
func (m *Mailbox) WriteReply(text string) error {
	return m.write(KindReply, &Reply{
		Kind:            KindReply,
		ConversationKey: m.key,
		Text:            text,
		Timestamp:       time.Now().UTC(),
	})
}

// WriteVoice publishes an outbound voice send.
func (m *Mailbox) WriteVoice(text, voiceHint string) error {
	return m.write(KindVoice, &Voice{
		Kind:            KindVoice,
		ConversationKey: m.key,
		Text:            text,
		VoiceHint:       voiceHint,
		Timestamp:       time.Now().UTC(),
	})
}

// WriteSchedule publishes a scheduling request.
func (m *Mailbox) WriteSchedule(req *ScheduleRequest) error {
	req.Kind = KindSchedule
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	return m.write(KindSchedule, req)
}

// WriteInbound publishes a follow-up message for the running worker.
func (m *Mailbox) WriteInbound(text string) error {
	return m.write(KindMessage, &Inbound{Kind: KindMessage, Text: text})
}

// WriteShutdown places the shutdown sentinel in the inbound directory.
// The worker exits gracefully at its next poll.
func (m *Mailbox) WriteShutdown() error {
	dir := m.Dir(KindMessage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mailbox dir: %w", err)
	}
	tmp := filepath.Join(dir, tmpPrefix+SentinelName)
	if err := os.WriteFile(tmp, []byte("shutdown\n"), 0o644); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, SentinelName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish sentinel: %w", err)
	}
	return nil
}

// ClearShutdown removes a leftover sentinel, if present.
func (m *Mailbox) ClearShutdown() error {
	err := os.Remove(filepath.Join(m.Dir(KindMessage), SentinelName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
