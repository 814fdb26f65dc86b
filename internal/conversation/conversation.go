// Package conversation tracks the durable per-conversation records the
// queue controller owns: active session pointer, retry counter, and
// privilege flag.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation key is not registered.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one logical, long-lived thread of interaction.
// Conversations are created on first registration and deactivated,
// never deleted. Only the queue controller mutates these records.
type Conversation struct {
	Key           string     `json:"key"`
	SessionID     string     `json:"session_id,omitempty"`
	Privileged    bool       `json:"privileged"`
	Active        bool       `json:"active"`
	RetryCount    int        `json:"retry_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store persists conversation records.
type Store interface {
	Get(ctx context.Context, key string) (*Conversation, error)
	Upsert(ctx context.Context, conv *Conversation) error
	List(ctx context.Context) ([]*Conversation, error)
	Close() error
}
