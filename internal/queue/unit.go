// Package queue admits work units and enforces the host's scheduling
// invariants: at most one live worker per conversation, a global cap on
// simultaneous workers, and retry with exponential backoff on failure.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// WorkUnit is one admitted request to run the agent for a conversation.
// Units are consumed exactly once and never mutated after creation.
type WorkUnit struct {
	ID              string
	ConversationKey string
	Prompt          string
	Scheduled       bool
	AdmittedAt      time.Time
}

// NewWorkUnit creates a work unit for the given conversation and prompt.
func NewWorkUnit(conversationKey, prompt string, scheduled bool) *WorkUnit {
	return &WorkUnit{
		ID:              uuid.New().String(),
		ConversationKey: conversationKey,
		Prompt:          prompt,
		Scheduled:       scheduled,
		AdmittedAt:      time.Now().UTC(),
	}
}

// Disposition describes what the controller did with an admitted unit.
type Disposition string

const (
	// DispositionLaunched means a new worker was spawned for the unit.
	DispositionLaunched Disposition = "launched"
	// DispositionDelivered means the unit was handed to the conversation's
	// already-running worker through its inbound mailbox.
	DispositionDelivered Disposition = "delivered"
	// DispositionQueued means the unit is waiting for a free worker slot.
	DispositionQueued Disposition = "queued"
)
