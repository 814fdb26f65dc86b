// Package session stores per-conversation turn history. The full turn
// sequence is the single source of truth for what the reasoning loop
// has seen; it is loaded at worker start and overwritten atomically at
// worker exit.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types within a turn.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one piece of a turn: plain text, a capability-call
// request, or a capability-call result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Turn is one entry in the ordered history.
type Turn struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Session is the accumulated turn history for a conversation.
type Session struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Turns           []Turn    `json:"turns"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSession creates an empty session with a fresh identifier.
func NewSession(conversationKey string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              uuid.New().String(),
		ConversationKey: conversationKey,
		Turns:           []Turn{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AppendUserText appends a user text turn.
func (s *Session) AppendUserText(text string) {
	s.append(Turn{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}})
}

// AppendAssistant appends an assistant turn with the given blocks.
func (s *Session) AppendAssistant(blocks []ContentBlock) {
	s.append(Turn{Role: RoleAssistant, Content: blocks})
}

// AppendToolResult appends a capability-call result as a user turn, the
// shape the reasoning endpoint expects tool results in.
func (s *Session) AppendToolResult(toolUseID, content string, isError bool) {
	s.append(Turn{Role: RoleUser, Content: []ContentBlock{{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}})
}

func (s *Session) append(turn Turn) {
	s.Turns = append(s.Turns, turn)
	s.UpdatedAt = time.Now().UTC()
}

// LastAssistantText returns the text of the most recent assistant turn,
// or empty when there is none.
func (s *Session) LastAssistantText() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role != RoleAssistant {
			continue
		}
		for _, block := range s.Turns[i].Content {
			if block.Type == BlockText && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}
