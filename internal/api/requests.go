// Package api provides the host HTTP surface: message admission,
// conversation and queue status, schedules, and the event stream.
package api

import "time"

// SubmitMessageRequest admits one prompt for a conversation.
type SubmitMessageRequest struct {
	Text      string `json:"text" binding:"required"`
	Scheduled bool   `json:"scheduled"`
}

// SubmitMessageResponse reports what the queue did with the prompt.
type SubmitMessageResponse struct {
	ConversationKey string `json:"conversation_key"`
	Disposition     string `json:"disposition"`
}

// ConversationResponse is the API view of a conversation record.
type ConversationResponse struct {
	Key           string     `json:"key"`
	SessionID     string     `json:"session_id,omitempty"`
	Privileged    bool       `json:"privileged"`
	Active        bool       `json:"active"`
	RetryCount    int        `json:"retry_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ConversationsListResponse lists all known conversations.
type ConversationsListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
	Total         int                    `json:"total"`
}

// QueueStatusResponse reports controller occupancy.
type QueueStatusResponse struct {
	Active  int `json:"active"`
	Pending int `json:"pending"`
	Max     int `json:"max"`
}

// ScheduleResponse is the API view of an installed schedule.
type ScheduleResponse struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Prompt          string    `json:"prompt"`
	ScheduleType    string    `json:"schedule_type"`
	ScheduleValue   string    `json:"schedule_value"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	NextRun         time.Time `json:"next_run"`
}

// SchedulesListResponse lists all installed schedules.
type SchedulesListResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
	Total     int                `json:"total"`
}
