// Package ipc defines the host/worker exchange contract: the single
// stdin payload a worker receives at start and the delimited result
// blocks it emits on stdout.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
)

// WorkerInput is the one structured payload streamed to a worker's stdin
// at start time. Secrets travel only here, never through a mounted path.
type WorkerInput struct {
	Prompt          string            `json:"prompt"`
	ConversationKey string            `json:"conversation_key"`
	SessionID       string            `json:"session_id,omitempty"` // absent means new session
	Privileged      bool              `json:"privileged"`
	Scheduled       bool              `json:"scheduled"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// Validate checks that the input carries the required fields.
func (in *WorkerInput) Validate() error {
	if in.ConversationKey == "" {
		return fmt.Errorf("worker input missing conversation_key")
	}
	if in.Prompt == "" {
		return fmt.Errorf("worker input missing prompt")
	}
	return nil
}

// WriteInput serializes the input as a single JSON line to w.
func WriteInput(w io.Writer, in *WorkerInput) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal worker input: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write worker input: %w", err)
	}
	return nil
}

// ReadInput reads and parses the single stdin payload from r.
func ReadInput(r io.Reader) (*WorkerInput, error) {
	dec := json.NewDecoder(r)
	var in WorkerInput
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode worker input: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}
