// Package loop runs the worker's reasoning state machine: call the model,
// execute any requested capability calls one at a time, feed the results
// back, and stop when the model answers without tool calls or the iteration
// bound is hit.
package loop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/agent/llm"
	"github.com/warrenhq/warren/internal/agent/tools"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/session"
)

// ErrMaxIterations means the loop hit its iteration bound before the model
// produced a final answer.
var ErrMaxIterations = errors.New("reasoning loop exceeded iteration bound")

// truncateKeepTurns is how many recent turns survive the truncate-and-retry
// path after a client rejection.
const truncateKeepTurns = 20

// ModelClient is the slice of the LLM client the loop uses.
type ModelClient interface {
	CreateMessage(ctx context.Context, req *llm.MessagesRequest) (*llm.MessagesResponse, error)
}

// Loop drives one worker turn to completion.
type Loop struct {
	client        ModelClient
	registry      *tools.Registry
	systemPrompt  string
	maxIterations int
	logger        *logger.Logger
}

// New creates a loop. maxIterations bounds model calls per Run.
func New(client ModelClient, registry *tools.Registry, systemPrompt string, maxIterations int, log *logger.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = 50
	}
	return &Loop{
		client:        client,
		registry:      registry,
		systemPrompt:  systemPrompt,
		maxIterations: maxIterations,
		logger:        log.WithFields(zap.String("component", "reasoning-loop")),
	}
}

// Run executes the state machine over the session until the model stops
// requesting capability calls. The session accumulates every turn; the last
// assistant text is returned as the turn's result.
func (l *Loop) Run(ctx context.Context, sess *session.Session) (string, error) {
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		resp, err := l.callModel(ctx, sess)
		if err != nil {
			return "", err
		}

		blocks := fromWire(resp.Content)
		sess.AppendAssistant(blocks)

		calls := toolCalls(blocks)
		if len(calls) == 0 {
			return sess.LastAssistantText(), nil
		}

		// One dispatch, one result turn, in model order.
		for _, call := range calls {
			result, isErr := l.registry.Dispatch(ctx, call.ToolName, call.Input)
			sess.AppendToolResult(call.ToolUseID, result, isErr)
			l.logger.Debug("Dispatched capability call",
				zap.String("tool", call.ToolName),
				zap.Bool("is_error", isErr))
		}
	}
	return "", ErrMaxIterations
}

// callModel sends the sanitized history; on a client rejection with a long
// history it truncates to the most recent turns and retries exactly once.
func (l *Loop) callModel(ctx context.Context, sess *session.Session) (*llm.MessagesResponse, error) {
	messages := sanitize(toWire(sess.Turns))
	req := &llm.MessagesRequest{
		System:   l.systemPrompt,
		Messages: messages,
		Tools:    l.registry.Definitions(),
	}

	resp, err := l.client.CreateMessage(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !llm.IsClientRejection(err) || len(messages) <= truncateKeepTurns {
		return nil, err
	}

	l.logger.Warn("Endpoint rejected request, truncating history and retrying",
		zap.Int("turns", len(messages)), zap.Error(err))
	req.Messages = truncateMessages(messages, truncateKeepTurns)
	resp, retryErr := l.client.CreateMessage(ctx, req)
	if retryErr != nil {
		return nil, fmt.Errorf("retry after truncation failed: %w", retryErr)
	}
	return resp, nil
}

// truncateMessages keeps the most recent n messages, then drops leading
// messages that would orphan a tool result.
func truncateMessages(messages []llm.Message, n int) []llm.Message {
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	for len(messages) > 0 && startsWithToolResult(messages[0]) {
		messages = messages[1:]
	}
	return messages
}

func startsWithToolResult(msg llm.Message) bool {
	return len(msg.Content) > 0 && msg.Content[0].Type == "tool_result"
}

// sanitize strips blocks some backends reject: empty text blocks and turns
// left with no content at all.
func sanitize(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]llm.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text == "" {
				continue
			}
			blocks = append(blocks, block)
		}
		if len(blocks) == 0 {
			continue
		}
		msg.Content = blocks
		out = append(out, msg)
	}
	return out
}

func toolCalls(blocks []session.ContentBlock) []session.ContentBlock {
	var calls []session.ContentBlock
	for _, block := range blocks {
		if block.Type == session.BlockToolUse {
			calls = append(calls, block)
		}
	}
	return calls
}

// toWire converts stored turns to the endpoint's message shape.
func toWire(turns []session.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		blocks := make([]llm.ContentBlock, 0, len(turn.Content))
		for _, b := range turn.Content {
			switch b.Type {
			case session.BlockToolUse:
				blocks = append(blocks, llm.ContentBlock{
					Type:  b.Type,
					ID:    b.ToolUseID,
					Name:  b.ToolName,
					Input: b.Input,
				})
			case session.BlockToolResult:
				blocks = append(blocks, llm.ContentBlock{
					Type:      b.Type,
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				})
			default:
				blocks = append(blocks, llm.ContentBlock{Type: b.Type, Text: b.Text})
			}
		}
		messages = append(messages, llm.Message{Role: turn.Role, Content: blocks})
	}
	return messages
}

// fromWire converts a model response to stored session blocks.
func fromWire(blocks []llm.ContentBlock) []session.ContentBlock {
	out := make([]session.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, session.ContentBlock{
			Type:      b.Type,
			Text:      b.Text,
			ToolName:  b.Name,
			ToolUseID: b.ID,
			Input:     b.Input,
		})
	}
	return out
}
