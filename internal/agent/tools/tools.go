// Package tools is the worker's capability set: a closed dispatch table
// mapping tool names to handlers. Dispatch errors are returned as error
// results for the model to react to, never propagated as loop failures.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/agent/llm"
	"github.com/warrenhq/warren/internal/common/logger"
)

// Handler executes one capability call.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is one entry in the dispatch table.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Registry is the closed set of capabilities offered to the model.
type Registry struct {
	tools  []Tool
	byName map[string]int
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byName: make(map[string]int),
		logger: log.WithFields(zap.String("component", "tools")),
	}
}

// Register adds a tool. Registering a duplicate name panics; the capability
// set is fixed at startup.
func (r *Registry) Register(tool Tool) {
	if _, exists := r.byName[tool.Name]; exists {
		panic(fmt.Sprintf("duplicate tool %q", tool.Name))
	}
	r.byName[tool.Name] = len(r.tools)
	r.tools = append(r.tools, tool)
}

// Definitions returns the tool descriptions in the wire shape the messages
// endpoint expects.
func (r *Registry) Definitions() []llm.Tool {
	defs := make([]llm.Tool, len(r.tools))
	for i, tool := range r.tools {
		defs[i] = llm.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}
	return defs
}

// Dispatch runs one capability call. The second return value reports whether
// the result is an error result.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	idx, exists := r.byName[name]
	if !exists {
		return fmt.Sprintf("unknown tool: %s", name), true
	}

	result, err := r.tools[idx].Handler(ctx, input)
	if err != nil {
		r.logger.WithError(err).Warn("Tool call failed", zap.String("tool", name))
		return err.Error(), true
	}
	return result, false
}

func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}
