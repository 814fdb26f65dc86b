package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/workflow"
)

const (
	maxShellOutput = 64 * 1024
	maxFetchBytes  = 256 * 1024
	shellTimeout   = 5 * time.Minute
)

// Deps holds the collaborators the built-in capabilities need.
type Deps struct {
	Mailbox  *mailbox.Mailbox
	Resolver *workflow.Resolver
	WorkDir  string // the conversation's writable working area
}

// NewBuiltinRegistry builds the full capability set for one invocation.
func NewBuiltinRegistry(deps Deps, log *logger.Logger) *Registry {
	r := NewRegistry(log)

	r.Register(Tool{
		Name:        "shell_exec",
		Description: "Run a shell command in the working area and return its combined output.",
		InputSchema: schema(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to run"}},"required":["command"]}`),
		Handler:     shellExec(deps.WorkDir),
	})
	r.Register(Tool{
		Name:        "file_read",
		Description: "Read a file. Relative paths resolve against the working area.",
		InputSchema: schema(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Handler:     fileRead(deps.WorkDir),
	})
	r.Register(Tool{
		Name:        "file_write",
		Description: "Write content to a file in the working area, creating parent directories.",
		InputSchema: schema(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Handler:     fileWrite(deps.WorkDir),
	})
	r.Register(Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP GET and return the response body as text.",
		InputSchema: schema(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
		Handler:     webFetch(),
	})
	r.Register(Tool{
		Name:        "send_message",
		Description: "Send a text reply to the user. Returns an acknowledgment, not the delivered content.",
		InputSchema: schema(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler:     sendMessage(deps.Mailbox),
	})
	r.Register(Tool{
		Name:        "send_voice",
		Description: "Send a spoken reply to the user over the voice side channel.",
		InputSchema: schema(`{"type":"object","properties":{"text":{"type":"string"},"voice_hint":{"type":"string"}},"required":["text"]}`),
		Handler:     sendVoice(deps.Mailbox),
	})
	r.Register(Tool{
		Name:        "schedule",
		Description: "Request a future or recurring invocation. schedule_type is cron, interval, or once.",
		InputSchema: schema(`{"type":"object","properties":{"prompt":{"type":"string"},"schedule_type":{"type":"string","enum":["cron","interval","once"]},"schedule_value":{"type":"string"},"context_mode":{"type":"string"}},"required":["prompt","schedule_type","schedule_value"]}`),
		Handler:     scheduleRequest(deps.Mailbox),
	})

	if deps.Resolver != nil {
		r.Register(Tool{
			Name:        "workflow_lookup",
			Description: "Find registered workflows matching a natural-language description of a task.",
			InputSchema: schema(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Handler:     workflowLookup(deps.Resolver),
		})
		r.Register(Tool{
			Name:        "workflow_run",
			Description: "Run a registered workflow by exact name, with optional arguments.",
			InputSchema: schema(`{"type":"object","properties":{"name":{"type":"string"},"args":{"type":"array","items":{"type":"string"}}},"required":["name"]}`),
			Handler:     workflowRun(deps.Resolver, deps.WorkDir),
		})
	}

	return r
}

func shellExec(workDir string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid shell_exec input: %w", err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return "", fmt.Errorf("shell_exec requires a command")
		}

		ctx, cancel := context.WithTimeout(ctx, shellTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		result := truncate(string(out), maxShellOutput)
		if err != nil {
			return "", fmt.Errorf("command failed: %v\n%s", err, result)
		}
		if result == "" {
			result = "(no output)"
		}
		return result, nil
	}
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}

func fileRead(workDir string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid file_read input: %w", err)
		}
		data, err := os.ReadFile(resolvePath(workDir, args.Path))
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return truncate(string(data), maxShellOutput), nil
	}
}

func fileWrite(workDir string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid file_write input: %w", err)
		}
		path := resolvePath(workDir, args.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
	}
}

func webFetch() Handler {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid web_fetch input: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return "", fmt.Errorf("invalid url: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return "", fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("fetch returned %d: %s", resp.StatusCode, truncate(string(body), 512))
		}
		return string(body), nil
	}
}

func sendMessage(mb *mailbox.Mailbox) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid send_message input: %w", err)
		}
		if err := mb.WriteReply(args.Text); err != nil {
			return "", fmt.Errorf("failed to send message: %w", err)
		}
		return "message sent", nil
	}
}

func sendVoice(mb *mailbox.Mailbox) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Text      string `json:"text"`
			VoiceHint string `json:"voice_hint"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid send_voice input: %w", err)
		}
		if err := mb.WriteVoice(args.Text, args.VoiceHint); err != nil {
			return "", fmt.Errorf("failed to send voice message: %w", err)
		}
		return "voice message sent", nil
	}
}

func scheduleRequest(mb *mailbox.Mailbox) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Prompt        string `json:"prompt"`
			ScheduleType  string `json:"schedule_type"`
			ScheduleValue string `json:"schedule_value"`
			ContextMode   string `json:"context_mode"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid schedule input: %w", err)
		}
		switch args.ScheduleType {
		case "cron", "interval", "once":
		default:
			return "", fmt.Errorf("schedule_type must be cron, interval, or once")
		}
		req := &mailbox.ScheduleRequest{
			Prompt:        args.Prompt,
			ScheduleType:  args.ScheduleType,
			ScheduleValue: args.ScheduleValue,
			ContextMode:   args.ContextMode,
			CreatedBy:     "agent",
		}
		if err := mb.WriteSchedule(req); err != nil {
			return "", fmt.Errorf("failed to write schedule request: %w", err)
		}
		return fmt.Sprintf("schedule requested (%s %s)", args.ScheduleType, args.ScheduleValue), nil
	}
}

func workflowLookup(resolver *workflow.Resolver) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid workflow_lookup input: %w", err)
		}
		matches, err := resolver.Resolve(ctx, args.Query)
		if err != nil {
			return "", fmt.Errorf("workflow lookup failed: %w", err)
		}
		if len(matches) == 0 {
			return "no matching workflows", nil
		}
		var sb strings.Builder
		for _, match := range matches {
			fmt.Fprintf(&sb, "%s (%.2f): %s\n", match.Entry.Name, match.Score, match.Entry.Description)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func workflowRun(resolver *workflow.Resolver, workDir string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Name string   `json:"name"`
			Args []string `json:"args"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid workflow_run input: %w", err)
		}
		entry, err := resolver.Lookup(ctx, args.Name)
		if err != nil {
			return "", err
		}

		ctx, cancel := context.WithTimeout(ctx, shellTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Run+argSuffix(args.Args))
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		result := truncate(string(out), maxShellOutput)
		if err != nil {
			return "", fmt.Errorf("workflow %s failed: %v\n%s", entry.Name, err, result)
		}
		if result == "" {
			result = "(no output)"
		}
		return result, nil
	}
}

func argSuffix(args []string) string {
	var sb strings.Builder
	for _, arg := range args {
		sb.WriteString(" '")
		sb.WriteString(strings.ReplaceAll(arg, "'", `'\''`))
		sb.WriteString("'")
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
