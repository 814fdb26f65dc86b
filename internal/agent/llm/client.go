// Package llm is a minimal HTTP client for an Anthropic-style messages API
// plus an OpenAI-style embeddings endpoint. It covers exactly what the
// reasoning loop and the workflow resolver need.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 8192
	anthropicVersion  = "2023-06-01"
	defaultHTTPClient = 120 * time.Second
)

// APIError is a non-2xx response from the reasoning endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsClientRejection reports whether err is a 4xx rejection of the request
// itself, the case the loop handles by truncating history and retrying once.
func IsClientRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// ContentBlock is one block of a message, in the wire shape the messages
// endpoint uses.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one turn in the conversation sent to the endpoint.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool describes one capability offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesRequest is the request body for the messages endpoint.
type MessagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
}

// MessagesResponse is the response body from the messages endpoint.
type MessagesResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// HasToolUse reports whether the response requests any capability calls.
func (r *MessagesResponse) HasToolUse() bool {
	for _, block := range r.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

// Client talks to the reasoning and embeddings endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	logger     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the endpoint base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel overrides the model identifier.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client. The API key comes from the secret bundle the
// worker received over stdin, falling back to the process environment.
func NewClient(apiKey string, log *logger.Logger, opts ...Option) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultHTTPClient},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      defaultModel,
		maxTokens:  defaultMaxTokens,
		logger:     log.WithFields(zap.String("component", "llm-client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// CreateMessage sends one messages request. req.Model and req.MaxTokens
// default from the client when unset.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(respBody)}
	}

	var out MessagesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("Messages call completed",
		zap.String("stop_reason", out.StopReason),
		zap.Int("blocks", len(out.Content)))
	return &out, nil
}

func apiErrorMessage(body []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}
