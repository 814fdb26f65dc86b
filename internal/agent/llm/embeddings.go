package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultEmbeddingsBaseURL = "https://api.openai.com"

// Embedder produces fixed-length vectors for texts. Implemented by
// EmbeddingsClient; the workflow resolver consumes the interface.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float64, error)
}

// EmbeddingsClient calls an OpenAI-compatible embeddings endpoint.
type EmbeddingsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewEmbeddingsClient creates an embeddings client. An empty apiKey falls
// back to OPENAI_API_KEY; an empty baseURL falls back to the public endpoint.
func NewEmbeddingsClient(apiKey, baseURL string) *EmbeddingsClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = defaultEmbeddingsBaseURL
	}
	return &EmbeddingsClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Embed returns one vector per input, in input order.
func (c *EmbeddingsClient) Embed(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(respBody)}
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(out.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(out.Data), len(inputs))
	}

	vectors := make([][]float64, len(inputs))
	for _, item := range out.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
