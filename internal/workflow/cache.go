package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// cacheEntry is one cached vector plus the text it was computed from.
type cacheEntry struct {
	Text   string    `json:"text"`
	Vector []float64 `json:"vector"`
}

// embeddingCache persists entry-name -> vector mappings between runs so the
// resolver only embeds the registry once per change.
type embeddingCache struct {
	Model   string                `json:"model"`
	Entries map[string]cacheEntry `json:"entries"`
}

func newEmbeddingCache(model string) *embeddingCache {
	return &embeddingCache{Model: model, Entries: make(map[string]cacheEntry)}
}

// loadCache reads a cache file. Any read or parse problem yields an empty
// cache; the vectors are recomputable.
func loadCache(path, model string) *embeddingCache {
	data, err := os.ReadFile(path)
	if err != nil {
		return newEmbeddingCache(model)
	}
	var cache embeddingCache
	if err := json.Unmarshal(data, &cache); err != nil || cache.Entries == nil {
		return newEmbeddingCache(model)
	}
	return &cache
}

// save writes the cache atomically.
func (c *embeddingCache) save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal embedding cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write embedding cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename embedding cache: %w", err)
	}
	return nil
}

// stale reports whether the cache must be rebuilt for the given registry:
// a model change, a missing entry, or a changed description all invalidate.
func (c *embeddingCache) stale(model string, entries []Entry) bool {
	if c.Model != model {
		return true
	}
	for _, entry := range entries {
		cached, ok := c.Entries[entry.Name]
		if !ok || cached.Text != entry.EmbeddingText() {
			return true
		}
	}
	return false
}
