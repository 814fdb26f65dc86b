package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/agent/llm"
	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
)

// Match is one registry entry ranked against a query.
type Match struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Resolver ranks registry entries against a query by cosine similarity of
// embeddings. Vectors are cached on disk keyed by entry name and model.
type Resolver struct {
	embedder  llm.Embedder
	model     string
	threshold float64
	topK      int

	registryPath string
	cachePath    string
	logger       *logger.Logger

	mu      sync.Mutex
	entries []Entry
	cache   *embeddingCache
	loaded  bool
}

// NewResolver creates a resolver over the configured registry and cache.
func NewResolver(cfg config.WorkflowConfig, embedder llm.Embedder, log *logger.Logger) *Resolver {
	return &Resolver{
		embedder:     embedder,
		model:        cfg.EmbeddingModel,
		threshold:    cfg.Threshold,
		topK:         cfg.TopK,
		registryPath: cfg.RegistryPath,
		cachePath:    cfg.CachePath,
		logger:       log.WithFields(zap.String("component", "workflow-resolver")),
	}
}

// Entries returns the loaded registry entries.
func (r *Resolver) Entries(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return append([]Entry(nil), r.entries...), nil
}

// Lookup returns by-name access to a registry entry.
func (r *Resolver) Lookup(ctx context.Context, name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	for i := range r.entries {
		if r.entries[i].Name == name {
			entry := r.entries[i]
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("workflow %q not found", name)
}

// Resolve ranks registry entries against the query and returns those above
// the similarity threshold, best first, truncated to top-K.
func (r *Resolver) Resolve(ctx context.Context, query string) ([]Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	if len(r.entries) == 0 {
		return nil, nil
	}

	vectors, err := r.embedder.Embed(ctx, r.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := vectors[0]

	matches := make([]Match, 0, len(r.entries))
	for _, entry := range r.entries {
		cached, ok := r.cache.Entries[entry.Name]
		if !ok {
			continue
		}
		score := cosineSimilarity(queryVec, cached.Vector)
		if score >= r.threshold {
			matches = append(matches, Match{Entry: entry, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > r.topK {
		matches = matches[:r.topK]
	}
	return matches, nil
}

// ensureLoadedLocked loads the registry and rebuilds the embedding cache if
// it is stale. A missing registry file logs and proceeds with no entries.
func (r *Resolver) ensureLoadedLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}

	entries, err := LoadRegistry(r.registryPath)
	if err != nil {
		return err
	}
	if entries == nil {
		r.logger.Warn("Workflow registry missing, continuing with empty registry",
			zap.String("path", r.registryPath))
	}
	r.entries = entries
	r.cache = loadCache(r.cachePath, r.model)

	if len(entries) > 0 && r.cache.stale(r.model, entries) {
		if err := r.rebuildCacheLocked(ctx); err != nil {
			return err
		}
	}
	r.loaded = true
	return nil
}

func (r *Resolver) rebuildCacheLocked(ctx context.Context) error {
	texts := make([]string, len(r.entries))
	for i, entry := range r.entries {
		texts[i] = entry.EmbeddingText()
	}

	vectors, err := r.embedder.Embed(ctx, r.model, texts)
	if err != nil {
		return fmt.Errorf("failed to embed registry: %w", err)
	}

	cache := newEmbeddingCache(r.model)
	for i, entry := range r.entries {
		cache.Entries[entry.Name] = cacheEntry{Text: texts[i], Vector: vectors[i]}
	}
	r.cache = cache

	if err := cache.save(r.cachePath); err != nil {
		// The cache is an optimization; losing it costs one re-embed.
		r.logger.WithError(err).Warn("Failed to persist embedding cache")
	}
	r.logger.Info("Rebuilt workflow embedding cache",
		zap.Int("entries", len(r.entries)), zap.String("model", r.model))
	return nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
