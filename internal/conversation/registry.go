package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
)

// Registry is the in-memory conversation state container the queue
// controller owns. It loads persisted records once at startup, serves all
// reads from memory, and writes mutations through to the backing store.
type Registry struct {
	mu    sync.RWMutex
	store Store
	convs map[string]*Conversation
	log   *logger.Logger
}

// NewRegistry creates an empty registry backed by store. Call Load before
// serving traffic.
func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{
		store: store,
		convs: make(map[string]*Conversation),
		log:   log.WithFields(zap.String("component", "conversation-registry")),
	}
}

// Load populates the registry from the backing store.
func (r *Registry) Load(ctx context.Context) error {
	convs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range convs {
		r.convs[conv.Key] = conv
	}
	r.log.Info("Loaded conversations", zap.Int("count", len(convs)))
	return nil
}

// Get returns a copy of the conversation for key, or ErrNotFound.
func (r *Registry) Get(key string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.convs[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

// Ensure returns the conversation for key, registering a new active record
// if none exists yet.
func (r *Registry) Ensure(ctx context.Context, key string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv, ok := r.convs[key]; ok {
		copied := *conv
		return &copied, nil
	}

	conv := &Conversation{Key: key, Active: true}
	if err := r.store.Upsert(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to register conversation: %w", err)
	}
	r.convs[key] = conv
	r.log.WithConversation(key).Info("Registered conversation")

	copied := *conv
	return &copied, nil
}

// Update applies fn to the conversation for key under the registry lock and
// persists the result. fn receives the live record and may mutate it.
func (r *Registry) Update(ctx context.Context, key string, fn func(*Conversation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[key]
	if !ok {
		return ErrNotFound
	}
	fn(conv)
	if err := r.store.Upsert(ctx, conv); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}

// List returns copies of all registered conversations, ordered by key.
func (r *Registry) List() []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	convs := make([]*Conversation, 0, len(r.convs))
	for _, conv := range r.convs {
		copied := *conv
		convs = append(convs, &copied)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].Key < convs[j].Key })
	return convs
}

// Close flushes every record to the backing store and closes it.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, conv := range r.convs {
		if err := r.store.Upsert(ctx, conv); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
