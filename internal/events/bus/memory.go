package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Delivery is asynchronous: each matching handler runs in its
// own goroutine and handler errors are logged, not returned to the
// publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	id      int
	subject string
	re      *regexp.Regexp // nil when subject has no wildcards
	handler EventHandler
	bus     *MemoryEventBus
}

// NewMemoryEventBus returns an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[int]*memorySub),
		logger: log,
	}
}

// Publish delivers the event to every subscription whose subject pattern
// matches.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var targets []*memorySub
	for _, sub := range b.subs {
		if sub.matches(subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s *memorySub) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	re, err := compileSubject(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySub{
		id:      b.nextID,
		subject: subject,
		re:      re,
		handler: handler,
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close drops all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

func (s *memorySub) matches(subject string) bool {
	if s.re == nil {
		return subject == s.subject
	}
	return s.re.MatchString(subject)
}

// compileSubject turns a NATS-style pattern into a regexp. "*" matches one
// dot-separated token, ">" matches everything after its position. Literal
// subjects return a nil regexp and are compared directly.
func compileSubject(subject string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(subject, "*>") {
		return nil, nil
	}
	expr := regexp.QuoteMeta(subject)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	return regexp.Compile("^" + expr + "$")
}
