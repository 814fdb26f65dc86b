package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/events"
	"github.com/warrenhq/warren/internal/events/bus"
)

// Common errors
var (
	ErrQueueFull            = errors.New("pending queue is full")
	ErrDraining             = errors.New("controller is draining")
	ErrConversationInactive = errors.New("conversation is deactivated")
)

// Outcome is what a finished worker invocation produced.
type Outcome struct {
	SessionID string
	Result    string
}

// WorkerRunner launches one worker invocation for a unit and blocks until
// the worker exits. A non-nil error means the invocation failed, whether by
// crash, non-zero exit, or wall-clock timeout.
type WorkerRunner interface {
	Run(ctx context.Context, unit *WorkUnit, conv *conversation.Conversation) (*Outcome, error)
}

// InboxWriter delivers a fast-follow message to a running worker and
// recovers messages a worker exited without reading.
type InboxWriter interface {
	DeliverFollowUp(conversationKey, text string) error
	CollectUndelivered(conversationKey string) ([]string, error)
}

// FailureNotifier is invoked once per work unit when retries are exhausted.
type FailureNotifier interface {
	NotifyGiveUp(ctx context.Context, unit *WorkUnit, lastErr error)
}

// Controller owns admission, the pending list, and the retry policy.
// Conversation records are mutated only here.
type Controller struct {
	registry *conversation.Registry
	runner   WorkerRunner
	inbox    InboxWriter
	notifier FailureNotifier
	bus      bus.EventBus
	log      *logger.Logger

	maxConcurrent int
	pendingLimit  int
	retryCeiling  int
	retryBase     time.Duration

	mu       sync.Mutex
	active   map[string]*WorkUnit // conversation key -> running unit
	pending  []*WorkUnit          // FIFO across conversations
	blocked  map[string]bool      // conversations in a backoff window
	timers   map[string]*time.Timer
	draining bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a queue controller. Call Close to drain.
func NewController(cfg config.QueueConfig, registry *conversation.Registry, runner WorkerRunner,
	inbox InboxWriter, notifier FailureNotifier, eventBus bus.EventBus, log *logger.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:      registry,
		runner:        runner,
		inbox:         inbox,
		notifier:      notifier,
		bus:           eventBus,
		log:           log.WithFields(zap.String("component", "queue-controller")),
		maxConcurrent: cfg.MaxConcurrent,
		pendingLimit:  cfg.PendingLimit,
		retryCeiling:  cfg.RetryCeiling,
		retryBase:     time.Duration(cfg.RetryBaseSec) * time.Second,
		active:        make(map[string]*WorkUnit),
		blocked:       make(map[string]bool),
		timers:        make(map[string]*time.Timer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Admit accepts one work unit for a conversation. If the conversation has a
// live worker the unit is delivered to it through the inbound mailbox rather
// than spawning a second worker; otherwise the unit is launched immediately
// or queued behind the global cap.
func (c *Controller) Admit(ctx context.Context, conversationKey, prompt string, scheduled bool) (Disposition, error) {
	conv, err := c.registry.Ensure(ctx, conversationKey)
	if err != nil {
		return "", err
	}
	if !conv.Active {
		return "", ErrConversationInactive
	}

	unit := NewWorkUnit(conversationKey, prompt, scheduled)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return "", ErrDraining
	}

	if _, running := c.active[conversationKey]; running {
		// Fast-follow: the running worker absorbs the message mid-turn.
		if err := c.inbox.DeliverFollowUp(conversationKey, prompt); err != nil {
			return "", err
		}
		c.publish(events.MessageDelivered, unit, nil)
		c.log.WithConversation(conversationKey).Debug("Delivered follow-up to running worker")
		return DispositionDelivered, nil
	}

	if !c.blocked[conversationKey] && len(c.active) < c.maxConcurrent {
		c.launchLocked(unit)
		return DispositionLaunched, nil
	}

	if len(c.pending) >= c.pendingLimit {
		return "", ErrQueueFull
	}
	c.pending = append(c.pending, unit)
	c.publish(events.MessageAdmitted, unit, nil)
	c.log.WithConversation(conversationKey).Debug("Queued work unit",
		zap.Int("pending", len(c.pending)))
	return DispositionQueued, nil
}

// launchLocked starts a worker for unit. Caller holds c.mu.
func (c *Controller) launchLocked(unit *WorkUnit) {
	c.active[unit.ConversationKey] = unit
	c.wg.Add(1)
	go c.run(unit)
}

func (c *Controller) run(unit *WorkUnit) {
	defer c.wg.Done()

	conv, err := c.registry.Get(unit.ConversationKey)
	if err != nil {
		c.log.WithConversation(unit.ConversationKey).WithError(err).Error("Conversation vanished before launch")
		c.finish(unit, nil, err)
		return
	}

	c.publish(events.WorkerStarted, unit, nil)
	c.log.WithConversation(unit.ConversationKey).Info("Worker started",
		zap.String("unit_id", unit.ID), zap.Bool("scheduled", unit.Scheduled))

	outcome, err := c.runner.Run(c.ctx, unit, conv)
	c.finish(unit, outcome, err)
}

// finish records the invocation outcome, applies the retry policy, and
// dispatches any pending units that can now run.
func (c *Controller) finish(unit *WorkUnit, outcome *Outcome, runErr error) {
	key := unit.ConversationKey
	ctx := context.Background()

	c.mu.Lock()
	delete(c.active, key)
	c.mu.Unlock()

	// A fast-follow admitted after the worker's final inbox drain but before
	// the removal above was written as delivered yet never read. Re-admit
	// anything left in the inbound directory now that no worker owns it.
	c.recoverInbox(key)

	if runErr == nil {
		now := time.Now().UTC()
		if err := c.registry.Update(ctx, key, func(conv *conversation.Conversation) {
			conv.RetryCount = 0
			conv.LastSuccessAt = &now
			if outcome != nil && outcome.SessionID != "" {
				conv.SessionID = outcome.SessionID
			}
		}); err != nil {
			c.log.WithConversation(key).WithError(err).Error("Failed to persist success")
		}
		c.publish(events.WorkerCompleted, unit, nil)
		c.log.WithConversation(key).Info("Worker completed", zap.String("unit_id", unit.ID))
	} else {
		c.handleFailure(ctx, unit, runErr)
	}

	c.mu.Lock()
	c.dispatchLocked()
	c.mu.Unlock()
}

// recoverInbox queues undelivered inbound messages as fresh work units.
// These were accepted at admission time, so the pending limit does not
// apply to them.
func (c *Controller) recoverInbox(key string) {
	c.mu.Lock()
	draining := c.draining
	c.mu.Unlock()
	if draining {
		// Leave the files on disk; the next worker for this conversation
		// drains its inbound directory on startup.
		return
	}

	texts, err := c.inbox.CollectUndelivered(key)
	if err != nil {
		c.log.WithConversation(key).WithError(err).Error("Failed to recover undelivered follow-ups")
		return
	}
	if len(texts) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}
	for _, text := range texts {
		unit := NewWorkUnit(key, text, false)
		c.pending = append(c.pending, unit)
		c.publish(events.MessageAdmitted, unit, nil)
	}
	c.log.WithConversation(key).Info("Recovered undelivered follow-ups",
		zap.Int("count", len(texts)))
}

func (c *Controller) handleFailure(ctx context.Context, unit *WorkUnit, runErr error) {
	key := unit.ConversationKey
	retries := 0
	if err := c.registry.Update(ctx, key, func(conv *conversation.Conversation) {
		conv.RetryCount++
		retries = conv.RetryCount
	}); err != nil {
		c.log.WithConversation(key).WithError(err).Error("Failed to persist retry count")
	}
	c.publish(events.WorkerFailed, unit, runErr)

	if retries > c.retryCeiling {
		// Terminal for this unit; the conversation stays usable.
		if err := c.registry.Update(ctx, key, func(conv *conversation.Conversation) {
			conv.RetryCount = 0
		}); err != nil {
			c.log.WithConversation(key).WithError(err).Error("Failed to reset retry count")
		}
		c.publish(events.WorkerGaveUp, unit, runErr)
		c.log.WithConversation(key).WithError(runErr).Error("Giving up on work unit",
			zap.String("unit_id", unit.ID), zap.Int("attempts", retries))
		if c.notifier != nil {
			c.notifier.NotifyGiveUp(ctx, unit, runErr)
		}
		return
	}

	delay := c.backoffDelay(retries)
	c.publish(events.WorkerRetry, unit, runErr)
	c.log.WithConversation(key).WithError(runErr).Warn("Worker failed, scheduling retry",
		zap.String("unit_id", unit.ID), zap.Int("retry", retries), zap.Duration("delay", delay))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}
	// Block the conversation so later units cannot jump ahead of the retry.
	c.blocked[key] = true
	c.timers[unit.ID] = time.AfterFunc(delay, func() { c.readmit(unit) })
}

// readmit puts a retried unit at the head of the pending list so it runs
// before anything admitted for its conversation during the backoff window.
func (c *Controller) readmit(unit *WorkUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.timers, unit.ID)
	delete(c.blocked, unit.ConversationKey)
	if c.draining {
		return
	}
	c.pending = append([]*WorkUnit{unit}, c.pending...)
	c.dispatchLocked()
}

// backoffDelay returns the retry delay for the nth retry (1-based):
// base, 2*base, 4*base, ...
func (c *Controller) backoffDelay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	return c.retryBase << (retries - 1)
}

// dispatchLocked launches pending units while slots are free. Units whose
// conversation is running are delivered via the inbound mailbox; units whose
// conversation is backing off stay queued. Caller holds c.mu.
func (c *Controller) dispatchLocked() {
	if c.draining {
		return
	}
	remaining := c.pending[:0]
	for i, unit := range c.pending {
		if _, running := c.active[unit.ConversationKey]; running {
			if err := c.inbox.DeliverFollowUp(unit.ConversationKey, unit.Prompt); err != nil {
				c.log.WithConversation(unit.ConversationKey).WithError(err).Error("Failed to deliver queued follow-up")
				remaining = append(remaining, unit)
				continue
			}
			c.publish(events.MessageDelivered, unit, nil)
			continue
		}
		if c.blocked[unit.ConversationKey] {
			remaining = append(remaining, unit)
			continue
		}
		if len(c.active) >= c.maxConcurrent {
			remaining = append(remaining, c.pending[i:]...)
			break
		}
		c.launchLocked(unit)
	}
	c.pending = append([]*WorkUnit(nil), remaining...)
}

// ActiveCount returns the number of live worker invocations.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// PendingCount returns the number of units waiting for a slot.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Status reports the controller's current scheduling state.
type Status struct {
	Active  []string `json:"active"`
	Pending int      `json:"pending"`
	Max     int      `json:"max_concurrent"`
}

// Snapshot returns the current scheduling state for the status endpoint.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.active))
	for key := range c.active {
		keys = append(keys, key)
	}
	return Status{Active: keys, Pending: len(c.pending), Max: c.maxConcurrent}
}

// Close drains the controller: new admissions are rejected, retry timers are
// cancelled, and the call blocks until every live worker has exited.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.pending = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Give up waiting and cut the workers off.
		c.cancel()
		<-done
	}
	c.cancel()
	return nil
}

func (c *Controller) publish(eventType string, unit *WorkUnit, cause error) {
	if c.bus == nil {
		return
	}
	data := map[string]interface{}{
		"conversation_key": unit.ConversationKey,
		"unit_id":          unit.ID,
		"scheduled":        unit.Scheduled,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	event := bus.NewEvent(eventType, "queue-controller", data)
	if err := c.bus.Publish(context.Background(), events.Subject(eventType), event); err != nil {
		c.log.WithError(err).Warn("Failed to publish event", zap.String("type", eventType))
	}
}
