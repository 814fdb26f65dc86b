// Package dispatch wires the queue controller to the mailbox layer on
// the host: it runs one outbound mailbox consumer per live worker,
// delivers fast-follow messages, and surfaces give-up notices.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/events"
	"github.com/warrenhq/warren/internal/events/bus"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/schedule"
)

// MailboxOpener creates the mailbox view for one conversation. The
// supervisor opens one per conversation on demand.
type MailboxOpener func(conversationKey string) *mailbox.Mailbox

// Supervisor wraps a WorkerRunner so that an outbound mailbox consumer
// runs for exactly the lifetime of each worker invocation, plus a final
// drain after exit.
type Supervisor struct {
	inner     queue.WorkerRunner
	open      MailboxOpener
	outbound  mailbox.Outbound
	scheduler *schedule.Scheduler
	eventBus  bus.EventBus
	poll      time.Duration
	logger    *logger.Logger

	wg sync.WaitGroup
}

// NewSupervisor returns a supervisor around inner.
func NewSupervisor(inner queue.WorkerRunner, open MailboxOpener, out mailbox.Outbound,
	sched *schedule.Scheduler, eventBus bus.EventBus, poll time.Duration, log *logger.Logger) *Supervisor {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Supervisor{
		inner:     inner,
		open:      open,
		outbound:  out,
		scheduler: sched,
		eventBus:  eventBus,
		poll:      poll,
		logger:    log.WithFields(zap.String("component", "dispatch-supervisor")),
	}
}

// Run implements queue.WorkerRunner. The consumer's context is cancelled
// when the worker exits; Consumer.Run performs a last drain before
// returning, so nothing an exiting worker wrote is stranded.
func (s *Supervisor) Run(ctx context.Context, unit *queue.WorkUnit, conv *conversation.Conversation) (*queue.Outcome, error) {
	mbox := s.open(unit.ConversationKey)
	consumer := mailbox.NewConsumer(mbox, s.outbound,
		s.scheduler.ForConversation(unit.ConversationKey), s.eventBus, s.poll, s.logger)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(consumerDone)
		consumer.Run(consumerCtx)
	}()

	outcome, err := s.inner.Run(ctx, unit, conv)

	stopConsumer()
	<-consumerDone
	return outcome, err
}

// Wait blocks until all consumers have finished their final drain.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// DeliverFollowUp implements queue.InboxWriter by writing an inbound
// mailbox message for the conversation's running worker.
func (s *Supervisor) DeliverFollowUp(conversationKey, text string) error {
	return s.open(conversationKey).WriteInbound(text)
}

// CollectUndelivered implements queue.InboxWriter. It drains the
// conversation's inbound directory after its worker has exited, returning
// the message texts so the controller can re-admit them. Only called when
// no worker owns the mailbox.
func (s *Supervisor) CollectUndelivered(conversationKey string) ([]string, error) {
	reader := mailbox.NewReader(s.open(conversationKey), mailbox.KindMessage, s.logger)
	var texts []string
	_, _, err := reader.Drain(func(name string, raw []byte) error {
		var msg mailbox.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		texts = append(texts, msg.Text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return texts, nil
}

// RequestShutdown asks a running worker to exit after its current turn.
func (s *Supervisor) RequestShutdown(conversationKey string) error {
	return s.open(conversationKey).WriteShutdown()
}

// GiveUpNotifier tells the user a prompt was abandoned after the retry
// ceiling was hit.
type GiveUpNotifier struct {
	outbound mailbox.Outbound
	logger   *logger.Logger
}

// NewGiveUpNotifier returns a notifier that reports through out.
func NewGiveUpNotifier(out mailbox.Outbound, log *logger.Logger) *GiveUpNotifier {
	return &GiveUpNotifier{
		outbound: out,
		logger:   log.WithFields(zap.String("component", "giveup-notifier")),
	}
}

// NotifyGiveUp implements queue.FailureNotifier.
func (n *GiveUpNotifier) NotifyGiveUp(ctx context.Context, unit *queue.WorkUnit, lastErr error) {
	text := "I could not finish that request after several attempts. " +
		"You can try again, or rephrase it."
	if err := n.outbound.SendReply(ctx, unit.ConversationKey, text); err != nil {
		n.logger.WithConversation(unit.ConversationKey).WithError(err).
			Error("Failed to deliver give-up notice")
	}
	n.logger.WithConversation(unit.ConversationKey).WithError(lastErr).
		Warn("Abandoned work unit", zap.String("unit_id", unit.ID))
}

// BusOutbound publishes outbound sends on the event bus, where channel
// adapters and the WebSocket stream pick them up.
type BusOutbound struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewBusOutbound returns an Outbound backed by the event bus.
func NewBusOutbound(eventBus bus.EventBus, log *logger.Logger) *BusOutbound {
	return &BusOutbound{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "bus-outbound")),
	}
}

// SendReply implements mailbox.Outbound.
func (o *BusOutbound) SendReply(ctx context.Context, conversationKey, text string) error {
	return o.publish(ctx, events.ReplyDelivered, map[string]interface{}{
		"conversation_key": conversationKey,
		"text":             text,
	})
}

// SendVoice implements mailbox.Outbound.
func (o *BusOutbound) SendVoice(ctx context.Context, conversationKey, text, voiceHint string) error {
	return o.publish(ctx, events.VoiceDelivered, map[string]interface{}{
		"conversation_key": conversationKey,
		"text":             text,
		"voice_hint":       voiceHint,
	})
}

func (o *BusOutbound) publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	event := bus.NewEvent(eventType, "outbound", data)
	if err := o.eventBus.Publish(ctx, events.Subject(eventType), event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}
