package mailbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/events"
	"github.com/warrenhq/warren/internal/events/bus"
)

// Outbound delivers worker-emitted sends to the external channel
// adapter. Implemented outside this module.
type Outbound interface {
	SendReply(ctx context.Context, conversationKey, text string) error
	SendVoice(ctx context.Context, conversationKey, text, voiceHint string) error
}

// Scheduler registers worker-emitted scheduling requests. Implemented
// outside this module.
type Scheduler interface {
	Register(ctx context.Context, req *ScheduleRequest) error
}

// Consumer drains a conversation's outbound mailbox directories on the
// host side and dispatches each message to its collaborator. One
// consumer runs per conversation with a live worker.
type Consumer struct {
	mbox      *Mailbox
	outbound  Outbound
	scheduler Scheduler
	eventBus  bus.EventBus
	logger    *logger.Logger
	poll      time.Duration
}

// NewConsumer builds a consumer for one conversation's mailbox.
func NewConsumer(mbox *Mailbox, out Outbound, sched Scheduler, eventBus bus.EventBus, poll time.Duration, log *logger.Logger) *Consumer {
	return &Consumer{
		mbox:      mbox,
		outbound:  out,
		scheduler: sched,
		eventBus:  eventBus,
		logger:    log.WithConversation(mbox.ConversationKey()),
		poll:      poll,
	}
}

// Run consumes outbound messages until the context is cancelled. A final
// drain runs after cancellation so messages written by an exiting worker
// are not stranded.
func (c *Consumer) Run(ctx context.Context) {
	watcher := NewWatcher(c.poll,
		c.mbox.Dir(KindReply),
		c.mbox.Dir(KindVoice),
		c.mbox.Dir(KindSchedule),
	)
	defer watcher.Close()

	for {
		c.drainAll(ctx)
		if !watcher.Wait(ctx) {
			c.drainAll(context.Background())
			return
		}
	}
}

func (c *Consumer) drainAll(ctx context.Context) {
	c.drainReplies(ctx)
	c.drainVoice(ctx)
	c.drainSchedules(ctx)
}

func (c *Consumer) drainReplies(ctx context.Context) {
	reader := NewReader(c.mbox, KindReply, c.logger)
	_, _, err := reader.Drain(func(name string, raw []byte) error {
		var reply Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			c.logger.Warn("dropping unparsable reply", zap.String("file", name), zap.Error(err))
			return nil
		}
		c.publish(ctx, events.ReplyEmitted, map[string]interface{}{"text": reply.Text})
		return c.outbound.SendReply(ctx, c.mbox.ConversationKey(), reply.Text)
	})
	if err != nil {
		c.logger.Error("failed to drain replies", zap.Error(err))
	}
}

func (c *Consumer) drainVoice(ctx context.Context) {
	reader := NewReader(c.mbox, KindVoice, c.logger)
	_, _, err := reader.Drain(func(name string, raw []byte) error {
		var voice Voice
		if err := json.Unmarshal(raw, &voice); err != nil {
			c.logger.Warn("dropping unparsable voice send", zap.String("file", name), zap.Error(err))
			return nil
		}
		c.publish(ctx, events.VoiceEmitted, map[string]interface{}{"text": voice.Text})
		return c.outbound.SendVoice(ctx, c.mbox.ConversationKey(), voice.Text, voice.VoiceHint)
	})
	if err != nil {
		c.logger.Error("failed to drain voice sends", zap.Error(err))
	}
}

func (c *Consumer) drainSchedules(ctx context.Context) {
	reader := NewReader(c.mbox, KindSchedule, c.logger)
	_, _, err := reader.Drain(func(name string, raw []byte) error {
		var req ScheduleRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.logger.Warn("dropping unparsable schedule request", zap.String("file", name), zap.Error(err))
			return nil
		}
		c.publish(ctx, events.ScheduleRequest, map[string]interface{}{
			"schedule_type":  req.ScheduleType,
			"schedule_value": req.ScheduleValue,
		})
		if c.scheduler == nil {
			c.logger.Warn("no scheduler configured, dropping schedule request")
			return nil
		}
		return c.scheduler.Register(ctx, &req)
	})
	if err != nil {
		c.logger.Error("failed to drain schedule requests", zap.Error(err))
	}
}

func (c *Consumer) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	data["conversation_key"] = c.mbox.ConversationKey()
	event := bus.NewEvent(eventType, "mailbox-consumer", data)
	if err := c.eventBus.Publish(ctx, events.Subject(eventType), event); err != nil {
		c.logger.Error("failed to publish mailbox event", zap.String("event_type", eventType), zap.Error(err))
	}
}
