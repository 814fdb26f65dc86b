// Package events defines the event types published on the Warren event bus.
package events

// Worker lifecycle events published by the queue controller.
const (
	WorkerStarted   = "worker.started"
	WorkerCompleted = "worker.completed"
	WorkerFailed    = "worker.failed"
	WorkerRetry     = "worker.retry"
	WorkerGaveUp    = "worker.gaveup"
)

// Conversation events.
const (
	MessageAdmitted  = "conversation.message.admitted"
	MessageDelivered = "conversation.message.delivered"
	ReplyEmitted     = "conversation.reply"
	VoiceEmitted     = "conversation.voice"
	ScheduleRequest  = "conversation.schedule"
)

// Delivery events published by the outbound channel adapter.
const (
	ReplyDelivered = "conversation.reply.delivered"
	VoiceDelivered = "conversation.voice.delivered"
)

// SubjectAll matches every Warren event subject.
const SubjectAll = "warren.>"

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return "warren." + eventType
}
