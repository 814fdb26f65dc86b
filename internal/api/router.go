package api

import (
	"github.com/gin-gonic/gin"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/events/bus"
	"github.com/warrenhq/warren/internal/schedule"
	"github.com/warrenhq/warren/internal/session"
)

// SetupRoutes configures the host API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	adm Admitter,
	reg *conversation.Registry,
	sched *schedule.Scheduler,
	sessions session.Store,
	eventBus bus.EventBus,
	log *logger.Logger,
) {
	handler := NewHandler(adm, reg, sched, sessions, log)

	conversations := router.Group("/conversations")
	{
		conversations.GET("", handler.ListConversations)
		conversations.GET("/:key", handler.GetConversation)
		conversations.GET("/:key/history", handler.GetHistory)
		conversations.POST("/:key/messages", handler.SubmitMessage)
	}

	router.GET("/queue", handler.GetQueueStatus)

	schedules := router.Group("/schedules")
	{
		schedules.GET("", handler.ListSchedules)
		schedules.DELETE("/:id", handler.CancelSchedule)
	}

	stream := NewEventStream(eventBus, log)
	router.GET("/events", stream.Handle)
}
