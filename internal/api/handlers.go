package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/warrenhq/warren/internal/common/errors"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/schedule"
	"github.com/warrenhq/warren/internal/session"
)

// Admitter is the queue surface the API needs.
type Admitter interface {
	Admit(ctx context.Context, conversationKey, prompt string, scheduled bool) (queue.Disposition, error)
	Snapshot() queue.Status
}

// Handler contains the HTTP handlers for the host API.
type Handler struct {
	admitter  Admitter
	registry  *conversation.Registry
	scheduler *schedule.Scheduler
	sessions  session.Store
	logger    *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(adm Admitter, reg *conversation.Registry, sched *schedule.Scheduler,
	sessions session.Store, log *logger.Logger) *Handler {
	return &Handler{
		admitter:  adm,
		registry:  reg,
		scheduler: sched,
		sessions:  sessions,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// SubmitMessage admits a prompt for a conversation
// POST /api/v1/conversations/:key/messages
func (h *Handler) SubmitMessage(c *gin.Context) {
	key := c.Param("key")
	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	disposition, err := h.admitter.Admit(c.Request.Context(), key, req.Text, req.Scheduled)
	if err != nil {
		h.logger.WithConversation(key).Error("failed to admit message", zap.Error(err))
		switch {
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrDraining):
			appErr := apperrors.ServiceUnavailable("queue")
			c.JSON(appErr.HTTPStatus, appErr)
		case errors.Is(err, queue.ErrConversationInactive):
			appErr := apperrors.Conflict("conversation is deactivated")
			c.JSON(appErr.HTTPStatus, appErr)
		default:
			appErr := apperrors.InternalError("failed to admit message", err)
			c.JSON(appErr.HTTPStatus, appErr)
		}
		return
	}

	c.JSON(http.StatusAccepted, SubmitMessageResponse{
		ConversationKey: key,
		Disposition:     string(disposition),
	})
}

// ListConversations returns all known conversations
// GET /api/v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	convs := h.registry.List()
	resp := ConversationsListResponse{
		Conversations: make([]ConversationResponse, 0, len(convs)),
		Total:         len(convs),
	}
	for _, conv := range convs {
		resp.Conversations = append(resp.Conversations, conversationToResponse(conv))
	}
	c.JSON(http.StatusOK, resp)
}

// GetConversation returns one conversation record
// GET /api/v1/conversations/:key
func (h *Handler) GetConversation(c *gin.Context) {
	key := c.Param("key")
	conv, err := h.registry.Get(key)
	if err != nil {
		appErr := apperrors.NotFound("conversation", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, conversationToResponse(conv))
}

// GetHistory returns the conversation's active session transcript
// GET /api/v1/conversations/:key/history
func (h *Handler) GetHistory(c *gin.Context) {
	key := c.Param("key")
	conv, err := h.registry.Get(key)
	if err != nil {
		appErr := apperrors.NotFound("conversation", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if conv.SessionID == "" {
		appErr := apperrors.NotFound("session for conversation", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.sessions.Load(key, conv.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			appErr := apperrors.NotFound("session", conv.SessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.WithConversation(key).Error("failed to load session", zap.Error(err))
		appErr := apperrors.InternalError("failed to load session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetQueueStatus returns controller occupancy
// GET /api/v1/queue
func (h *Handler) GetQueueStatus(c *gin.Context) {
	status := h.admitter.Snapshot()
	c.JSON(http.StatusOK, QueueStatusResponse{
		Active:  len(status.Active),
		Pending: status.Pending,
		Max:     status.Max,
	})
}

// ListSchedules returns all installed schedules
// GET /api/v1/schedules
func (h *Handler) ListSchedules(c *gin.Context) {
	tasks := h.scheduler.List()
	resp := SchedulesListResponse{
		Schedules: make([]ScheduleResponse, 0, len(tasks)),
		Total:     len(tasks),
	}
	for _, t := range tasks {
		resp.Schedules = append(resp.Schedules, ScheduleResponse{
			ID:              t.ID,
			ConversationKey: t.ConversationKey,
			Prompt:          t.Prompt,
			ScheduleType:    t.ScheduleType,
			ScheduleValue:   t.ScheduleValue,
			CreatedBy:       t.CreatedBy,
			CreatedAt:       t.CreatedAt,
			NextRun:         t.NextRun,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// CancelSchedule removes an installed schedule
// DELETE /api/v1/schedules/:id
func (h *Handler) CancelSchedule(c *gin.Context) {
	id := c.Param("id")
	if !h.scheduler.Cancel(id) {
		appErr := apperrors.NotFound("schedule", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule cancelled"})
}

// HealthCheck reports service liveness
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func conversationToResponse(conv *conversation.Conversation) ConversationResponse {
	return ConversationResponse{
		Key:           conv.Key,
		SessionID:     conv.SessionID,
		Privileged:    conv.Privileged,
		Active:        conv.Active,
		RetryCount:    conv.RetryCount,
		LastSuccessAt: conv.LastSuccessAt,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
}
