// Package schedule executes worker-emitted scheduling requests on the
// host: one-shot timers, fixed intervals, and cron expressions, each
// re-admitting a prompt into the queue when due.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/queue"
)

// Schedule type names accepted from workers.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOnce     = "once"
)

// Admitter submits a due prompt for execution. Satisfied by the queue
// controller.
type Admitter interface {
	Admit(ctx context.Context, conversationKey, prompt string, scheduled bool) (queue.Disposition, error)
}

// Task is one registered schedule.
type Task struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Prompt          string    `json:"prompt"`
	ScheduleType    string    `json:"schedule_type"`
	ScheduleValue   string    `json:"schedule_value"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	NextRun         time.Time `json:"next_run"`

	cancel context.CancelFunc
}

// Scheduler owns all registered tasks and their timers.
type Scheduler struct {
	admitter Admitter
	logger   *logger.Logger

	mu     sync.Mutex
	tasks  map[string]*Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler that admits due prompts through adm.
func NewScheduler(adm Admitter, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		admitter: adm,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		tasks:    make(map[string]*Task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ForConversation returns a mailbox.Scheduler view bound to one
// conversation, for wiring into that conversation's mailbox consumer.
func (s *Scheduler) ForConversation(key string) mailbox.Scheduler {
	return &boundScheduler{sched: s, key: key}
}

type boundScheduler struct {
	sched *Scheduler
	key   string
}

func (b *boundScheduler) Register(ctx context.Context, req *mailbox.ScheduleRequest) error {
	_, err := b.sched.Register(b.key, req)
	return err
}

// Register validates and installs a schedule for a conversation,
// returning the created task.
func (s *Scheduler) Register(conversationKey string, req *mailbox.ScheduleRequest) (*Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("schedule prompt is empty")
	}

	var next time.Time
	var interval time.Duration
	var spec *cronSpec
	now := time.Now()

	switch req.ScheduleType {
	case TypeOnce:
		t, err := parseOnce(req.ScheduleValue, now)
		if err != nil {
			return nil, err
		}
		next = t
	case TypeInterval:
		d, err := time.ParseDuration(req.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", req.ScheduleValue, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval %q below one second", req.ScheduleValue)
		}
		interval = d
		next = now.Add(d)
	case TypeCron:
		parsed, err := parseCron(req.ScheduleValue)
		if err != nil {
			return nil, err
		}
		spec = parsed
		next = spec.nextAfter(now)
	default:
		return nil, fmt.Errorf("unknown schedule type %q", req.ScheduleType)
	}

	taskCtx, taskCancel := context.WithCancel(s.ctx)
	task := &Task{
		ID:              uuid.New().String(),
		ConversationKey: conversationKey,
		Prompt:          req.Prompt,
		ScheduleType:    req.ScheduleType,
		ScheduleValue:   req.ScheduleValue,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
		NextRun:         next,
		cancel:          taskCancel,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTask(taskCtx, task, interval, spec)

	s.logger.Info("Registered schedule",
		zap.String("task_id", task.ID),
		zap.String("conversation", conversationKey),
		zap.String("type", req.ScheduleType),
		zap.String("value", req.ScheduleValue),
		zap.Time("next_run", next))
	return task, nil
}

func (s *Scheduler) runTask(ctx context.Context, task *Task, interval time.Duration, spec *cronSpec) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		next := task.NextRun
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(task)

		switch task.ScheduleType {
		case TypeOnce:
			s.Cancel(task.ID)
			return
		case TypeInterval:
			s.mu.Lock()
			task.NextRun = time.Now().Add(interval)
			s.mu.Unlock()
		case TypeCron:
			s.mu.Lock()
			task.NextRun = spec.nextAfter(time.Now())
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) fire(task *Task) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	_, err := s.admitter.Admit(ctx, task.ConversationKey, task.Prompt, true)
	if err != nil {
		// Queue pressure is transient; the schedule stays installed.
		s.logger.WithConversation(task.ConversationKey).WithError(err).
			Warn("Failed to admit scheduled prompt", zap.String("task_id", task.ID))
		return
	}
	s.logger.WithConversation(task.ConversationKey).Info("Admitted scheduled prompt",
		zap.String("task_id", task.ID))
}

// Cancel removes a task. Returns false when the id is unknown.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

// List returns a snapshot of all installed tasks.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		copied := *t
		copied.cancel = nil
		out = append(out, &copied)
	}
	return out
}

// Close stops all timers and waits for in-flight firings.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// parseOnce accepts an absolute RFC 3339 time or a relative duration.
func parseOnce(value string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		if t.Before(now) {
			return time.Time{}, fmt.Errorf("one-shot time %q is in the past", value)
		}
		return t, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("one-shot delay %q must be positive", value)
		}
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("one-shot value %q is neither RFC 3339 nor a duration", value)
}
