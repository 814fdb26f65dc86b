package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/queue"
)

type recordingAdmitter struct {
	mu    sync.Mutex
	calls []admittedCall
}

type admittedCall struct {
	key       string
	prompt    string
	scheduled bool
}

func (a *recordingAdmitter) Admit(ctx context.Context, key, prompt string, scheduled bool) (queue.Disposition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, admittedCall{key, prompt, scheduled})
	return queue.DispositionLaunched, nil
}

func (a *recordingAdmitter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func TestOnceFiresAndRemovesItself(t *testing.T) {
	adm := &recordingAdmitter{}
	s := NewScheduler(adm, logger.Default())
	defer s.Close()

	task, err := s.Register("g1", &mailbox.ScheduleRequest{
		Prompt:        "check the oven",
		ScheduleType:  TypeOnce,
		ScheduleValue: "20ms",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for adm.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("one-shot schedule never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	adm.mu.Lock()
	call := adm.calls[0]
	adm.mu.Unlock()
	if call.key != "g1" || call.prompt != "check the oven" || !call.scheduled {
		t.Errorf("unexpected admission %+v", call)
	}

	// The one-shot removes itself after firing.
	waitUntil(t, func() bool {
		for _, task2 := range s.List() {
			if task2.ID == task.ID {
				return false
			}
		}
		return true
	})
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	adm := &recordingAdmitter{}
	s := NewScheduler(adm, logger.Default())
	defer s.Close()

	if _, err := s.Register("g1", &mailbox.ScheduleRequest{
		Prompt:        "tick",
		ScheduleType:  TypeInterval,
		ScheduleValue: "1s",
	}); err == nil {
		// 1s is the minimum; anything smaller must be rejected.
		if _, err := s.Register("g1", &mailbox.ScheduleRequest{
			Prompt:        "too fast",
			ScheduleType:  TypeInterval,
			ScheduleValue: "10ms",
		}); err == nil {
			t.Error("expected sub-second interval to be rejected")
		}
	} else {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestCancelStopsTask(t *testing.T) {
	adm := &recordingAdmitter{}
	s := NewScheduler(adm, logger.Default())
	defer s.Close()

	task, err := s.Register("g1", &mailbox.ScheduleRequest{
		Prompt:        "later",
		ScheduleType:  TypeOnce,
		ScheduleValue: "1h",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !s.Cancel(task.ID) {
		t.Error("Cancel returned false for a live task")
	}
	if s.Cancel(task.ID) {
		t.Error("Cancel returned true for a removed task")
	}
	if len(s.List()) != 0 {
		t.Errorf("expected empty task list, got %d", len(s.List()))
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	s := NewScheduler(&recordingAdmitter{}, logger.Default())
	defer s.Close()

	cases := []mailbox.ScheduleRequest{
		{Prompt: "", ScheduleType: TypeOnce, ScheduleValue: "1h"},
		{Prompt: "x", ScheduleType: "weekly", ScheduleValue: "1h"},
		{Prompt: "x", ScheduleType: TypeOnce, ScheduleValue: "not-a-time"},
		{Prompt: "x", ScheduleType: TypeInterval, ScheduleValue: "soon"},
		{Prompt: "x", ScheduleType: TypeCron, ScheduleValue: "* * *"},
	}
	for _, req := range cases {
		if _, err := s.Register("g1", &req); err == nil {
			t.Errorf("expected rejection for %+v", req)
		}
	}
}

func TestBoundSchedulerUsesConversationKey(t *testing.T) {
	adm := &recordingAdmitter{}
	s := NewScheduler(adm, logger.Default())
	defer s.Close()

	bound := s.ForConversation("kitchen")
	err := bound.Register(context.Background(), &mailbox.ScheduleRequest{
		Prompt:        "preheat",
		ScheduleType:  TypeOnce,
		ScheduleValue: "1h",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tasks := s.List()
	if len(tasks) != 1 || tasks[0].ConversationKey != "kitchen" {
		t.Errorf("expected one task bound to kitchen, got %+v", tasks)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
