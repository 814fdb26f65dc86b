package mailbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warrenhq/warren/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestWriteReplyIsAtomicallyVisible(t *testing.T) {
	mbox := New(t.TempDir(), "g1")

	if err := mbox.WriteReply("hello there"); err != nil {
		t.Fatalf("WriteReply failed: %v", err)
	}

	entries, err := os.ReadDir(mbox.Dir(KindReply))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}
	name := entries[0].Name()
	if strings.HasPrefix(name, tmpPrefix) {
		t.Errorf("temporary file leaked into watched directory: %s", name)
	}
	if !strings.HasSuffix(name, ".json") {
		t.Errorf("expected .json suffix, got %s", name)
	}

	raw, err := os.ReadFile(filepath.Join(mbox.Dir(KindReply), name))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("reply did not parse: %v", err)
	}
	if reply.Text != "hello there" || reply.ConversationKey != "g1" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestDrainProcessesInWriteOrder(t *testing.T) {
	mbox := New(t.TempDir(), "g1")

	for _, text := range []string{"first", "second", "third"} {
		if err := mbox.WriteInbound(text); err != nil {
			t.Fatalf("WriteInbound failed: %v", err)
		}
		// Distinct timestamp prefixes keep lexicographic order chronological.
		time.Sleep(2 * time.Millisecond)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	var got []string
	handled, sentinel, err := reader.Drain(func(name string, raw []byte) error {
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		got = append(got, in.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if sentinel {
		t.Error("unexpected sentinel")
	}
	if handled != 3 {
		t.Errorf("expected 3 handled, got %d", handled)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}

	// Processed files are deleted.
	entries, _ := os.ReadDir(mbox.Dir(KindMessage))
	if len(entries) != 0 {
		t.Errorf("expected empty inbox after drain, found %d files", len(entries))
	}
}

func TestDrainDropsMalformedWithoutRetry(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	dir := mbox.Dir(KindMessage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000T000000.000000000-bad.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mbox.WriteInbound("good"); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	var got []string
	handled, _, err := reader.Drain(func(name string, raw []byte) error {
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		got = append(got, in.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if handled != 1 || len(got) != 1 || got[0] != "good" {
		t.Errorf("expected only the well-formed message, got %v", got)
	}

	// The malformed file is gone, not left for retry.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected malformed file to be deleted, found %d files", len(entries))
	}
}

func TestDrainStopsAndKeepsFilesOnStopError(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	for _, text := range []string{"first", "second", "third"} {
		if err := mbox.WriteInbound(text); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	var seen []string
	handled, _, err := reader.Drain(func(name string, raw []byte) error {
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		seen = append(seen, in.Text)
		if in.Text == "second" {
			return ErrStopDrain
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 handled before the stop, got %d", handled)
	}

	// The stopping message and everything behind it survive for the next
	// drain; only the processed message was deleted.
	entries, _ := os.ReadDir(mbox.Dir(KindMessage))
	if len(entries) != 2 {
		t.Fatalf("expected 2 files left after stop, found %d", len(entries))
	}
	var remaining []string
	handled, _, err = reader.Drain(func(name string, raw []byte) error {
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		remaining = append(remaining, in.Text)
		return nil
	})
	if err != nil || handled != 2 {
		t.Fatalf("second drain: handled=%d err=%v", handled, err)
	}
	if remaining[0] != "second" || remaining[1] != "third" {
		t.Errorf("unexpected remaining order: %v", remaining)
	}
}

func TestDrainIgnoresTemporaryFiles(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	dir := mbox.Dir(KindMessage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// A producer mid-write: temp name not yet renamed in.
	if err := os.WriteFile(filepath.Join(dir, tmpPrefix+"inflight"), []byte(`{"kind":"message","text":"partial"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	handled, _, err := reader.Drain(func(name string, raw []byte) error { return nil })
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if handled != 0 {
		t.Errorf("reader observed an in-flight write, handled=%d", handled)
	}
}

func TestWriterKilledMidWriteNeverSurfaces(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	dir := mbox.Dir(KindMessage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	// A writer killed between WriteFile and Rename leaves a truncated temp
	// file and nothing else. Readers must never observe it, and later
	// traffic must flow past it.
	partial := []byte(`{"kind":"message","te`)
	if err := os.WriteFile(filepath.Join(dir, tmpPrefix+"killed"), partial, 0o644); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	for i := 0; i < 3; i++ {
		handled, _, err := reader.Drain(func(name string, raw []byte) error { return nil })
		if err != nil {
			t.Fatalf("Drain failed: %v", err)
		}
		if handled != 0 {
			t.Fatalf("drain %d surfaced the interrupted write", i)
		}
	}

	if err := mbox.WriteInbound("after the crash"); err != nil {
		t.Fatal(err)
	}
	var got []string
	handled, _, err := reader.Drain(func(name string, raw []byte) error {
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		got = append(got, in.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if handled != 1 || got[0] != "after the crash" {
		t.Errorf("expected only the complete message, got %v", got)
	}
}

func TestShutdownSentinel(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	if err := mbox.WriteInbound("pending"); err != nil {
		t.Fatal(err)
	}
	if err := mbox.WriteShutdown(); err != nil {
		t.Fatalf("WriteShutdown failed: %v", err)
	}

	reader := NewReader(mbox, KindMessage, newTestLogger(t))
	handled, sentinel, err := reader.Drain(func(name string, raw []byte) error { return nil })
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !sentinel {
		t.Error("expected sentinel to be reported")
	}
	if handled != 1 {
		t.Errorf("pending message should still be handled before shutdown, handled=%d", handled)
	}

	reader.ConsumeSentinel()
	_, sentinel, _ = reader.Drain(func(name string, raw []byte) error { return nil })
	if sentinel {
		t.Error("sentinel should be gone after ConsumeSentinel")
	}
}

type fakeOutbound struct {
	mu      sync.Mutex
	replies []string
	voices  []string
}

func (f *fakeOutbound) SendReply(ctx context.Context, key, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeOutbound) SendVoice(ctx context.Context, key, text, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices = append(f.voices, text)
	return nil
}

type fakeScheduler struct {
	mu   sync.Mutex
	reqs []*ScheduleRequest
}

func (f *fakeScheduler) Register(ctx context.Context, req *ScheduleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func TestConsumerDispatchesOutboundKinds(t *testing.T) {
	mbox := New(t.TempDir(), "g1")
	out := &fakeOutbound{}
	sched := &fakeScheduler{}
	consumer := NewConsumer(mbox, out, sched, nil, 10*time.Millisecond, newTestLogger(t))

	if err := mbox.WriteReply("a reply"); err != nil {
		t.Fatal(err)
	}
	if err := mbox.WriteVoice("spoken", "calm"); err != nil {
		t.Fatal(err)
	}
	if err := mbox.WriteSchedule(&ScheduleRequest{
		Prompt:        "daily digest",
		ScheduleType:  "cron",
		ScheduleValue: "0 8 * * *",
		ContextMode:   "fresh",
		CreatedBy:     "g1",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		out.mu.Lock()
		sched.mu.Lock()
		ready := len(out.replies) == 1 && len(out.voices) == 1 && len(sched.reqs) == 1
		sched.mu.Unlock()
		out.mu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatal("consumer did not dispatch all messages in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if out.replies[0] != "a reply" {
		t.Errorf("unexpected reply: %q", out.replies[0])
	}
	if sched.reqs[0].ScheduleType != "cron" {
		t.Errorf("unexpected schedule type: %q", sched.reqs[0].ScheduleType)
	}
}
