package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warrenhq/warren/internal/agent/llm"
	"github.com/warrenhq/warren/internal/agent/loop"
	"github.com/warrenhq/warren/internal/agent/tools"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/pkg/ipc"
)

type scriptedClient struct {
	responses []*llm.MessagesResponse
	errs      []error
	calls     int
}

func (c *scriptedClient) CreateMessage(ctx context.Context, req *llm.MessagesRequest) (*llm.MessagesResponse, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, errors.New("no more scripted responses")
	}
	return c.responses[i], nil
}

func textResponse(text string) *llm.MessagesResponse {
	return &llm.MessagesResponse{
		Content:    []llm.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

type fixture struct {
	worker *Worker
	store  *session.FileStore
	mbox   *mailbox.Mailbox
	stdout *bytes.Buffer
}

func newFixture(t *testing.T, client loop.ModelClient, input *ipc.WorkerInput, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	mbox := mailbox.New(filepath.Join(dir, "mailbox"), input.ConversationKey)
	log := logger.Default()

	registry := tools.NewBuiltinRegistry(tools.Deps{
		Mailbox: mbox,
		WorkDir: dir,
	}, log)
	reasoner := loop.New(client, registry, "", 10, log)

	var stdout bytes.Buffer
	return &fixture{
		worker: New(input, store, reasoner, mbox, &stdout, cfg, log),
		store:  store,
		mbox:   mbox,
		stdout: &stdout,
	}
}

func blocks(t *testing.T, f *fixture) []*ipc.ResultBlock {
	t.Helper()
	got, err := ipc.CollectResults(bytes.NewReader(f.stdout.Bytes()))
	if err != nil {
		t.Fatalf("CollectResults failed: %v", err)
	}
	return got
}

func TestInitialTurnEmitsSuccessBlock(t *testing.T) {
	client := &scriptedClient{responses: []*llm.MessagesResponse{textResponse("hello there")}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "hello",
		ConversationKey: "g1",
	}, Config{IdleTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	if err := f.worker.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := blocks(t, f)
	if len(got) != 1 {
		t.Fatalf("expected 1 result block, got %d", len(got))
	}
	if !got[0].OK() {
		t.Errorf("expected success block, got status %q error %q", got[0].Status, got[0].Error)
	}
	if got[0].Result != "hello there" {
		t.Errorf("unexpected result %q", got[0].Result)
	}
	if got[0].SessionID == "" {
		t.Error("expected a fresh session id in the result block")
	}

	sess, err := f.store.Load("g1", got[0].SessionID)
	if err != nil {
		t.Fatalf("session was not persisted: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Errorf("expected 2 turns, got %d", len(sess.Turns))
	}
}

func TestSessionResumedWhenPresent(t *testing.T) {
	client := &scriptedClient{responses: []*llm.MessagesResponse{textResponse("welcome back")}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "again",
		ConversationKey: "g1",
		SessionID:       "", // set below once the store exists
	}, Config{IdleTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	prior := session.NewSession("g1")
	prior.AppendUserText("earlier")
	if err := f.store.Save(prior); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	f.worker.input.SessionID = prior.ID

	if err := f.worker.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := blocks(t, f)
	if len(got) != 1 || got[0].SessionID != prior.ID {
		t.Fatalf("expected block for session %s, got %+v", prior.ID, got)
	}
	sess, err := f.store.Load("g1", prior.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(sess.Turns) != 3 {
		t.Errorf("expected 3 turns after resume, got %d", len(sess.Turns))
	}
}

func TestMissingSessionStartsFresh(t *testing.T) {
	client := &scriptedClient{responses: []*llm.MessagesResponse{textResponse("ok")}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "hi",
		ConversationKey: "g1",
		SessionID:       "gone",
	}, Config{IdleTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	if err := f.worker.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := blocks(t, f)
	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got))
	}
	if got[0].SessionID == "gone" || got[0].SessionID == "" {
		t.Errorf("expected a fresh session id, got %q", got[0].SessionID)
	}
}

func TestFollowUpProducesSecondBlock(t *testing.T) {
	client := &scriptedClient{responses: []*llm.MessagesResponse{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "start",
		ConversationKey: "g1",
	}, Config{IdleTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})

	if err := f.mbox.WriteInbound("follow up"); err != nil {
		t.Fatalf("WriteInbound failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(context.Background()) }()

	deadline := time.After(3 * time.Second)
	for client.calls < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for follow-up turn")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := f.mbox.WriteShutdown(); err != nil {
		t.Fatalf("WriteShutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-deadline:
		t.Fatal("worker did not exit on shutdown sentinel")
	}

	got := blocks(t, f)
	if len(got) != 2 {
		t.Fatalf("expected 2 result blocks, got %d", len(got))
	}
	if got[1].Result != "second answer" {
		t.Errorf("unexpected follow-up result %q", got[1].Result)
	}
	if got[0].SessionID != got[1].SessionID {
		t.Error("follow-up turn should reuse the same session")
	}
}

func TestIdleTimeoutExitsCleanly(t *testing.T) {
	client := &scriptedClient{responses: []*llm.MessagesResponse{textResponse("done")}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "one shot",
		ConversationKey: "g1",
	}, Config{IdleTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	start := time.Now()
	if err := f.worker.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("idle exit took far longer than the idle timeout")
	}
}

func TestFailedTurnPreservesLaterFollowUps(t *testing.T) {
	// Initial prompt succeeds, the first follow-up's turn fails.
	client := &scriptedClient{
		responses: []*llm.MessagesResponse{textResponse("initial answer")},
		errs:      []error{nil, errors.New("model unreachable")},
	}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "start",
		ConversationKey: "g1",
	}, Config{IdleTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})

	if err := f.mbox.WriteInbound("first follow-up"); err != nil {
		t.Fatalf("WriteInbound failed: %v", err)
	}
	if err := f.mbox.WriteInbound("second follow-up"); err != nil {
		t.Fatalf("WriteInbound failed: %v", err)
	}

	if err := f.worker.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail on the follow-up turn")
	}
	if client.calls != 2 {
		t.Fatalf("expected the drain to stop at the failed turn, got %d model calls", client.calls)
	}

	// The message behind the failed one must still be on disk for the
	// retry worker, not silently deleted.
	entries, err := os.ReadDir(f.mbox.Dir(mailbox.KindMessage))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var texts []string
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(f.mbox.Dir(mailbox.KindMessage), e.Name()))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		var msg mailbox.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		texts = append(texts, msg.Text)
	}
	found := false
	for _, text := range texts {
		if text == "second follow-up" {
			found = true
		}
	}
	if !found {
		t.Errorf("second follow-up was lost after the failed turn, remaining: %v", texts)
	}
}

func TestTurnFailureEmitsErrorBlock(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("model unreachable")}}
	f := newFixture(t, client, &ipc.WorkerInput{
		Prompt:          "hi",
		ConversationKey: "g1",
	}, Config{IdleTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	err := f.worker.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail")
	}

	got := blocks(t, f)
	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got))
	}
	if got[0].Status != ipc.StatusError {
		t.Errorf("expected error block, got %q", got[0].Status)
	}
	if got[0].Error == "" {
		t.Error("expected error detail in block")
	}

	// The partial session survives the failed turn.
	if _, err := f.store.Load("g1", got[0].SessionID); err != nil {
		t.Errorf("expected session to be saved despite failure: %v", err)
	}
}
