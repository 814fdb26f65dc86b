package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/credentials"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/worker/docker"
	"github.com/warrenhq/warren/pkg/ipc"
)

type stdinRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *stdinRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *stdinRecorder) Close() error { return nil }

func (r *stdinRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// fakeRuntime simulates a container that consumes the stdin payload, emits
// pre-baked multiplexed output, and exits with a scripted code.
type fakeRuntime struct {
	mu      sync.Mutex
	created []docker.ContainerConfig
	stdin   *stdinRecorder
	output  []byte
	exitCh  chan int64
	killed  bool
	removed bool
}

func newFakeRuntime(stdout string) *fakeRuntime {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	w.Write([]byte(stdout))
	return &fakeRuntime{
		stdin:  &stdinRecorder{},
		output: buf.Bytes(),
		exitCh: make(chan int64, 1),
	}
}

func (f *fakeRuntime) CreateContainerInteractive(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	return "container-1", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error { return nil }

func (f *fakeRuntime) AttachContainer(ctx context.Context, containerID string) (*docker.AttachResult, error) {
	return &docker.AttachResult{
		Stdin:  f.stdin,
		Stdout: bytes.NewReader(f.output),
	}, nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	select {
	case code := <-f.exitCh:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeRuntime) KillContainer(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.exitCh <- 137
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func successOutput(t *testing.T, sessionID, result string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := ipc.WriteResult(&buf, &ipc.ResultBlock{
		Status:    ipc.StatusSuccess,
		Result:    result,
		SessionID: sessionID,
	}); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	return buf.String()
}

func newTestManager(t *testing.T, runtime ContainerRuntime) *Manager {
	t.Helper()
	policy, err := NewMountPolicy(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}
	dockerCfg := config.DockerConfig{WorkerImage: "warren-worker:latest", MemoryMB: 512, CPUCores: 1}
	workerCfg := config.WorkerConfig{TimeoutSec: 30}
	return NewManager(runtime, policy, dockerCfg, workerCfg, logger.Default())
}

func TestStartStreamsPayloadOnce(t *testing.T) {
	runtime := newFakeRuntime(successOutput(t, "sess-new", "done"))
	m := newTestManager(t, runtime)

	input := &ipc.WorkerInput{
		Prompt:          "hello",
		ConversationKey: "g1",
		Privileged:      false,
		Secrets:         map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
	}
	inv, err := m.Start(context.Background(), input)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload := runtime.stdin.String()
	if !strings.Contains(payload, `"prompt":"hello"`) {
		t.Errorf("payload missing prompt: %s", payload)
	}
	if !strings.Contains(payload, "sk-test") {
		t.Errorf("secret bundle not streamed over stdin")
	}

	// Secrets must not leak into container env or labels.
	runtime.mu.Lock()
	cfg := runtime.created[0]
	runtime.mu.Unlock()
	for _, env := range cfg.Env {
		if strings.Contains(env, "sk-test") {
			t.Errorf("secret leaked into container env: %s", env)
		}
	}

	runtime.exitCh <- 0
	report, err := m.AwaitExit(context.Background(), inv)
	if err != nil {
		t.Fatalf("AwaitExit failed: %v", err)
	}
	if report.Failed() {
		t.Fatalf("expected success, got %+v", report)
	}
	if report.Final.SessionID != "sess-new" || report.Final.Result != "done" {
		t.Errorf("unexpected final block: %+v", report.Final)
	}
	if !runtime.removed {
		t.Errorf("container not removed after exit")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("invocation still tracked after exit")
	}
}

func TestSecondStartForSameConversationRejected(t *testing.T) {
	runtime := newFakeRuntime("")
	m := newTestManager(t, runtime)

	input := &ipc.WorkerInput{Prompt: "hi", ConversationKey: "g1"}
	if _, err := m.Start(context.Background(), input); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Start(context.Background(), input); !errors.Is(err, ErrConversationRunning) {
		t.Errorf("expected ErrConversationRunning, got %v", err)
	}
}

func TestWallClockTimeoutKillsWorker(t *testing.T) {
	runtime := newFakeRuntime("")
	m := newTestManager(t, runtime)
	m.timeout = 50 * time.Millisecond

	inv, err := m.Start(context.Background(), &ipc.WorkerInput{Prompt: "hi", ConversationKey: "g1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	report, err := m.AwaitExit(context.Background(), inv)
	if err != nil {
		t.Fatalf("AwaitExit failed: %v", err)
	}
	if !report.TimedOut || !report.Failed() {
		t.Errorf("expected timed-out failure, got %+v", report)
	}
	runtime.mu.Lock()
	killed := runtime.killed
	runtime.mu.Unlock()
	if !killed {
		t.Errorf("worker not killed on timeout")
	}
}

func TestAbnormalExitKeepsPartialResult(t *testing.T) {
	runtime := newFakeRuntime(successOutput(t, "sess-part", "partial progress"))
	m := newTestManager(t, runtime)

	inv, err := m.Start(context.Background(), &ipc.WorkerInput{Prompt: "hi", ConversationKey: "g1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	runtime.exitCh <- 1

	report, err := m.AwaitExit(context.Background(), inv)
	if err != nil {
		t.Fatalf("AwaitExit failed: %v", err)
	}
	if !report.Failed() {
		t.Errorf("non-zero exit should be a failed outcome")
	}
	if report.Final == nil || report.Final.Result != "partial progress" {
		t.Errorf("partial result lost: %+v", report.Final)
	}
}

func TestRunnerMapsOutcome(t *testing.T) {
	runtime := newFakeRuntime(successOutput(t, "sess-42", "all good"))
	m := newTestManager(t, runtime)
	runner := NewRunner(m, credentials.NewStaticProvider(map[string]string{"K": "v"}), logger.Default())

	unit := queue.NewWorkUnit("g1", "hello", false)
	conv := &conversation.Conversation{Key: "g1", SessionID: "sess-41", Active: true}

	runtime.exitCh <- 0
	outcome, err := runner.Run(context.Background(), unit, conv)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.SessionID != "sess-42" || outcome.Result != "all good" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	// Prior session id travels in the payload.
	if !strings.Contains(runtime.stdin.String(), "sess-41") {
		t.Errorf("prior session id not streamed to worker")
	}
}

func TestRunnerReportsFailure(t *testing.T) {
	runtime := newFakeRuntime("")
	m := newTestManager(t, runtime)
	runner := NewRunner(m, credentials.NewStaticProvider(nil), logger.Default())

	unit := queue.NewWorkUnit("g1", "hello", false)
	conv := &conversation.Conversation{Key: "g1", Active: true}

	runtime.exitCh <- 1
	_, err := runner.Run(context.Background(), unit, conv)
	if !errors.Is(err, ErrWorkerFailed) {
		t.Errorf("expected ErrWorkerFailed, got %v", err)
	}
}
