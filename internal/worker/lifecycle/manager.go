// Package lifecycle starts worker containers, streams their start payload
// over stdin, enforces the wall-clock timeout, and collects delimited result
// blocks from stdout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/worker/docker"
	"github.com/warrenhq/warren/pkg/ipc"
)

// Common errors
var (
	ErrTimeout             = errors.New("worker exceeded wall-clock timeout")
	ErrInvocationNotFound  = errors.New("invocation not found")
	ErrConversationRunning = errors.New("conversation already has a live worker")
)

// ContainerRuntime is the slice of the Docker client the manager uses.
// *docker.Client satisfies it; tests substitute a fake.
type ContainerRuntime interface {
	CreateContainerInteractive(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	AttachContainer(ctx context.Context, containerID string) (*docker.AttachResult, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	KillContainer(ctx context.Context, containerID, signal string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// Invocation is the live binding between a work unit and a running worker
// process. Owned exclusively by the manager for its lifetime.
type Invocation struct {
	ID              string
	ConversationKey string
	ContainerID     string
	StartedAt       time.Time

	attach  *docker.AttachResult
	results []*ipc.ResultBlock
	scanErr error
	done    chan struct{} // closed when the stdout scanner finishes
	mu      sync.Mutex
}

// Blocks returns the result blocks emitted so far.
func (inv *Invocation) Blocks() []*ipc.ResultBlock {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]*ipc.ResultBlock(nil), inv.results...)
}

// ExitReport describes how an invocation ended. Final is the last result
// block the worker emitted, which may be a partial result on abnormal exit.
type ExitReport struct {
	ExitCode int
	TimedOut bool
	Final    *ipc.ResultBlock
}

// Failed reports whether the invocation counts as a failed outcome.
func (r *ExitReport) Failed() bool {
	return r.TimedOut || r.ExitCode != 0 || r.Final == nil || !r.Final.OK()
}

// Manager owns worker invocations from container create to removal.
type Manager struct {
	runtime ContainerRuntime
	policy  *MountPolicy
	logger  *logger.Logger

	workerImage    string
	networkMode    string
	memoryBytes    int64
	cpuQuota       int64
	timeout        time.Duration
	idleTimeoutSec int
	maxIterations  int

	invocations    map[string]*Invocation // by invocation ID
	byConversation map[string]string      // conversation key -> invocation ID
	mu             sync.RWMutex
}

// NewManager creates a lifecycle manager.
func NewManager(runtime ContainerRuntime, policy *MountPolicy, dockerCfg config.DockerConfig,
	workerCfg config.WorkerConfig, log *logger.Logger) *Manager {
	return &Manager{
		runtime:        runtime,
		policy:         policy,
		logger:         log.WithFields(zap.String("component", "lifecycle-manager")),
		workerImage:    dockerCfg.WorkerImage,
		networkMode:    dockerCfg.NetworkMode,
		memoryBytes:    dockerCfg.MemoryMB * 1024 * 1024,
		cpuQuota:       int64(dockerCfg.CPUCores * 100000),
		timeout:        time.Duration(workerCfg.TimeoutSec) * time.Second,
		idleTimeoutSec: workerCfg.IdleTimeoutSec,
		maxIterations:  workerCfg.MaxIterations,
		invocations:    make(map[string]*Invocation),
		byConversation: make(map[string]string),
	}
}

// Start launches a worker for the given input. The payload, including the
// secret bundle, is streamed once over the attached stdin and the stream is
// closed; secrets never touch a mounted path.
func (m *Manager) Start(ctx context.Context, input *ipc.WorkerInput) (*Invocation, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if existing, running := m.byConversation[input.ConversationKey]; running {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: invocation %s", ErrConversationRunning, existing)
	}
	m.mu.RUnlock()

	mounts, err := m.policy.Bindings(input.ConversationKey, input.Privileged)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.New().String()
	containerCfg := m.buildContainerConfig(invocationID, input, mounts)

	containerID, err := m.runtime.CreateContainerInteractive(ctx, containerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := m.runtime.AttachContainer(ctx, containerID)
	if err != nil {
		_ = m.runtime.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		attach.Close()
		_ = m.runtime.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inv := &Invocation{
		ID:              invocationID,
		ConversationKey: input.ConversationKey,
		ContainerID:     containerID,
		StartedAt:       time.Now().UTC(),
		attach:          attach,
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.invocations[invocationID] = inv
	m.byConversation[input.ConversationKey] = invocationID
	m.mu.Unlock()

	// Write-once payload channel.
	if err := ipc.WriteInput(attach.Stdin, input); err != nil {
		m.logger.WithInvocation(invocationID).WithError(err).Error("Failed to stream payload")
		m.teardown(ctx, inv, true)
		return nil, fmt.Errorf("failed to stream payload: %w", err)
	}
	attach.Stdin.Close()

	go m.collectResults(inv)

	m.logger.WithConversation(input.ConversationKey).WithInvocation(invocationID).Info("Worker started",
		zap.String("container_id", containerID))
	return inv, nil
}

// collectResults demultiplexes the container output and gathers delimited
// result blocks until the stream ends.
func (m *Manager) collectResults(inv *Invocation) {
	defer close(inv.done)

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, io.Discard, inv.attach.Stdout)
		stdoutWriter.CloseWithError(err)
	}()

	scanner := ipc.NewResultScanner(stdoutReader)
	for {
		block := scanner.Next()
		if block == nil {
			break
		}
		inv.mu.Lock()
		inv.results = append(inv.results, block)
		inv.mu.Unlock()
	}
	inv.mu.Lock()
	inv.scanErr = scanner.Err()
	inv.mu.Unlock()
}

// AwaitExit blocks until the invocation's process exits or the wall-clock
// timeout elapses. On timeout the worker is killed and the report is marked
// timed out. The container is removed either way.
func (m *Manager) AwaitExit(ctx context.Context, inv *Invocation) (*ExitReport, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type waitResult struct {
		code int64
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := m.runtime.WaitContainer(waitCtx, inv.ContainerID)
		waitCh <- waitResult{code, err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	report := &ExitReport{}
	select {
	case res := <-waitCh:
		if res.err != nil {
			m.teardown(context.Background(), inv, true)
			return nil, res.err
		}
		report.ExitCode = int(res.code)

	case <-timer.C:
		m.logger.WithInvocation(inv.ID).Warn("Wall-clock timeout, killing worker",
			zap.Duration("timeout", m.timeout))
		if err := m.runtime.KillContainer(context.Background(), inv.ContainerID, "SIGKILL"); err != nil {
			m.logger.WithInvocation(inv.ID).WithError(err).Error("Failed to kill timed-out worker")
		}
		<-waitCh
		report.TimedOut = true
		report.ExitCode = -1

	case <-ctx.Done():
		_ = m.runtime.KillContainer(context.Background(), inv.ContainerID, "SIGKILL")
		<-waitCh
		m.teardown(context.Background(), inv, true)
		return nil, ctx.Err()
	}

	// Let the stdout scanner drain whatever the worker managed to emit.
	select {
	case <-inv.done:
	case <-time.After(5 * time.Second):
	}

	blocks := inv.Blocks()
	if len(blocks) > 0 {
		report.Final = blocks[len(blocks)-1]
	}

	m.teardown(context.Background(), inv, true)

	m.logger.WithConversation(inv.ConversationKey).WithInvocation(inv.ID).Info("Worker exited",
		zap.Int("exit_code", report.ExitCode),
		zap.Bool("timed_out", report.TimedOut),
		zap.Int("result_blocks", len(blocks)))
	return report, nil
}

// Kill forcibly terminates a running invocation.
func (m *Manager) Kill(ctx context.Context, invocationID string) error {
	m.mu.RLock()
	inv, exists := m.invocations[invocationID]
	m.mu.RUnlock()
	if !exists {
		return ErrInvocationNotFound
	}
	return m.runtime.KillContainer(ctx, inv.ContainerID, "SIGKILL")
}

// InvocationFor returns the live invocation for a conversation, if any.
func (m *Manager) InvocationFor(conversationKey string) (*Invocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, exists := m.byConversation[conversationKey]
	if !exists {
		return nil, false
	}
	inv, exists := m.invocations[id]
	return inv, exists
}

// ActiveCount returns the number of live invocations.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.invocations)
}

func (m *Manager) teardown(ctx context.Context, inv *Invocation, removeContainer bool) {
	inv.attach.Close()
	if removeContainer {
		if err := m.runtime.RemoveContainer(ctx, inv.ContainerID, true); err != nil {
			m.logger.WithInvocation(inv.ID).WithError(err).Warn("Failed to remove container")
		}
	}

	m.mu.Lock()
	delete(m.invocations, inv.ID)
	if m.byConversation[inv.ConversationKey] == inv.ID {
		delete(m.byConversation, inv.ConversationKey)
	}
	m.mu.Unlock()
}

func (m *Manager) buildContainerConfig(invocationID string, input *ipc.WorkerInput, mounts []docker.MountConfig) docker.ContainerConfig {
	return docker.ContainerConfig{
		Name:        fmt.Sprintf("warren-worker-%s", invocationID[:8]),
		Image:       m.workerImage,
		Mounts:      mounts,
		NetworkMode: m.networkMode,
		Memory:      m.memoryBytes,
		CPUQuota:    m.cpuQuota,
		Env: []string{
			fmt.Sprintf("WARREN_INVOCATION_ID=%s", invocationID),
			fmt.Sprintf("WARREN_CONVERSATION_KEY=%s", input.ConversationKey),
			fmt.Sprintf("WARREN_IDLE_TIMEOUT_SEC=%d", m.idleTimeoutSec),
			fmt.Sprintf("WARREN_MAX_ITERATIONS=%d", m.maxIterations),
			fmt.Sprintf("WARREN_SCHEDULED=%t", input.Scheduled),
		},
		Labels: map[string]string{
			docker.ManagedLabel:   "true",
			"warren.invocation":   invocationID,
			"warren.conversation": input.ConversationKey,
		},
	}
}
