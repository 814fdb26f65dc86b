package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/conversation"
	"github.com/warrenhq/warren/internal/credentials"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/pkg/ipc"
)

// ErrWorkerFailed wraps every failed invocation outcome so the queue
// controller treats crash, non-zero exit, and timeout identically.
var ErrWorkerFailed = errors.New("worker invocation failed")

// Runner adapts the lifecycle manager to the queue controller's runner
// contract: launch one worker per unit, block until exit, and translate the
// exit report into a success outcome or a failure.
type Runner struct {
	manager *Manager
	creds   credentials.Provider
	logger  *logger.Logger
}

// NewRunner creates a runner over the lifecycle manager.
func NewRunner(manager *Manager, creds credentials.Provider, log *logger.Logger) *Runner {
	return &Runner{manager: manager, creds: creds, logger: log}
}

var _ queue.WorkerRunner = (*Runner)(nil)

// Run launches a worker for the unit and waits for it to finish.
func (r *Runner) Run(ctx context.Context, unit *queue.WorkUnit, conv *conversation.Conversation) (*queue.Outcome, error) {
	secrets, err := r.creds.Bundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble secret bundle: %w", err)
	}

	input := &ipc.WorkerInput{
		Prompt:          unit.Prompt,
		ConversationKey: unit.ConversationKey,
		SessionID:       conv.SessionID,
		Privileged:      conv.Privileged,
		Scheduled:       unit.Scheduled,
		Secrets:         secrets,
	}

	inv, err := r.manager.Start(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerFailed, err)
	}

	report, err := r.manager.AwaitExit(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerFailed, err)
	}

	if report.Failed() {
		detail := "no result emitted"
		if report.TimedOut {
			detail = "wall-clock timeout"
		} else if report.Final != nil && report.Final.Error != "" {
			detail = report.Final.Error
		} else if report.ExitCode != 0 {
			detail = fmt.Sprintf("exit status %d", report.ExitCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, detail)
	}

	return &queue.Outcome{
		SessionID: report.Final.SessionID,
		Result:    report.Final.Result,
	}, nil
}
