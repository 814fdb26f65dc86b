// Package runtime is the in-container worker: it reads the start payload
// from stdin, runs reasoning turns, polls its inbound mailbox for
// follow-ups, and emits delimited result blocks on stdout.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/agent/loop"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/pkg/ipc"
)

// Config tunes the worker's polling behavior.
type Config struct {
	IdleTimeout  time.Duration // exit after this long with no inbound message
	PollInterval time.Duration
}

// Worker runs the agent for one invocation.
type Worker struct {
	input  *ipc.WorkerInput
	store  session.Store
	loop   *loop.Loop
	mbox   *mailbox.Mailbox
	stdout io.Writer
	cfg    Config
	logger *logger.Logger
}

// New assembles a worker from its collaborators.
func New(input *ipc.WorkerInput, store session.Store, reasoner *loop.Loop,
	mbox *mailbox.Mailbox, stdout io.Writer, cfg Config, log *logger.Logger) *Worker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		input:  input,
		store:  store,
		loop:   reasoner,
		mbox:   mbox,
		stdout: stdout,
		cfg:    cfg,
		logger: log.WithConversation(input.ConversationKey),
	}
}

// Run executes the initial turn, then absorbs inbound follow-ups until the
// shutdown sentinel, the idle timeout, or a fatal error. Exit code semantics
// map from the returned error: nil means the final block was a success.
func (w *Worker) Run(ctx context.Context) error {
	sess := w.loadSession()

	// A stale sentinel from a previous invocation must not kill this one.
	if err := w.mbox.ClearShutdown(); err != nil {
		w.logger.WithError(err).Warn("Failed to clear stale shutdown sentinel")
	}

	if err := w.runTurn(ctx, sess, w.input.Prompt); err != nil {
		return err
	}

	return w.followUpLoop(ctx, sess)
}

// followUpLoop polls the inbound mailbox between turns. This poll-wait is
// the only point an idle worker is torn down.
func (w *Worker) followUpLoop(ctx context.Context, sess *session.Session) error {
	reader := mailbox.NewReader(w.mbox, mailbox.KindMessage, w.logger)
	watcher := mailbox.NewWatcher(w.cfg.PollInterval, w.mbox.Dir(mailbox.KindMessage))
	defer watcher.Close()

	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		var turnErr error
		handled, sentinel, err := reader.Drain(func(name string, raw []byte) error {
			var msg mailbox.Inbound
			if err := json.Unmarshal(raw, &msg); err != nil {
				return err
			}
			if turnErr = w.runTurn(ctx, sess, msg.Text); turnErr != nil {
				// Keep this message and everything behind it for the
				// retry worker instead of deleting unprocessed follow-ups.
				return mailbox.ErrStopDrain
			}
			return nil
		})
		if err != nil {
			w.logger.WithError(err).Warn("Inbound drain failed")
		}
		if turnErr != nil {
			return turnErr
		}
		if sentinel {
			w.logger.Info("Shutdown sentinel received, exiting")
			reader.ConsumeSentinel()
			return nil
		}
		if handled > 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.cfg.IdleTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			w.logger.Info("Idle timeout reached, exiting",
				zap.Duration("idle_timeout", w.cfg.IdleTimeout))
			return nil
		default:
		}

		if !watcher.Wait(ctx) {
			return ctx.Err()
		}
	}
}

// runTurn appends the prompt, drives the reasoning loop, saves the session
// (full overwrite), and emits one result block for progressive output.
func (w *Worker) runTurn(ctx context.Context, sess *session.Session, prompt string) error {
	sess.AppendUserText(prompt)

	result, err := w.loop.Run(ctx, sess)
	if err != nil {
		// Persist whatever the turn accumulated before failing.
		if saveErr := w.store.Save(sess); saveErr != nil {
			w.logger.WithError(saveErr).Error("Failed to save session after turn failure")
		}
		w.emit(&ipc.ResultBlock{
			Status:    ipc.StatusError,
			SessionID: sess.ID,
			Error:     err.Error(),
		})
		return fmt.Errorf("turn failed: %w", err)
	}

	if err := w.store.Save(sess); err != nil {
		w.emit(&ipc.ResultBlock{
			Status:    ipc.StatusError,
			SessionID: sess.ID,
			Error:     fmt.Sprintf("failed to save session: %v", err),
		})
		return fmt.Errorf("failed to save session: %w", err)
	}

	w.emit(&ipc.ResultBlock{
		Status:    ipc.StatusSuccess,
		Result:    result,
		SessionID: sess.ID,
	})
	return nil
}

// loadSession loads the prior session or starts a fresh one. An absent or
// unreadable session surfaces as new, with a fresh identifier the host will
// persist as the conversation's active pointer.
func (w *Worker) loadSession() *session.Session {
	if w.input.SessionID != "" {
		sess, err := w.store.Load(w.input.ConversationKey, w.input.SessionID)
		if err == nil {
			return sess
		}
		if !errors.Is(err, session.ErrNotFound) {
			w.logger.WithError(err).Warn("Failed to load session, starting fresh",
				zap.String("session_id", w.input.SessionID))
		}
	}
	sess := session.NewSession(w.input.ConversationKey)
	w.logger.Info("Started new session", zap.String("session_id", sess.ID))
	return sess
}

func (w *Worker) emit(block *ipc.ResultBlock) {
	if err := ipc.WriteResult(w.stdout, block); err != nil {
		w.logger.WithError(err).Error("Failed to emit result block")
	}
}
