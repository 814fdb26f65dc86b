// warren-worker runs inside the per-invocation container. It reads its
// input payload from stdin, drives the agent for the conversation, and
// writes delimited result blocks to stdout. Exit codes: 0 clean, 1 turn
// failure, 2 unusable input payload.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/agent/llm"
	"github.com/warrenhq/warren/internal/agent/loop"
	"github.com/warrenhq/warren/internal/agent/tools"
	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/worker/lifecycle"
	"github.com/warrenhq/warren/internal/worker/runtime"
	"github.com/warrenhq/warren/internal/workflow"
	"github.com/warrenhq/warren/pkg/ipc"
)

const systemPrompt = `You are a personal assistant running an isolated work ` +
	`session for one conversation. Use the available tools to act on the ` +
	`user's behalf. Send user-facing replies with the send_message tool; ` +
	`your final text is an internal summary, not a message to the user.`

func main() {
	// 1. Initialize logger on stderr. Stdout carries result blocks only.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envOr("WARREN_LOG_LEVEL", "info"),
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 2. Read the input payload. The host writes it once and closes stdin.
	input, err := ipc.ReadInput(os.Stdin)
	if err != nil {
		log.Error("Unusable input payload", zap.Error(err))
		os.Exit(2)
	}
	log = log.WithConversation(input.ConversationKey).
		WithInvocation(os.Getenv("WARREN_INVOCATION_ID"))
	log.Info("Worker starting")

	// 3. Session store over the mounted session volume.
	store, err := session.NewFileStore(lifecycle.ContainerSessionDir)
	if err != nil {
		log.Error("Failed to open session store", zap.Error(err))
		os.Exit(2)
	}

	// 4. Mailbox rooted at the mounted mailbox volume.
	mbox := mailbox.New(lifecycle.ContainerMailboxDir, input.ConversationKey)

	// 5. Workflow resolver. The registry mount is optional; a missing file
	// just disables workflow tools for this invocation.
	workDir := filepath.Join(lifecycle.ContainerWorkDir, "area")
	var resolver *workflow.Resolver
	if openaiKey := input.Secrets["OPENAI_API_KEY"]; openaiKey != "" {
		embedder := llm.NewEmbeddingsClient(openaiKey, "")
		resolver = workflow.NewResolver(config.WorkflowConfig{
			RegistryPath:   filepath.Join(lifecycle.ContainerWorkflowDir, "workflows.yaml"),
			CachePath:      filepath.Join(workDir, ".workflow-embeddings.json"),
			EmbeddingModel: envOr("WARREN_EMBEDDING_MODEL", "text-embedding-3-small"),
			Threshold:      0.3,
			TopK:           4,
		}, embedder, log)
	} else {
		log.Info("No embeddings credential in payload, workflow tools disabled")
	}

	// 6. Tool registry and reasoning loop.
	registry := tools.NewBuiltinRegistry(tools.Deps{
		Mailbox:  mbox,
		Resolver: resolver,
		WorkDir:  workDir,
	}, log)

	client := llm.NewClient(input.Secrets["ANTHROPIC_API_KEY"], log)
	reasoner := loop.New(client, registry, systemPrompt, envInt("WARREN_MAX_ITERATIONS", 50), log)

	// 7. Assemble and run the worker.
	worker := runtime.New(input, store, reasoner, mbox, os.Stdout, runtime.Config{
		IdleTimeout: time.Duration(envInt("WARREN_IDLE_TIMEOUT_SEC", 60)) * time.Second,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("Worker run failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Worker exiting")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
