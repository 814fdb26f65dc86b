package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/worker/docker"
)

// ErrForbiddenPath is returned when a requested binding violates the mount
// policy. Violations are rejected at invocation-build time; the worker is
// never started.
var ErrForbiddenPath = errors.New("path violates mount policy")

// Container-side layout. The conversation's own working area is the only
// writable binding for non-privileged conversations.
const (
	ContainerWorkDir     = "/work"
	ContainerMailboxDir  = "/work/mailbox"
	ContainerSessionDir  = "/work/sessions"
	ContainerWorkflowDir = "/work/workflows"
	containerSharedBase  = "/shared"
)

// deniedNames are path segments that must never be exposed to a worker,
// regardless of which root they live under.
var deniedNames = []string{
	".ssh",
	".gnupg",
	".aws",
	".kube",
	".netrc",
	".npmrc",
	".docker",
	"credentials",
	"secrets",
}

// deniedSuffixes catch key material by file extension.
var deniedSuffixes = []string{
	".pem",
	".key",
	"id_rsa",
	"id_ed25519",
}

// MountPolicy computes and validates the bindings a worker may see.
type MountPolicy struct {
	dataDir     string
	sharedRoots []string
}

// NewMountPolicy creates a policy over the host data directory and the
// declared shared roots. Roots are cleaned to absolute form.
func NewMountPolicy(dataDir string, sharedRoots []string) (*MountPolicy, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("invalid data dir: %w", err)
	}
	roots := make([]string, 0, len(sharedRoots))
	for _, root := range sharedRoots {
		r, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid shared root %q: %w", root, err)
		}
		if violatesDenyList(r) {
			return nil, fmt.Errorf("%w: shared root %q", ErrForbiddenPath, root)
		}
		roots = append(roots, r)
	}
	return &MountPolicy{dataDir: abs, sharedRoots: roots}, nil
}

// Validate rejects host paths outside the declared roots and paths matching
// the deny list. The path is cleaned first so traversal tricks cannot escape
// a root.
func (p *MountPolicy) Validate(hostPath string) error {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrForbiddenPath, hostPath)
	}
	if violatesDenyList(abs) {
		return fmt.Errorf("%w: %q matches denied pattern", ErrForbiddenPath, hostPath)
	}
	if isWithin(p.dataDir, abs) {
		return nil
	}
	for _, root := range p.sharedRoots {
		if isWithin(root, abs) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is outside declared roots", ErrForbiddenPath, hostPath)
}

// Bindings returns the mount set for one invocation: the conversation's
// working area (writable), the session and mailbox directories for that
// conversation, and the shared roots. Non-privileged conversations get every
// binding read-only except their own working area.
func (p *MountPolicy) Bindings(conversationKey string, privileged bool) ([]docker.MountConfig, error) {
	safe := mailbox.SafeKey(conversationKey)
	workArea := filepath.Join(p.dataDir, "conversations", safe)
	mailboxDir := filepath.Join(p.dataDir, "mailbox", safe)
	sessionDir := filepath.Join(p.dataDir, "sessions", safe)
	workflows := filepath.Join(p.dataDir, "workflows")

	mounts := []docker.MountConfig{
		{Source: workArea, Target: ContainerWorkDir + "/area", ReadOnly: false},
		// Mailbox and sessions are mounted at root/key so the worker opens
		// them with the Container*Dir constants as roots while seeing only
		// its own conversation's subdirectory.
		{Source: mailboxDir, Target: ContainerMailboxDir + "/" + safe, ReadOnly: false},
		{Source: sessionDir, Target: ContainerSessionDir + "/" + safe, ReadOnly: false},
		{Source: workflows, Target: ContainerWorkflowDir, ReadOnly: true},
	}
	for i, root := range p.sharedRoots {
		mounts = append(mounts, docker.MountConfig{
			Source:   root,
			Target:   fmt.Sprintf("%s/%d-%s", containerSharedBase, i, filepath.Base(root)),
			ReadOnly: !privileged,
		})
	}

	for _, m := range mounts {
		if err := p.Validate(m.Source); err != nil {
			return nil, err
		}
	}
	// Pre-create the host directories so Docker does not create them as root.
	for _, dir := range []string{workArea, sessionDir, workflows} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	mb := mailbox.New(filepath.Join(p.dataDir, "mailbox"), conversationKey)
	for _, kind := range []mailbox.Kind{mailbox.KindReply, mailbox.KindVoice, mailbox.KindSchedule, mailbox.KindMessage} {
		if err := os.MkdirAll(mb.Dir(kind), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create mailbox dir: %w", err)
		}
	}
	return mounts, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func violatesDenyList(path string) bool {
	for _, segment := range strings.Split(path, string(filepath.Separator)) {
		lower := strings.ToLower(segment)
		for _, denied := range deniedNames {
			if lower == denied {
				return true
			}
		}
		for _, suffix := range deniedSuffixes {
			if strings.HasSuffix(lower, suffix) {
				return true
			}
		}
	}
	return false
}
