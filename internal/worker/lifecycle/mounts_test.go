package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/warrenhq/warren/internal/mailbox"
)

func TestValidateRejectsOutsideRoots(t *testing.T) {
	policy, err := NewMountPolicy(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	if err := policy.Validate("/etc/passwd"); !errors.Is(err, ErrForbiddenPath) {
		t.Errorf("expected ErrForbiddenPath for /etc/passwd, got %v", err)
	}
}

func TestValidateRejectsTraversal(t *testing.T) {
	dataDir := t.TempDir()
	policy, err := NewMountPolicy(dataDir, nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	sneaky := filepath.Join(dataDir, "conversations", "..", "..", "outside")
	if err := policy.Validate(sneaky); !errors.Is(err, ErrForbiddenPath) {
		t.Errorf("expected ErrForbiddenPath for traversal path, got %v", err)
	}
}

func TestValidateRejectsCredentialPatterns(t *testing.T) {
	dataDir := t.TempDir()
	policy, err := NewMountPolicy(dataDir, nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	cases := []string{
		filepath.Join(dataDir, ".ssh", "config"),
		filepath.Join(dataDir, "stuff", "server.pem"),
		filepath.Join(dataDir, "stuff", "id_rsa"),
		filepath.Join(dataDir, "credentials"),
	}
	for _, path := range cases {
		if err := policy.Validate(path); !errors.Is(err, ErrForbiddenPath) {
			t.Errorf("expected ErrForbiddenPath for %s, got %v", path, err)
		}
	}
}

func TestDeniedSharedRootRejectedAtConstruction(t *testing.T) {
	home, _ := os.UserHomeDir()
	if _, err := NewMountPolicy(t.TempDir(), []string{filepath.Join(home, ".ssh")}); !errors.Is(err, ErrForbiddenPath) {
		t.Errorf("expected ErrForbiddenPath for .ssh shared root, got %v", err)
	}
}

func TestBindingsReadOnlyForNonPrivileged(t *testing.T) {
	dataDir := t.TempDir()
	shared := t.TempDir()
	policy, err := NewMountPolicy(dataDir, []string{shared})
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	mounts, err := policy.Bindings("telegram:42", false)
	if err != nil {
		t.Fatalf("Bindings failed: %v", err)
	}

	var sawWorkArea, sawShared bool
	for _, m := range mounts {
		switch {
		case m.Target == ContainerWorkDir+"/area":
			sawWorkArea = true
			if m.ReadOnly {
				t.Errorf("conversation work area must stay writable")
			}
		case m.Source == shared:
			sawShared = true
			if !m.ReadOnly {
				t.Errorf("shared root must be read-only for non-privileged conversations")
			}
		}
	}
	if !sawWorkArea || !sawShared {
		t.Fatalf("expected work area and shared root bindings, got %+v", mounts)
	}

	// Privileged conversations get writable shared roots.
	mounts, err = policy.Bindings("telegram:42", true)
	if err != nil {
		t.Fatalf("Bindings failed: %v", err)
	}
	for _, m := range mounts {
		if m.Source == shared && m.ReadOnly {
			t.Errorf("shared root should be writable for privileged conversations")
		}
	}
}

func TestSessionsMountIsPerConversation(t *testing.T) {
	dataDir := t.TempDir()
	policy, err := NewMountPolicy(dataDir, nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	mounts, err := policy.Bindings("telegram:42", false)
	if err != nil {
		t.Fatalf("Bindings failed: %v", err)
	}

	safe := mailbox.SafeKey("telegram:42")
	sessionsRoot := filepath.Join(dataDir, "sessions")
	var sawSessions bool
	for _, m := range mounts {
		if m.Source == sessionsRoot {
			t.Errorf("shared sessions root must never be bound into a worker, got %+v", m)
		}
		if m.Target == ContainerSessionDir+"/"+safe {
			sawSessions = true
			if m.Source != filepath.Join(sessionsRoot, safe) {
				t.Errorf("sessions binding source = %s, want %s", m.Source, filepath.Join(sessionsRoot, safe))
			}
		}
	}
	if !sawSessions {
		t.Fatalf("expected a per-conversation sessions binding, got %+v", mounts)
	}
}

func TestBindingsCreateHostDirs(t *testing.T) {
	dataDir := t.TempDir()
	policy, err := NewMountPolicy(dataDir, nil)
	if err != nil {
		t.Fatalf("NewMountPolicy failed: %v", err)
	}

	if _, err := policy.Bindings("g1", false); err != nil {
		t.Fatalf("Bindings failed: %v", err)
	}
	for _, dir := range []string{
		filepath.Join(dataDir, "conversations", "g1"),
		filepath.Join(dataDir, "mailbox", "g1", "inbox"),
		filepath.Join(dataDir, "sessions", "g1"),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist: %v", dir, err)
		}
	}
}
