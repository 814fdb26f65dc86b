package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingSession(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, err = store.Load("g1", "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	sess := NewSession("g1")
	sess.AppendUserText("hello")
	sess.AppendAssistant([]ContentBlock{
		{Type: BlockText, Text: "hi, let me check"},
		{Type: BlockToolUse, ToolName: "shell_exec", ToolUseID: "tu-1", Input: json.RawMessage(`{"command":"date"}`)},
	})
	sess.AppendToolResult("tu-1", "Mon Sep 1", false)
	sess.AppendAssistant([]ContentBlock{{Type: BlockText, Text: "it is Monday"}})

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load("g1", sess.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// The full accumulated turn sequence must survive the round trip.
	if !reflect.DeepEqual(loaded.Turns, sess.Turns) {
		t.Errorf("turn sequence mismatch:\n got %+v\nwant %+v", loaded.Turns, sess.Turns)
	}
	if loaded.ID != sess.ID || loaded.ConversationKey != "g1" {
		t.Errorf("identity mismatch: %+v", loaded)
	}
}

func TestSaveIsFullOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	sess := NewSession("g1")
	sess.AppendUserText("turn one")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	sess.AppendAssistant([]ContentBlock{{Type: BlockText, Text: "reply one"}})
	sess.AppendUserText("turn two")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("g1", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Turns) != 3 {
		t.Errorf("expected 3 turns after second save, got %d", len(loaded.Turns))
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	sess := NewSession("g1")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "g1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".json" {
		t.Errorf("unexpected file: %s", entries[0].Name())
	}
}

func TestSessionsArePartitionedByConversation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	kitchen := NewSession("kitchen")
	garage := NewSession("garage")
	if err := store.Save(kitchen); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(garage); err != nil {
		t.Fatal(err)
	}

	// Each conversation's transcripts live in its own subdirectory, which
	// is the unit that gets bind-mounted into that conversation's worker.
	if _, err := os.Stat(filepath.Join(dir, "kitchen", kitchen.ID+".json")); err != nil {
		t.Errorf("kitchen session not under its own subdirectory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "garage", garage.ID+".json")); err != nil {
		t.Errorf("garage session not under its own subdirectory: %v", err)
	}

	// Looking up a session through the wrong conversation must miss.
	if _, err := store.Load("garage", kitchen.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across conversations, got %v", err)
	}
}

func TestLastAssistantText(t *testing.T) {
	sess := NewSession("g1")
	if got := sess.LastAssistantText(); got != "" {
		t.Errorf("expected empty text for fresh session, got %q", got)
	}

	sess.AppendUserText("question")
	sess.AppendAssistant([]ContentBlock{{Type: BlockText, Text: "first answer"}})
	sess.AppendUserText("follow-up")
	sess.AppendAssistant([]ContentBlock{{Type: BlockText, Text: "second answer"}})

	if got := sess.LastAssistantText(); got != "second answer" {
		t.Errorf("expected most recent assistant text, got %q", got)
	}
}
