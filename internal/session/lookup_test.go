package session

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestRegistry_StartInvalidWorkDir(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.reg.Start(context.Background(), StartConfig{Prompt: "hi", WorkingDirectory: "/nonexistent/path/xyz"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nonexistent work dir, got %v", err)
	}
}

func TestRegistry_StartWorkDirIsFile(t *testing.T) {
	// Create a temp file (not a directory).
	f, err := os.CreateTemp("", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	h := newHarness(t, Options{})
	_, err = h.reg.Start(context.Background(), StartConfig{Prompt: "hi", WorkingDirectory: f.Name()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for file path, got %v", err)
	}
	if h.launcher.calls() != 0 {
		t.Error("launcher should not be called for a rejected start")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.reg.Get("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_MessagesNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.reg.Messages("nonexistent", 0, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_ListEmpty(t *testing.T) {
	h := newHarness(t, Options{})
	if sessions := h.reg.List(); len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
	if n := h.reg.Active(); n != 0 {
		t.Errorf("expected no active sessions, got %d", n)
	}
}

func TestRegistry_StartInTempDir(t *testing.T) {
	h := newHarness(t, Options{MaxSessions: 10})
	id := h.start(t, StartConfig{WorkingDirectory: os.TempDir()})
	if id == "" {
		t.Fatal("expected non-empty session ID")
	}

	sess := h.get(t, id)
	if sess.Status != StatusRunning {
		t.Errorf("expected status running, got %s", sess.Status)
	}
	if sess.WorkingDirectory != os.TempDir() {
		t.Errorf("expected work dir %s, got %s", os.TempDir(), sess.WorkingDirectory)
	}
	if len(h.reg.List()) != 1 {
		t.Fatalf("expected 1 session, got %d", len(h.reg.List()))
	}
}
