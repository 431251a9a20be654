//go:build !windows

package terminal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnOrSkip(t *testing.T, m *Manager, cfg SpawnConfig) string {
	t.Helper()
	id, err := m.Spawn(cfg)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	return id
}

func waitExit(t *testing.T, m *Manager, id string) ExitEvent {
	t.Helper()
	done := make(chan ExitEvent, 1)
	go func() {
		ev, _ := m.Wait(id)
		done <- ev
	}()
	select {
	case ev := <-done:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("terminal %s did not exit", id)
		return ExitEvent{}
	}
}

func TestSpawnReportsExitCode(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "exit 3"}})

	got := make(chan ExitEvent, 1)
	require.NoError(t, m.OnExit(id, func(ev ExitEvent) { got <- ev }))

	ev := waitExit(t, m, id)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, id, ev.TerminalID)

	select {
	case ev := <-got:
		assert.Equal(t, 3, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("exit handler not called")
	}

	info, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateExited, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
}

func TestOnExitAfterExitStillFires(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	waitExit(t, m, id)

	got := make(chan ExitEvent, 1)
	require.NoError(t, m.OnExit(id, func(ev ExitEvent) { got <- ev }))
	select {
	case ev := <-got:
		assert.Equal(t, 0, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("late exit handler not called")
	}
}

func TestOutputReachesReplayBuffer(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "printf \"$GREETING\""},
		Env:     map[string]string{"GREETING": "hello-pty"},
	})
	waitExit(t, m, id)

	_, ch, history, err := m.Subscribe(id)
	require.NoError(t, err)

	var sb strings.Builder
	for _, out := range history {
		sb.Write(out.Data)
	}
	assert.Contains(t, sb.String(), "hello-pty")

	_, open := <-ch
	assert.False(t, open, "subscription to an exited terminal should be closed")
}

func TestKillTerminatesProcess(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}})

	require.NoError(t, m.Kill(id))
	ev := waitExit(t, m, id)
	assert.NotEqual(t, 0, ev.ExitCode)

	// Killing again is a no-op.
	assert.NoError(t, m.Kill(id))
	assert.ErrorIs(t, m.Write(id, []byte("x")), ErrExited)
}

func TestWriteEchoesInput(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "read line; echo got:$line"}})

	_, ch, _, err := m.Subscribe(id)
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("ping\n")))

	var sb strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(sb.String(), "got:ping") {
		select {
		case out, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before output, got %q", sb.String())
			}
			sb.Write(out.Data)
		case <-deadline:
			t.Fatalf("timed out, got %q", sb.String())
		}
	}
}

func TestUnknownTerminal(t *testing.T) {
	m := NewManager(Options{})
	assert.ErrorIs(t, m.OnExit("nope", func(ExitEvent) {}), ErrNotFound)
	assert.ErrorIs(t, m.Write("nope", nil), ErrNotFound)
	assert.ErrorIs(t, m.Resize("nope", 10, 10), ErrNotFound)
	assert.ErrorIs(t, m.Kill("nope"), ErrNotFound)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveRequiresExit(t *testing.T) {
	m := NewManager(Options{})
	id := spawnOrSkip(t, m, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	assert.Error(t, m.Remove(id))
	m.Shutdown()
	waitExit(t, m, id)
	require.NoError(t, m.Remove(id))
	_, err := m.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}
