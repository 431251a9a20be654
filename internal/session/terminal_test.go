//go:build !windows

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/logger"
	"agentd/internal/terminal"
)

func TestBuildTerminalArgs(t *testing.T) {
	args := BuildTerminalArgs(LaunchSpec{Model: "opus", MaxTurns: 2, PermissionBypass: true}, "hello")
	assert.Equal(t, []string{"--model", "opus", "--max-turns", "2", "--dangerously-skip-permissions", "hello"}, args)
	assert.NotContains(t, args, "--output-format")

	args = BuildTerminalArgs(LaunchSpec{}, "@/tmp/p.md")
	assert.Equal(t, []string{"@/tmp/p.md"}, args)
}

func TestPromptFileIsPrivateAndReleasedOnce(t *testing.T) {
	dir := t.TempDir()
	path, err := writePromptFile(dir, "long prompt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "agentd-prompt-"))
	assert.True(t, strings.HasSuffix(path, ".md"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	p := &terminalProcess{promptFile: path, log: logger.Discard()}
	p.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	p.Release()
}

func TestTerminalSessionLifecycle(t *testing.T) {
	dir := t.TempDir()
	agent := writeAgent(t, `
printf '%s|%s\n' "$AGENTD_SESSION_ID" "$AGENTD_TERMINAL_ID" > "`+dir+`/env.txt"
for a in "$@"; do last="$a"; done
printf '%s\n' "$last" > "`+dir+`/prompt.txt"
echo "interactive output"`)

	terms := terminal.NewManager(terminal.Options{})
	notes := &recordingNotifier{}
	reg := NewRegistry(Options{
		Launchers: map[Transport]Launcher{
			TransportTerminal: NewTerminalLauncher(terms, TerminalOptions{Binary: agent, StdinThreshold: 10, TempDir: dir}),
		},
		Notifier: notes,
	})

	id, err := reg.Start(context.Background(), StartConfig{Prompt: "a prompt longer than ten", Transport: TransportTerminal})
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	if s.Status == StatusError && s.Failure == FailureSpawn {
		t.Skipf("pty unavailable: %s", s.Error)
	}
	require.NotEmpty(t, s.TerminalID)

	s = waitFinished(t, reg, id)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 0, s.MessageCount)

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, id+"|"+s.TerminalID, strings.TrimSpace(string(env)))

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	ref := strings.TrimSpace(string(prompt))
	require.True(t, strings.HasPrefix(ref, "@"), ref)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(strings.TrimPrefix(ref, "@"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "prompt file should be removed at finalization")

	_, _, history, err := terms.Subscribe(s.TerminalID)
	require.NoError(t, err)
	var out strings.Builder
	for _, chunk := range history {
		out.Write(chunk.Data)
	}
	assert.Contains(t, out.String(), "interactive output")

	// Replay stays available until the session is pruned.
	assert.Equal(t, 1, reg.Prune())
	assert.Eventually(t, func() bool {
		_, err := terms.Get(s.TerminalID)
		return errors.Is(err, terminal.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond, "pruned terminal should be removed from the manager")
}

func TestTerminalSessionStop(t *testing.T) {
	agent := writeAgent(t, `sleep 30`)
	terms := terminal.NewManager(terminal.Options{})
	reg := NewRegistry(Options{
		Launchers: map[Transport]Launcher{
			TransportTerminal: NewTerminalLauncher(terms, TerminalOptions{Binary: agent}),
		},
	})

	id, err := reg.Start(context.Background(), StartConfig{Prompt: "wait", Transport: TransportTerminal})
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	if s.Failure == FailureSpawn {
		t.Skipf("pty unavailable: %s", s.Error)
	}

	require.NoError(t, reg.Stop(id))
	_, err = terms.Wait(s.TerminalID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s, err = reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, s.Status)
}

func TestTerminalPrunedBeforeExitIsRemovedOnExit(t *testing.T) {
	agent := writeAgent(t, `sleep 30`)
	terms := terminal.NewManager(terminal.Options{})
	reg := NewRegistry(Options{
		Launchers: map[Transport]Launcher{
			TransportTerminal: NewTerminalLauncher(terms, TerminalOptions{Binary: agent}),
		},
	})

	id, err := reg.Start(context.Background(), StartConfig{Prompt: "wait", Transport: TransportTerminal})
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	if s.Failure == FailureSpawn {
		t.Skipf("pty unavailable: %s", s.Error)
	}

	require.NoError(t, reg.Stop(id))
	assert.Equal(t, 1, reg.Prune())
	assert.Eventually(t, func() bool {
		_, err := terms.Get(s.TerminalID)
		return errors.Is(err, terminal.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
}
