//go:build !windows

package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPipeArgs(t *testing.T) {
	args, useStdin := BuildPipeArgs(LaunchSpec{
		Prompt:           "fix the tests",
		Model:            "sonnet",
		MaxTurns:         5,
		PermissionBypass: true,
	}, 2000)
	assert.False(t, useStdin)
	assert.Equal(t, []string{
		"-p", "fix the tests",
		"--output-format", "stream-json", "--verbose",
		"--model", "sonnet",
		"--max-turns", "5",
		"--dangerously-skip-permissions",
	}, args)

	args, _ = BuildPipeArgs(LaunchSpec{Prompt: "short"}, 2000)
	assert.Equal(t, []string{"-p", "short", "--output-format", "stream-json", "--verbose"}, args)
}

func TestBuildPipeArgsLongPromptUsesStdin(t *testing.T) {
	prompt := strings.Repeat("x", 2500)
	args, useStdin := BuildPipeArgs(LaunchSpec{Prompt: prompt, PermissionBypass: true}, 2000)
	assert.True(t, useStdin)
	assert.Equal(t, "-p", args[0])
	assert.Equal(t, "--output-format", args[1])
	assert.NotContains(t, args, prompt)
}

func TestTailBufferKeepsLastCharacters(t *testing.T) {
	tb := newTailBuffer(5)
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world\n"))
	assert.Equal(t, "world", tb.String())

	tb = newTailBuffer(3)
	_, _ = tb.Write([]byte("héllo wörld"))
	assert.Equal(t, "rld", tb.String())

	// Trailing whitespace does not use up the character budget.
	tb = newTailBuffer(5)
	_, _ = tb.Write([]byte("fatal: wörld\n\n\r\n"))
	assert.Equal(t, "wörld", tb.String())

	tb = newTailBuffer(5)
	_, _ = tb.Write([]byte("xa  end\n"))
	assert.Equal(t, "end", tb.String())
}

// writeAgent writes an executable shell script standing in for the agent.
func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newPipeRegistry(t *testing.T, binary string) (*Registry, *recordingNotifier) {
	t.Helper()
	notes := &recordingNotifier{}
	reg := NewRegistry(Options{
		Launchers: map[Transport]Launcher{
			TransportPipe: NewPipeLauncher(PipeOptions{Binary: binary}),
		},
		Notifier: notes,
	})
	return reg, notes
}

func waitFinished(t *testing.T, reg *Registry, id string) Session {
	t.Helper()
	var s Session
	require.Eventually(t, func() bool {
		var err error
		s, err = reg.Get(id)
		require.NoError(t, err)
		return s.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return s
}

func TestPipeSessionStreamsTimeline(t *testing.T) {
	agent := writeAgent(t, `
printf '%s\n' '{"type":"system","subtype":"init","model":"claude-sonnet","tools":["Bash"]}'
printf '%s' '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
printf '\n%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
printf '%s\n' 'garbage line'
printf '%s' '{"type":"result","subtype":"success","total_cost_usd":0.12,"num_turns":2,"result":"all good"}'`)

	reg, notes := newPipeRegistry(t, agent)
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	s := waitFinished(t, reg, id)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, s.Turns)
	assert.Equal(t, 0.12, s.TotalCost)
	require.NotNil(t, s.Result)
	assert.Equal(t, "all good", *s.Result)
	require.NotNil(t, s.ExitCode)
	assert.Equal(t, 0, *s.ExitCode)

	page, err := reg.Messages(id, 0, 0)
	require.NoError(t, err)
	var kinds []string
	for _, m := range page.Messages {
		kinds = append(kinds, string(m.Kind))
	}
	// The unterminated final record is flushed at end of stream.
	assert.Equal(t, []string{"system_init", "assistant_text", "assistant_text", "result"}, kinds)
	assert.Equal(t, 1, notes.finishedCount())
}

func TestPipeLongPromptGoesToStdin(t *testing.T) {
	dir := t.TempDir()
	agent := writeAgent(t, `
printf '%s\n' "$@" > "`+dir+`/args.txt"
cat > "`+dir+`/stdin.txt"
printf '%s\n' "$AGENTD_SESSION_ID" > "`+dir+`/env.txt"`)

	reg, _ := newPipeRegistry(t, agent)
	prompt := strings.Repeat("a", 2500)
	id, err := reg.Start(context.Background(), StartConfig{Prompt: prompt})
	require.NoError(t, err)
	s := waitFinished(t, reg, id)
	require.Equal(t, StatusCompleted, s.Status, s.Error)

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	require.NoError(t, err)
	assert.Equal(t, prompt, string(stdin))

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(args)), "\n")
	assert.Equal(t, "-p", lines[0])
	assert.Equal(t, "--output-format", lines[1])
	assert.NotContains(t, string(args), prompt)

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(env)))
}

func TestPipeAbnormalExitKeepsStderrTail(t *testing.T) {
	agent := writeAgent(t, `
echo "Error: invalid API key" >&2
exit 3`)

	reg, _ := newPipeRegistry(t, agent)
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go"})
	require.NoError(t, err)

	s := waitFinished(t, reg, id)
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, FailureAbnormalExit, s.Failure)
	assert.Equal(t, "Error: invalid API key", s.Error)
	require.NotNil(t, s.ExitCode)
	assert.Equal(t, 3, *s.ExitCode)
}

func TestPipeKilledProcessReports137(t *testing.T) {
	agent := writeAgent(t, `kill -9 $$`)

	reg, _ := newPipeRegistry(t, agent)
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go"})
	require.NoError(t, err)

	s := waitFinished(t, reg, id)
	assert.Equal(t, StatusError, s.Status)
	assert.NotEmpty(t, s.Error)
	assert.NotNil(t, s.CompletedAt)
	require.NotNil(t, s.ExitCode)
	assert.Equal(t, 137, *s.ExitCode)
}

func TestPipeStopKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	agent := writeAgent(t, `
sleep 30 &
echo $! > "`+dir+`/child.pid"
wait`)

	reg, notes := newPipeRegistry(t, agent)
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go"})
	require.NoError(t, err)

	pidFile := filepath.Join(dir, "child.pid")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		return err == nil && len(strings.TrimSpace(string(b))) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop(id))
	s, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, s.Status)

	// The exit that follows the kill must not change anything.
	time.Sleep(200 * time.Millisecond)
	s, err = reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Equal(t, 1, notes.finishedCount())
}

func TestPipeExitNotHeldByBackgroundChild(t *testing.T) {
	dir := t.TempDir()
	agent := writeAgent(t, `
printf '%s\n' '{"type":"result","subtype":"success","total_cost_usd":0.01,"num_turns":1,"result":"ok"}'
sleep 30 &
echo $! > "`+dir+`/child.pid"
exit 0`)
	t.Cleanup(func() {
		if b, err := os.ReadFile(filepath.Join(dir, "child.pid")); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	})

	reg := NewRegistry(Options{
		Launchers: map[Transport]Launcher{
			TransportPipe: NewPipeLauncher(PipeOptions{Binary: agent, WaitDelay: 200 * time.Millisecond}),
		},
	})
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go"})
	require.NoError(t, err)

	var s Session
	require.Eventually(t, func() bool {
		s, err = reg.Get(id)
		require.NoError(t, err)
		return s.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "session should finish while the child still holds stdout")
	assert.Equal(t, StatusCompleted, s.Status, s.Error)
	require.NotNil(t, s.Result)
	assert.Equal(t, "ok", *s.Result)
	assert.Equal(t, 0, reg.Active())
}

func TestPipeKillSkipsReapedProcess(t *testing.T) {
	var kills []int
	record := func(pid int) error { kills = append(kills, pid); return nil }

	done := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, done.Run())
	p := &pipeProcess{process: done.Process, killTree: record}
	require.NoError(t, p.Kill())
	assert.Empty(t, kills, "a reaped pid may already belong to another process")

	live := exec.Command("sleep", "30")
	require.NoError(t, live.Start())
	t.Cleanup(func() {
		_ = live.Process.Kill()
		_ = live.Wait()
	})
	p = &pipeProcess{process: live.Process, killTree: record}
	require.NoError(t, p.Kill())
	assert.Equal(t, []int{live.Process.Pid}, kills)
}

func TestPipeSpawnFailure(t *testing.T) {
	reg, _ := newPipeRegistry(t, filepath.Join(t.TempDir(), "no-such-agent"))
	id, err := reg.Start(context.Background(), StartConfig{Prompt: "go"})
	require.NoError(t, err)

	s, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, FailureSpawn, s.Failure)
	assert.NotEmpty(t, s.Error)
	assert.Equal(t, 0, reg.Active())
}
