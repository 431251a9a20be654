package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"agentd/internal/logger"
	"agentd/internal/proc"
	"agentd/internal/stream"
)

const (
	defaultAgentBinary     = "claude"
	defaultStdinThreshold  = 2000
	defaultStderrTailChars = 500
	defaultWaitDelay       = 2 * time.Second
)

// EnvSessionID carries the session id into every agent process.
const EnvSessionID = "AGENTD_SESSION_ID"

// PipeOptions configures a PipeLauncher.
type PipeOptions struct {
	Binary         string
	StdinThreshold int
	StderrTail     int
	MaxLineBytes   int
	// WaitDelay bounds how long output is drained after the agent exits,
	// for descendants that keep its stdout or stderr open.
	WaitDelay time.Duration
	Env       map[string]string
	Logger    *slog.Logger
}

// PipeLauncher runs the agent with piped standard streams and its structured
// stream-json output enabled.
type PipeLauncher struct {
	opts PipeOptions
	log  *slog.Logger
}

// NewPipeLauncher creates a PipeLauncher.
func NewPipeLauncher(opts PipeOptions) *PipeLauncher {
	if opts.Binary == "" {
		opts.Binary = defaultAgentBinary
	}
	if opts.StdinThreshold <= 0 {
		opts.StdinThreshold = defaultStdinThreshold
	}
	if opts.StderrTail <= 0 {
		opts.StderrTail = defaultStderrTailChars
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = stream.DefaultMaxLine
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &PipeLauncher{opts: opts, log: log.With("component", "pipe_launcher")}
}

// BuildPipeArgs returns the agent arguments for spec. When useStdin is true
// the prompt is not among the arguments and must be written to stdin.
func BuildPipeArgs(spec LaunchSpec, stdinThreshold int) (args []string, useStdin bool) {
	useStdin = utf8.RuneCountInString(spec.Prompt) > stdinThreshold
	args = []string{"-p"}
	if !useStdin {
		args = append(args, spec.Prompt)
	}
	args = append(args, "--output-format", "stream-json", "--verbose")
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	if spec.PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args, useStdin
}

// Spawn starts the agent process and begins streaming its output.
func (l *PipeLauncher) Spawn(spec LaunchSpec, events Events) (Process, error) {
	args, useStdin := BuildPipeArgs(spec, l.opts.StdinThreshold)

	cmd := exec.Command(l.opts.Binary, args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = agentEnv(l.opts.Env, map[string]string{EnvSessionID: spec.SessionID})
	proc.Isolate(cmd)

	var stdin io.WriteCloser
	if useStdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}
		stdin = w
	}

	// exec copies stdout into the demuxer on its own goroutine, and Wait
	// returns only once that copy is done, or WaitDelay after the agent
	// exits if a descendant still holds the pipe.
	demux := stream.NewDemuxer(l.opts.MaxLineBytes, events.OnRecord)
	stderr := newTailBuffer(l.opts.StderrTail)
	cmd.Stdout = demux
	cmd.Stderr = stderr
	cmd.WaitDelay = l.opts.WaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.opts.Binary, err)
	}

	log := l.log.With("session_id", spec.SessionID, "pid", cmd.Process.Pid)
	log.Info("agent started", "args", len(args), "stdin_prompt", useStdin)

	if stdin != nil {
		go func() {
			defer stdin.Close()
			if _, err := io.WriteString(stdin, spec.Prompt); err != nil {
				log.Warn("write prompt to stdin", "error", err)
			}
		}()
	}

	p := &pipeProcess{process: cmd.Process, killTree: proc.KillTree}

	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			log.Warn("agent exited with output still open", "wait_delay", l.opts.WaitDelay)
			err = nil
		}
		demux.Flush()
		if demux.Oversized > 0 {
			log.Warn("dropped oversized stream lines", "count", demux.Oversized)
		}

		exit := proc.Decode(err)
		log.Info("agent exited", "exit_code", exit.Code, "error", exit.Err)
		events.OnExit(ExitStatus{Code: exit.Code, Err: exit.Err, Stderr: stderr.String()})
	}()

	return p, nil
}

type pipeProcess struct {
	process  *os.Process
	killTree func(pid int) error
}

// Kill signals the process group unless the agent has already been reaped,
// after which its pid may belong to another process.
func (p *pipeProcess) Kill() error {
	if p.reaped() {
		return nil
	}
	return p.killTree(p.process.Pid)
}

// reaped reports whether Wait has collected the process. os.Process tracks
// this itself and reports it as ErrProcessDone.
func (p *pipeProcess) reaped() bool {
	return errors.Is(p.process.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

func (p *pipeProcess) Release()           {}
func (p *pipeProcess) Forget()            {}
func (p *pipeProcess) TerminalID() string { return "" }

// tailBuffer keeps the last max characters written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	// Keep a byte margin so trimming to characters happens on read.
	if limit := t.max * utf8.UTFMax; len(t.buf) > limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-limit:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimRightFunc(strings.ToValidUTF8(string(t.buf), ""), unicode.IsSpace)
	if n := utf8.RuneCountInString(s); n > t.max {
		r := []rune(s)
		s = string(r[n-t.max:])
	}
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

// agentEnv returns the parent environment with overrides applied in order.
func agentEnv(layers ...map[string]string) []string {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}
