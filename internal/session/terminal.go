package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"agentd/internal/logger"
	"agentd/internal/terminal"
)

// EnvTerminalID carries the pseudo-terminal id into terminal-mode agents.
const EnvTerminalID = "AGENTD_TERMINAL_ID"

const promptFilePattern = "agentd-prompt-*.md"

// TerminalOptions configures a TerminalLauncher.
type TerminalOptions struct {
	Binary         string
	StdinThreshold int
	Rows           uint16
	Cols           uint16
	Env            map[string]string
	// TempDir holds prompt files; os.TempDir() when empty.
	TempDir string
	Logger  *slog.Logger
}

// TerminalLauncher runs the agent interactively on a pseudo-terminal owned
// by a terminal.Manager. It produces no records, only lifecycle events.
type TerminalLauncher struct {
	terms *terminal.Manager
	opts  TerminalOptions
	log   *slog.Logger
}

// NewTerminalLauncher creates a TerminalLauncher backed by terms.
func NewTerminalLauncher(terms *terminal.Manager, opts TerminalOptions) *TerminalLauncher {
	if opts.Binary == "" {
		opts.Binary = defaultAgentBinary
	}
	if opts.StdinThreshold <= 0 {
		opts.StdinThreshold = defaultStdinThreshold
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &TerminalLauncher{terms: terms, opts: opts, log: log.With("component", "terminal_launcher")}
}

// BuildTerminalArgs returns the interactive agent arguments. promptRef is the
// prompt itself or an @path reference to a file holding it.
func BuildTerminalArgs(spec LaunchSpec, promptRef string) []string {
	var args []string
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	if spec.PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, promptRef)
}

// Spawn starts the agent on a new pseudo-terminal.
func (l *TerminalLauncher) Spawn(spec LaunchSpec, events Events) (Process, error) {
	p := &terminalProcess{terms: l.terms, log: l.log}

	promptRef := spec.Prompt
	if utf8.RuneCountInString(spec.Prompt) > l.opts.StdinThreshold {
		path, err := writePromptFile(l.opts.TempDir, spec.Prompt)
		if err != nil {
			return nil, err
		}
		p.promptFile = path
		promptRef = "@" + path
	}

	termID := uuid.New().String()
	_, err := l.terms.Spawn(terminal.SpawnConfig{
		ID:      termID,
		Command: l.opts.Binary,
		Args:    BuildTerminalArgs(spec, promptRef),
		Dir:     spec.WorkingDirectory,
		Env:     mergeMaps(l.opts.Env, map[string]string{EnvSessionID: spec.SessionID, EnvTerminalID: termID}),
		Rows:    l.opts.Rows,
		Cols:    l.opts.Cols,
	})
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("spawn terminal: %w", err)
	}
	p.termID = termID

	if err := l.terms.OnExit(termID, func(ev terminal.ExitEvent) {
		events.OnExit(ExitStatus{Code: ev.ExitCode, Err: ev.Err})
	}); err != nil {
		_ = l.terms.Kill(termID)
		p.Release()
		return nil, fmt.Errorf("watch terminal exit: %w", err)
	}

	l.log.Info("agent started", "session_id", spec.SessionID, "terminal_id", termID, "prompt_file", p.promptFile != "")
	return p, nil
}

func writePromptFile(dir, prompt string) (string, error) {
	f, err := os.CreateTemp(dir, promptFilePattern)
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("chmod prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close prompt file: %w", err)
	}
	return path, nil
}

type terminalProcess struct {
	terms      *terminal.Manager
	termID     string
	promptFile string
	release    sync.Once
	forget     sync.Once
	log        *slog.Logger
}

func (p *terminalProcess) Kill() error        { return p.terms.Kill(p.termID) }
func (p *terminalProcess) TerminalID() string { return p.termID }

func (p *terminalProcess) Release() {
	p.release.Do(func() {
		if p.promptFile == "" {
			return
		}
		if err := os.Remove(p.promptFile); err != nil && !os.IsNotExist(err) {
			p.log.Warn("remove prompt file", "path", p.promptFile, "error", err)
		}
	})
}

// Forget removes the terminal from the manager once it has exited. A
// terminal that is still shutting down is removed by its exit handler.
func (p *terminalProcess) Forget() {
	p.forget.Do(func() {
		err := p.terms.OnExit(p.termID, func(terminal.ExitEvent) {
			if err := p.terms.Remove(p.termID); err != nil && !errors.Is(err, terminal.ErrNotFound) {
				p.log.Warn("remove terminal", "terminal_id", p.termID, "error", err)
			}
		})
		if err != nil && !errors.Is(err, terminal.ErrNotFound) {
			p.log.Warn("forget terminal", "terminal_id", p.termID, "error", err)
		}
	})
}

func mergeMaps(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
