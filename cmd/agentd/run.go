package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"agentd/internal/config"
	"agentd/internal/logger"
	"agentd/internal/session"
)

var runFlags struct {
	model       string
	dir         string
	maxTurns    int
	transport   string
	timeout     float64
	noBypass    bool
	agentBinary string
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one session and stream its messages as JSON lines",
	Long: `run starts a single session, writes its timeline messages to stdout as
one JSON object per line and exits non-zero unless the session completes.
If stdout falls more than 1024 messages behind, messages are dropped and the
count is logged to stderr.
Interrupting the command stops the session. With --transport terminal the raw
terminal output is written instead.`,
	Args: cobra.ArbitraryArgs,
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.model, "model", "", "model override")
	f.StringVar(&runFlags.dir, "dir", "", "working directory (default: current)")
	f.IntVar(&runFlags.maxTurns, "max-turns", 0, "turn limit passed to the agent")
	f.StringVar(&runFlags.transport, "transport", string(session.TransportPipe), "pipe or terminal")
	f.Float64Var(&runFlags.timeout, "timeout", -1, "timeout in minutes; 0 disables, negative uses the configured default")
	f.BoolVar(&runFlags.noBypass, "no-bypass", false, "do not skip agent permission prompts")
	f.StringVar(&runFlags.agentBinary, "agent-binary", "", "agent executable (overrides config)")
}

// lineWriter is a Notifier that encodes messages as JSON lines. Encoding
// happens on its own goroutine so the registry never waits on stdout.
type lineWriter struct {
	events  chan any
	done    chan session.Completion
	dropped atomic.Int64
}

func newLineWriter(w io.Writer, quiet bool) *lineWriter {
	lw := &lineWriter{
		events: make(chan any, 1024),
		done:   make(chan session.Completion, 1),
	}
	go func() {
		enc := json.NewEncoder(w)
		for ev := range lw.events {
			switch v := ev.(type) {
			case session.Message:
				if !quiet {
					_ = enc.Encode(v)
				}
			case session.Completion:
				lw.done <- v
				return
			}
		}
	}()
	return lw
}

func (lw *lineWriter) SessionMessage(_ string, msg session.Message) {
	select {
	case lw.events <- msg:
	default:
		// Queue full: the line is dropped rather than stalling the session.
		lw.dropped.Add(1)
	}
}

func (lw *lineWriter) SessionStatus(string, session.Status) {}

// SessionFinished blocks only if a thousand messages are still queued.
func (lw *lineWriter) SessionFinished(_ string, c session.Completion) {
	lw.events <- c
}

func runOnce(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("a prompt is required as arguments or on stdin")
	}

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("agent-binary") {
		cfg.Engine.AgentBinary = runFlags.agentBinary
	}
	// stdout carries the timeline.
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging)

	transport := session.Transport(runFlags.transport)
	out := cmd.OutOrStdout()
	lw := newLineWriter(out, transport == session.TransportTerminal)

	terms := newTerminals(cfg, log)
	eng, err := newEngine(cfg, log, terms, lw)
	if err != nil {
		return err
	}
	defer eng.close()

	start := session.StartConfig{
		Prompt:           prompt,
		Model:            runFlags.model,
		WorkingDirectory: runFlags.dir,
		MaxTurns:         runFlags.maxTurns,
		Transport:        transport,
	}
	if runFlags.timeout >= 0 {
		start.TimeoutMinutes = &runFlags.timeout
	}
	if runFlags.noBypass {
		bypass := false
		start.PermissionBypass = &bypass
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := eng.registry.Start(ctx, start)
	if err != nil {
		return err
	}
	log.Info("session started", "session_id", id, "transport", transport)

	copied := make(chan struct{})
	if sess, err := eng.registry.Get(id); err == nil && sess.TerminalID != "" {
		go func() {
			defer close(copied)
			copyTerminal(eng, sess.TerminalID, out)
		}()
	} else {
		close(copied)
	}

	var c session.Completion
	select {
	case c = <-lw.done:
	case <-ctx.Done():
		log.Info("interrupted, stopping session", "session_id", id)
		if err := eng.registry.Stop(id); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Warn("stop failed", "error", err)
		}
		c = <-lw.done
	}
	// The copy ends when the terminal exits; stopped sessions are killed.
	<-copied

	if n := lw.dropped.Load(); n > 0 {
		log.Warn("timeline lines dropped, stdout too slow", "session_id", id, "dropped", n)
	}

	if c.Status != session.StatusCompleted {
		if c.Error != "" {
			return fmt.Errorf("session %s %s: %s", id, c.Status, c.Error)
		}
		return fmt.Errorf("session %s %s", id, c.Status)
	}
	log.Info("session completed", "session_id", id, "turns", c.Turns, "total_cost", c.TotalCost)
	return nil
}

// copyTerminal streams a terminal's output, including what it produced
// before the subscription, until the terminal exits.
func copyTerminal(eng *engine, termID string, w io.Writer) {
	subID, ch, history, err := eng.terms.Subscribe(termID)
	if err != nil {
		return
	}
	defer eng.terms.Unsubscribe(termID, subID)
	for _, o := range history {
		_, _ = w.Write(o.Data)
	}
	for o := range ch {
		_, _ = w.Write(o.Data)
	}
}

var _ session.Notifier = (*lineWriter)(nil)
