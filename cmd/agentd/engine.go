package main

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentd/internal/config"
	"agentd/internal/natsbus"
	"agentd/internal/session"
	"agentd/internal/terminal"
)

// engine bundles the registry with the collaborators it was built from.
type engine struct {
	registry *session.Registry
	terms    *terminal.Manager
	metrics  *prometheus.Registry
	nats     *natsbus.Publisher
}

// newTerminals creates the pty manager from config.
func newTerminals(cfg *config.Config, log *slog.Logger) *terminal.Manager {
	return terminal.NewManager(terminal.Options{
		Rows:         cfg.Terminal.Rows,
		Cols:         cfg.Terminal.Cols,
		ReplayChunks: cfg.Terminal.ReplayChunks,
		Logger:       log,
	})
}

// newEngine wires launchers, metrics and notifiers into a registry. A NATS
// publisher is added to notifiers when configured.
func newEngine(cfg *config.Config, log *slog.Logger, terms *terminal.Manager, notifiers ...session.Notifier) (*engine, error) {
	e := &engine{terms: terms, metrics: prometheus.NewRegistry()}
	e.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var metrics *session.Metrics
	if cfg.Metrics.Enabled {
		metrics = session.MustNewMetrics(e.metrics)
	}

	if cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		e.nats = pub
		notifiers = append(notifiers, pub)
	}

	eng := cfg.Engine
	timeout := eng.DefaultTimeout
	if timeout == 0 {
		// Zero in config disables the default timeout; the registry reads
		// zero as "use the built-in default".
		timeout = -1
		log.Warn("default session timeout disabled")
	}
	bypass := eng.PermissionBypass

	e.registry = session.NewRegistry(session.Options{
		MaxSessions:      eng.MaxSessions,
		MessageCap:       eng.MessageCap,
		DefaultTimeout:   timeout,
		PermissionBypass: &bypass,
		Launchers: map[session.Transport]session.Launcher{
			session.TransportPipe: session.NewPipeLauncher(session.PipeOptions{
				Binary:         eng.AgentBinary,
				StdinThreshold: eng.PromptStdinThreshold,
				StderrTail:     eng.StderrTail,
				MaxLineBytes:   eng.MaxLineBytes,
				Env:            eng.Env,
				Logger:         log,
			}),
			session.TransportTerminal: session.NewTerminalLauncher(terms, session.TerminalOptions{
				Binary:         eng.AgentBinary,
				StdinThreshold: eng.PromptStdinThreshold,
				Rows:           cfg.Terminal.Rows,
				Cols:           cfg.Terminal.Cols,
				Env:            eng.Env,
				Logger:         log,
			}),
		},
		Notifier: session.MultiNotifier(notifiers),
		Metrics:  metrics,
		Logger:   log,
		Now:      func() time.Time { return time.Now().UTC() },
	})
	return e, nil
}

func (e *engine) close() {
	e.terms.Shutdown()
	if e.nats != nil {
		e.nats.Close()
	}
}
