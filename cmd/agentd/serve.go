package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentd/internal/config"
	"agentd/internal/logger"
	"agentd/internal/realtime"
	"agentd/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	port        int
	maxSessions int
	agentBinary string
	staticDir   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and WebSocket API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&serveFlags.port, "port", 0, "listen port (overrides config)")
	f.IntVar(&serveFlags.maxSessions, "max-sessions", 0, "admission ceiling (overrides config)")
	f.StringVar(&serveFlags.agentBinary, "agent-binary", "", "agent executable (overrides config)")
	f.StringVar(&serveFlags.staticDir, "static-dir", "", "directory of static UI files (overrides config)")
}

// loadConfig reads the config file and applies flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = serveFlags.port
	}
	if flags.Changed("max-sessions") {
		cfg.Engine.MaxSessions = serveFlags.maxSessions
	}
	if flags.Changed("agent-binary") {
		cfg.Engine.AgentBinary = serveFlags.agentBinary
	}
	if flags.Changed("static-dir") {
		cfg.Server.StaticDir = serveFlags.staticDir
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	terms := newTerminals(cfg, log)

	// The watcher callback needs the hub, which needs the watcher.
	var hub *realtime.Hub
	var fileWatch *watcher.Watcher
	if cfg.Watcher.Enabled {
		fileWatch = watcher.New(watcher.Options{Debounce: cfg.Watcher.Debounce, Logger: log}, func(a watcher.Activity) {
			hub.OnFileActivity(a)
		})
	}
	hub = realtime.NewHub(realtime.HubOptions{Terminals: terms, Watcher: fileWatch, Logger: log})

	eng, err := newEngine(cfg, log, terms, hub)
	if err != nil {
		return err
	}
	defer eng.close()

	opts := realtime.Options{StaticDir: cfg.Server.StaticDir, Logger: log}
	if cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(eng.metrics, promhttp.HandlerOpts{})
		opts.MetricsPath = cfg.Metrics.Path
	}
	srv := realtime.New(eng.registry, hub, opts)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("agentd listening", "addr", httpServer.Addr, "max_sessions", cfg.Engine.MaxSessions)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := eng.registry.Shutdown(shutdownCtx); err != nil {
			log.Warn("session shutdown incomplete", "error", err)
		}
		if fileWatch != nil {
			fileWatch.Shutdown()
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
