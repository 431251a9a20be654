package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/internal/logger"
	"agentd/internal/ring"
	"agentd/internal/stream"
)

const (
	defaultMaxSessions    = 1
	defaultMessageCap     = 500
	defaultSessionTimeout = 30 * time.Minute
)

// Reason recorded when a stream line is not valid JSON.
const ignoredInvalidJSON = "invalid_json"

// Options configures a Registry.
type Options struct {
	// MaxSessions is the admission ceiling on starting or running sessions.
	MaxSessions int
	// MessageCap bounds each session's message window.
	MessageCap int
	// DefaultTimeout applies when a start omits its timeout. Negative
	// disables the default timeout.
	DefaultTimeout time.Duration
	// PermissionBypass is the default for starts that omit the flag. Nil
	// means true.
	PermissionBypass *bool

	Launchers map[Transport]Launcher
	Notifier  Notifier
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Registry is the authoritative map of sessions. It owns admission, timers
// and finalization. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	order    []string
	closed   bool

	// emitMu is taken before mu is released so notifications leave in the
	// order the mutations happened.
	emitMu sync.Mutex

	maxSessions    int
	messageCap     int
	defaultTimeout time.Duration
	bypass         bool
	launchers      map[Transport]Launcher
	notifier       Notifier
	metrics        *Metrics
	log            *slog.Logger
	now            func() time.Time
}

type entry struct {
	snap     Session
	messages *ring.Buffer[Message]
	proc     Process
	// handle outlives proc so Prune can forget what the process left behind.
	handle Process
	timer  *time.Timer
	// detached is set at finalization; later records and exits are dropped.
	detached bool
}

// notification is a pending Notifier call built under mu.
type notification func(Notifier)

// NewRegistry creates a Registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:       make(map[string]*entry),
		maxSessions:    opts.MaxSessions,
		messageCap:     opts.MessageCap,
		defaultTimeout: opts.DefaultTimeout,
		bypass:         true,
		launchers:      opts.Launchers,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		now:            opts.Now,
	}
	if r.maxSessions <= 0 {
		r.maxSessions = defaultMaxSessions
	}
	if r.messageCap <= 0 {
		r.messageCap = defaultMessageCap
	}
	if r.defaultTimeout == 0 {
		r.defaultTimeout = defaultSessionTimeout
	}
	if opts.PermissionBypass != nil {
		r.bypass = *opts.PermissionBypass
	}
	if r.launchers == nil {
		r.launchers = map[Transport]Launcher{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.log == nil {
		r.log = logger.Discard()
	}
	r.log = r.log.With("component", "registry")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Start validates cfg, admits it against the ceiling and launches the agent.
// A spawn failure still returns the new id with a nil error; the session is
// then already in StatusError with FailureSpawn.
func (r *Registry) Start(ctx context.Context, cfg StartConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cfg, timeout, err := r.normalize(cfg)
	if err != nil {
		return "", err
	}
	launcher, ok := r.launchers[cfg.Transport]
	if !ok {
		return "", invalidf("transport %q is not available", cfg.Transport)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if active := r.activeLocked(); active >= r.maxSessions {
		r.mu.Unlock()
		r.metrics.admissionRejected()
		return "", &AdmissionError{Limit: r.maxSessions, Active: active}
	}

	id := uuid.New().String()
	e := &entry{
		snap: Session{
			ID:               id,
			Transport:        cfg.Transport,
			Status:           StatusStarting,
			Prompt:           cfg.Prompt,
			Model:            cfg.Model,
			WorkingDirectory: cfg.WorkingDirectory,
			MaxTurns:         cfg.MaxTurns,
			PermissionBypass: *cfg.PermissionBypass,
			Timeout:          Duration(timeout),
			CreatedAt:        r.now(),
		},
		messages: ring.New[Message](r.messageCap),
	}
	r.sessions[id] = e
	r.order = append(r.order, id)
	r.metrics.sessionStarted(cfg.Transport)
	log := r.log.With("session_id", id, "transport", cfg.Transport)

	batch := []notification{statusNote(id, StatusStarting)}

	p, spawnErr := launcher.Spawn(LaunchSpec{
		SessionID:        id,
		Prompt:           cfg.Prompt,
		Model:            cfg.Model,
		WorkingDirectory: cfg.WorkingDirectory,
		MaxTurns:         cfg.MaxTurns,
		PermissionBypass: *cfg.PermissionBypass,
	}, Events{
		OnRecord: func(line []byte) { r.handleRecord(e, line) },
		OnExit:   func(st ExitStatus) { r.handleExit(e, st) },
	})

	if spawnErr != nil {
		log.Error("spawn failed", "error", spawnErr)
		batch = append(batch, r.finalizeLocked(e, evSpawnFailed, FailureSpawn, spawnErr.Error())...)
		r.unlockAndDispatch(batch)
		return id, nil
	}

	e.proc = p
	e.handle = p
	e.snap.TerminalID = p.TerminalID()
	e.snap.Status, _ = next(e.snap.Status, evSpawned)
	batch = append(batch, statusNote(id, StatusRunning))
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { r.handleTimeout(e, timeout) })
	}
	log.Info("session started", "timeout", timeout)
	r.unlockAndDispatch(batch)
	return id, nil
}

// normalize validates cfg and fills in defaults.
func (r *Registry) normalize(cfg StartConfig) (StartConfig, time.Duration, error) {
	if cfg.Prompt == "" {
		return cfg, 0, invalidf("prompt is required")
	}
	if cfg.MaxTurns < 0 {
		return cfg, 0, invalidf("maxTurns must be positive, got %d", cfg.MaxTurns)
	}
	switch cfg.Transport {
	case "":
		cfg.Transport = TransportPipe
	case TransportPipe, TransportTerminal:
	default:
		return cfg, 0, invalidf("unknown transport %q", cfg.Transport)
	}
	if cfg.WorkingDirectory != "" {
		info, err := os.Stat(cfg.WorkingDirectory)
		if err != nil {
			return cfg, 0, invalidf("working directory does not exist: %s", cfg.WorkingDirectory)
		}
		if !info.IsDir() {
			return cfg, 0, invalidf("path is not a directory: %s", cfg.WorkingDirectory)
		}
	}

	timeout := r.defaultTimeout
	if cfg.TimeoutMinutes != nil {
		minutes := *cfg.TimeoutMinutes
		if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
			return cfg, 0, invalidf("timeoutMinutes must be a non-negative number")
		}
		timeout = time.Duration(minutes * float64(time.Minute))
	}
	if timeout < 0 {
		timeout = 0
	}

	if cfg.PermissionBypass == nil {
		bypass := r.bypass
		cfg.PermissionBypass = &bypass
	}
	return cfg, timeout, nil
}

// handleRecord classifies one stream line and appends its messages.
func (r *Registry) handleRecord(e *entry, line []byte) {
	rec, err := stream.Decode(line)
	if err != nil {
		reason := ignoredInvalidJSON
		if errors.Is(err, stream.ErrNoType) {
			reason = stream.IgnoredUnknownType
		}
		r.metrics.recordIgnored(reason)
		return
	}
	c := stream.Classify(rec)
	if c.Ignored != "" {
		r.metrics.recordIgnored(c.Ignored)
	}
	if c.Empty() {
		return
	}

	r.mu.Lock()
	if e.detached {
		r.mu.Unlock()
		return
	}
	r.applyLocked(e, c)

	id := e.snap.ID
	now := r.now()
	batch := make([]notification, 0, len(c.Entries))
	for _, draft := range c.Entries {
		msg := Message{ID: uuid.New().String(), SessionID: id, Timestamp: now, Entry: draft}
		e.messages.Push(msg)
		r.metrics.messageAppended(string(draft.Kind))
		batch = append(batch, func(n Notifier) { n.SessionMessage(id, msg) })
	}
	r.unlockAndDispatch(batch)
}

// applyLocked folds a classification into the session aggregates.
func (r *Registry) applyLocked(e *entry, c stream.Classification) {
	s := &e.snap
	if c.Init != nil {
		s.Tools = c.Init.Tools
		if c.Init.Model != "" {
			s.Model = c.Init.Model
		}
		s.PermissionMode = c.Init.PermissionMode
		s.AgentVersion = c.Init.Version
	}
	if c.Turn {
		s.Turns++
	}
	s.ToolCalls = append(s.ToolCalls, c.ToolCalls...)
	if res := c.Result; res != nil {
		s.TotalCost = res.TotalCost
		s.Turns = res.Turns
		s.Usage = res.Usage
		text := res.Text
		s.Result = &text
		s.Errors = res.Errors
		s.StopReason = res.StopReason
		s.DurationMS = res.DurationMS
		s.APIDurationMS = res.APIDurationMS
	}
}

func (r *Registry) handleExit(e *entry, st ExitStatus) {
	ev, failure, msg := evExitedOK, FailureNone, ""
	switch {
	case st.Err != nil:
		ev, failure, msg = evProcessError, FailureRuntime, st.Err.Error()
	case st.Code != 0:
		ev, failure = evExitedAbnormal, FailureAbnormalExit
		msg = fmt.Sprintf("process exited with code %d", st.Code)
		if st.Stderr != "" {
			msg = st.Stderr
		}
	}

	r.mu.Lock()
	code := st.Code
	if !e.detached {
		e.snap.ExitCode = &code
	}
	p := e.proc
	batch := r.finalizeLocked(e, ev, failure, msg)
	if batch == nil {
		r.mu.Unlock()
		return
	}
	r.unlockAndDispatch(batch)
	if p != nil {
		p.Release()
	}
}

func (r *Registry) handleTimeout(e *entry, after time.Duration) {
	r.mu.Lock()
	p := e.proc
	batch := r.finalizeLocked(e, evTimedOut, FailureTimeout, fmt.Sprintf("timed out after %s", after))
	if batch == nil {
		r.mu.Unlock()
		return
	}
	r.unlockAndDispatch(batch)
	r.kill(e.snap.ID, p)
}

// finalizeLocked applies a terminal event and performs the one-time cleanup.
// It returns nil when the transition is illegal, which includes every event
// on an already finalized session.
func (r *Registry) finalizeLocked(e *entry, ev event, failure FailureKind, msg string) []notification {
	to, ok := next(e.snap.Status, ev)
	if !ok {
		return nil
	}
	now := r.now()
	s := &e.snap
	s.Status = to
	s.CompletedAt = &now
	s.Error = msg
	s.Failure = failure

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.detached = true
	e.proc = nil

	r.metrics.sessionFinished(to, failure, s.TotalCost, now.Sub(s.CreatedAt))
	r.log.Info("session finished", "session_id", s.ID, "status", to, "failure", failure, "error", msg)

	id := s.ID
	c := Completion{Status: to, Error: msg, Failure: failure, TotalCost: s.TotalCost, Turns: s.Turns}
	return []notification{
		statusNote(id, to),
		func(n Notifier) { n.SessionFinished(id, c) },
	}
}

// Stop cancels a session. The status changes before the kill is sent; Stop
// does not wait for the process to exit. Stopping a finished session is a
// no-op.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := e.proc
	batch := r.finalizeLocked(e, evCancelled, FailureNone, "")
	if batch == nil {
		r.mu.Unlock()
		return nil
	}
	r.unlockAndDispatch(batch)
	r.kill(id, p)
	return nil
}

// kill terminates and releases a process detached by finalization.
func (r *Registry) kill(id string, p Process) {
	if p == nil {
		return
	}
	if err := p.Kill(); err != nil {
		r.log.Warn("kill failed", "session_id", id, "error", err)
	}
	p.Release()
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns snapshots of all sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].snapshot())
	}
	return out
}

// Messages returns up to limit messages of the current window starting at
// offset. A limit <= 0 reads to the end.
func (r *Registry) Messages(id string, offset, limit int) (MessagePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return MessagePage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if offset < 0 {
		offset = 0
	}
	msgs := e.messages.Slice(offset, limit)
	if msgs == nil {
		msgs = []Message{}
	}
	return MessagePage{
		SessionID: id,
		Offset:    offset,
		Total:     e.messages.Len(),
		Dropped:   e.messages.Dropped(),
		Messages:  msgs,
	}, nil
}

// Active returns the number of starting or running sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.sessions {
		if !e.snap.Status.Terminal() {
			n++
		}
	}
	return n
}

// Prune removes every finished session and returns how many were removed.
// Retained process state, such as a terminal's output replay, goes with it.
func (r *Registry) Prune() int {
	r.mu.Lock()
	kept := r.order[:0]
	var forgotten []Process
	removed := 0
	for _, id := range r.order {
		e := r.sessions[id]
		if e.snap.Status.Terminal() {
			if e.handle != nil {
				forgotten = append(forgotten, e.handle)
			}
			delete(r.sessions, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
	r.mu.Unlock()

	for _, p := range forgotten {
		p.Forget()
	}
	return removed
}

// Shutdown cancels every unfinished session, kills their processes and
// clears the registry. Later starts fail with ErrClosed. Every kill is sent
// even when ctx is already done; the ctx error is reported afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var batch []notification
	procs := make(map[string]Process)
	var handles []Process
	for _, id := range r.order {
		e := r.sessions[id]
		p := e.proc
		if notes := r.finalizeLocked(e, evCancelled, FailureNone, ""); notes != nil {
			batch = append(batch, notes...)
			procs[id] = p
		}
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	clear(r.sessions)
	r.order = nil
	r.unlockAndDispatch(batch)

	for id, p := range procs {
		r.kill(id, p)
	}
	for _, p := range handles {
		p.Forget()
	}
	return ctx.Err()
}

// unlockAndDispatch releases mu and delivers batch while holding emitMu, so
// notifications from concurrent mutations cannot overtake each other.
func (r *Registry) unlockAndDispatch(batch []notification) {
	if len(batch) == 0 {
		r.mu.Unlock()
		return
	}
	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()
	for _, note := range batch {
		note(r.notifier)
	}
}

func statusNote(id string, s Status) notification {
	return func(n Notifier) { n.SessionStatus(id, s) }
}

// snapshot returns a copy of the session that shares no mutable state.
func (e *entry) snapshot() Session {
	s := e.snap
	s.ToolCalls = slices.Clone(s.ToolCalls)
	s.Errors = slices.Clone(s.Errors)
	s.Tools = slices.Clone(s.Tools)
	if s.Result != nil {
		text := *s.Result
		s.Result = &text
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	if s.ExitCode != nil {
		c := *s.ExitCode
		s.ExitCode = &c
	}
	s.MessageCount = e.messages.Len()
	s.DroppedMessages = e.messages.Dropped()
	return s
}
