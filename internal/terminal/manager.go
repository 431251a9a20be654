package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"agentd/internal/logger"
	"agentd/internal/proc"
	"agentd/internal/ring"
)

const (
	defaultRows          = 40
	defaultCols          = 120
	defaultReplayChunks  = 1000
	defaultSubscriberCap = 256
	readChunkSize        = 32 * 1024
)

// ErrNotFound is returned for unknown terminal ids.
var ErrNotFound = errors.New("terminal not found")

// ErrExited is returned when writing to a terminal whose process has ended.
var ErrExited = errors.New("terminal exited")

// Options configures a Manager.
type Options struct {
	Rows         uint16
	Cols         uint16
	ReplayChunks int
	Logger       *slog.Logger
}

// Manager owns every pseudo-terminal and the process attached to it.
type Manager struct {
	mu    sync.RWMutex
	terms map[string]*managedTerminal
	opts  Options
	log   *slog.Logger
}

type managedTerminal struct {
	info         Info
	cmd          *exec.Cmd
	ptmx         *os.File
	writeMu      sync.Mutex
	replay       *ring.Buffer[Output]
	subscribers  map[string]chan Output
	subMu        sync.RWMutex
	subsClosed   bool
	exitHandlers []func(ExitEvent)
	exit         *ExitEvent
	done         chan struct{}
}

// NewManager creates a terminal manager.
func NewManager(opts Options) *Manager {
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.ReplayChunks <= 0 {
		opts.ReplayChunks = defaultReplayChunks
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		terms: make(map[string]*managedTerminal),
		opts:  opts,
		log:   log.With("component", "terminal"),
	}
}

// Spawn starts cfg.Command attached to a new pseudo-terminal and returns the
// terminal id.
func (m *Manager) Spawn(cfg SpawnConfig) (string, error) {
	if cfg.Command == "" {
		return "", errors.New("terminal: command is required")
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = m.opts.Rows
	}
	if cols == 0 {
		cols = m.opts.Cols
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	m.mu.RLock()
	_, taken := m.terms[id]
	m.mu.RUnlock()
	if taken {
		return "", fmt.Errorf("terminal %s already exists", id)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	mt := &managedTerminal{
		info: Info{
			ID:        id,
			State:     StateRunning,
			PID:       cmd.Process.Pid,
			Command:   cfg.Command,
			Dir:       cfg.Dir,
			StartedAt: time.Now().UTC(),
		},
		cmd:         cmd,
		ptmx:        ptmx,
		replay:      ring.New[Output](m.opts.ReplayChunks),
		subscribers: make(map[string]chan Output),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.terms[id] = mt
	m.mu.Unlock()

	m.log.Info("terminal started", "terminal_id", id, "pid", mt.info.PID, "command", cfg.Command)

	go m.pump(mt)

	return id, nil
}

// pump copies pty output to subscribers until the process exits, then
// reports the exit.
func (m *Manager) pump(mt *managedTerminal) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := mt.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out := Output{TerminalID: mt.info.ID, Data: data, Timestamp: time.Now().UTC()}
			mt.replay.Push(out)
			m.fanOut(mt, out)
		}
		if err != nil {
			// EIO is how a pty reports that the child side closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.log.Debug("pty read ended", "terminal_id", mt.info.ID, "error", err)
			}
			break
		}
	}

	exit := proc.Decode(mt.cmd.Wait())
	_ = mt.ptmx.Close()

	ev := ExitEvent{TerminalID: mt.info.ID, ExitCode: exit.Code, Err: exit.Err}
	now := time.Now().UTC()

	m.mu.Lock()
	mt.info.State = StateExited
	mt.info.ExitedAt = &now
	code := exit.Code
	mt.info.ExitCode = &code
	mt.exit = &ev
	handlers := mt.exitHandlers
	mt.exitHandlers = nil
	close(mt.done)
	m.mu.Unlock()

	m.log.Info("terminal exited", "terminal_id", mt.info.ID, "exit_code", exit.Code)

	for _, fn := range handlers {
		fn(ev)
	}

	mt.subMu.Lock()
	mt.subsClosed = true
	for subID, ch := range mt.subscribers {
		close(ch)
		delete(mt.subscribers, subID)
	}
	mt.subMu.Unlock()
}

// fanOut sends an output chunk to all subscribers.
func (m *Manager) fanOut(mt *managedTerminal, out Output) {
	mt.subMu.RLock()
	defer mt.subMu.RUnlock()

	for _, ch := range mt.subscribers {
		select {
		case ch <- out:
		default:
			// Subscriber channel full, drop the chunk.
		}
	}
}

// OnExit registers fn to run when the terminal's process exits. If it has
// already exited, fn runs immediately on a new goroutine.
func (m *Manager) OnExit(id string, fn func(ExitEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.terms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if mt.exit != nil {
		ev := *mt.exit
		go fn(ev)
		return nil
	}
	mt.exitHandlers = append(mt.exitHandlers, fn)
	return nil
}

// Get returns a snapshot of a terminal.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.terms[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mt.info, nil
}

// Write sends input to the terminal as if typed.
func (m *Manager) Write(id string, data []byte) error {
	mt, err := m.running(id)
	if err != nil {
		return err
	}
	mt.writeMu.Lock()
	defer mt.writeMu.Unlock()
	_, err = mt.ptmx.Write(data)
	return err
}

// Resize changes the terminal window size.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return errors.New("terminal: rows and cols must be positive")
	}
	mt, err := m.running(id)
	if err != nil {
		return err
	}
	return pty.Setsize(mt.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill forcefully terminates the terminal's process tree. It does not wait
// for the exit event.
func (m *Manager) Kill(id string) error {
	mt, err := m.running(id)
	if errors.Is(err, ErrExited) {
		return nil
	}
	if err != nil {
		return err
	}
	return proc.KillTree(mt.info.PID)
}

// Wait blocks until the terminal's process exits.
func (m *Manager) Wait(id string) (ExitEvent, error) {
	m.mu.RLock()
	mt, ok := m.terms[id]
	m.mu.RUnlock()
	if !ok {
		return ExitEvent{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	<-mt.done
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *mt.exit, nil
}

// Subscribe creates a channel that receives output for a terminal, along
// with the buffered history. The channel is closed when the process exits.
func (m *Manager) Subscribe(id string) (string, <-chan Output, []Output, error) {
	m.mu.RLock()
	mt, ok := m.terms[id]
	m.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	subID := uuid.New().String()
	ch := make(chan Output, defaultSubscriberCap)

	// Get buffered history before subscribing to avoid race.
	history := mt.replay.ReadAll()

	mt.subMu.Lock()
	if mt.subsClosed {
		close(ch)
	} else {
		mt.subscribers[subID] = ch
	}
	mt.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a terminal.
func (m *Manager) Unsubscribe(id, subID string) {
	m.mu.RLock()
	mt, ok := m.terms[id]
	m.mu.RUnlock()

	if !ok {
		return
	}

	mt.subMu.Lock()
	if ch, exists := mt.subscribers[subID]; exists {
		close(ch)
		delete(mt.subscribers, subID)
	}
	mt.subMu.Unlock()
}

// Remove forgets an exited terminal.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.terms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if mt.exit == nil {
		return fmt.Errorf("terminal %s is still running", id)
	}
	delete(m.terms, id)
	return nil
}

// Shutdown kills every running terminal.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.terms))
	for id, mt := range m.terms {
		if mt.exit == nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			m.log.Warn("terminal kill failed", "terminal_id", id, "error", err)
		}
	}
}

func (m *Manager) running(id string) (*managedTerminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if mt.exit != nil {
		return nil, fmt.Errorf("%w: %s", ErrExited, id)
	}
	return mt, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string{}, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
