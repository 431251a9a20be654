package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"agentd/internal/logger"
	"agentd/internal/protocol"
	"agentd/internal/session"
	"agentd/internal/terminal"
	"agentd/internal/watcher"
)

const clientSendBuffer = 256

// Hub tracks WebSocket clients and pushes engine events to them. It
// implements session.Notifier and never calls back into the registry.
type Hub struct {
	terms *terminal.Manager
	watch *watcher.Watcher
	log   *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	// subscriptions tracks terminal output subscriptions per client.
	// key: client, value: map[terminalID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex

	// terminals maps running terminal sessions to their terminal ids so
	// late clients can attach to them.
	terminals   map[string]string
	terminalsMu sync.Mutex
}

// HubOptions configures a Hub. Terminals and Watcher are optional.
type HubOptions struct {
	Terminals *terminal.Manager
	Watcher   *watcher.Watcher
	Logger    *slog.Logger
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		terms:         opts.Terminals,
		watch:         opts.Watcher,
		log:           log.With("component", "hub"),
		clients:       make(map[*client]struct{}),
		subscriptions: make(map[*client]map[string]string),
		terminals:     make(map[string]string),
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend queues data without blocking. Full or closed clients drop it.
func (c *client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) addClient(c *client) {
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()

	h.subscriptionsMu.Lock()
	h.subscriptions[c] = make(map[string]string)
	h.subscriptionsMu.Unlock()

	// Attach to terminals that started before this connection.
	h.terminalsMu.Lock()
	running := make(map[string]string, len(h.terminals))
	for sessionID, termID := range h.terminals {
		running[sessionID] = termID
	}
	h.terminalsMu.Unlock()
	for sessionID, termID := range running {
		h.subscribeClient(c, sessionID, termID)
	}
}

// removeClient cleans up a disconnected client.
func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()

	h.subscriptionsMu.Lock()
	subs := h.subscriptions[c]
	delete(h.subscriptions, c)
	h.subscriptionsMu.Unlock()

	if h.terms != nil {
		for termID, subID := range subs {
			h.terms.Unsubscribe(termID, subID)
		}
	}

	c.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// broadcast sends a message to all connected clients.
func (h *Hub) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for c := range h.clients {
		c.trySend(data)
	}
}

func (h *Hub) broadcastPayload(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		h.log.Error("encode message", "type", msgType, "error", err)
		return
	}
	h.broadcast(msg)
}

// SessionMessage broadcasts a new timeline message.
func (h *Hub) SessionMessage(_ string, msg session.Message) {
	h.broadcastPayload(protocol.TypeSessionMessage, msg)
}

// SessionStatus broadcasts a status transition.
func (h *Hub) SessionStatus(id string, status session.Status) {
	h.broadcastPayload(protocol.TypeSessionStatus, protocol.SessionStatusPayload{SessionID: id, Status: status})
}

// SessionFinished broadcasts the completion and stops per-session tracking.
func (h *Hub) SessionFinished(id string, c session.Completion) {
	h.broadcastPayload(protocol.TypeSessionFinished, protocol.SessionFinishedPayload{SessionID: id, Completion: c})

	h.terminalsMu.Lock()
	delete(h.terminals, id)
	h.terminalsMu.Unlock()

	if h.watch != nil {
		h.watch.Unwatch(id)
	}
}

// OnFileActivity is the watcher callback.
func (h *Hub) OnFileActivity(a watcher.Activity) {
	h.broadcastPayload(protocol.TypeFilesChanged, protocol.FilesChangedPayload{
		SessionID: a.SessionID,
		Paths:     a.Paths,
		FileCount: a.FileCount,
	})
}

// trackSession starts per-session side channels for a session that just
// started: workspace activity and, for terminal sessions, output streaming.
func (h *Hub) trackSession(sess session.Session) {
	if h.watch != nil && sess.WorkingDirectory != "" {
		if err := h.watch.Watch(sess.ID, sess.WorkingDirectory); err != nil {
			h.log.Warn("start file watcher", "session_id", sess.ID, "error", err)
		}
	}
	if sess.TerminalID == "" || h.terms == nil {
		return
	}

	h.terminalsMu.Lock()
	h.terminals[sess.ID] = sess.TerminalID
	h.terminalsMu.Unlock()

	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		h.subscribeClient(c, sess.ID, sess.TerminalID)
	}
}

// untrackSession undoes trackSession for a session found already finished.
func (h *Hub) untrackSession(id string) {
	h.terminalsMu.Lock()
	delete(h.terminals, id)
	h.terminalsMu.Unlock()
	if h.watch != nil {
		h.watch.Unwatch(id)
	}
}

// subscribeClient streams a terminal's output, history first, to one client.
func (h *Hub) subscribeClient(c *client, sessionID, termID string) {
	h.subscriptionsMu.Lock()
	subs, ok := h.subscriptions[c]
	if !ok {
		h.subscriptionsMu.Unlock()
		return // Client went away.
	}
	if _, exists := subs[termID]; exists {
		h.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	h.subscriptionsMu.Unlock()

	subID, ch, history, err := h.terms.Subscribe(termID)
	if err != nil {
		return
	}

	h.subscriptionsMu.Lock()
	if subs, ok := h.subscriptions[c]; ok {
		subs[termID] = subID
	}
	h.subscriptionsMu.Unlock()

	for _, out := range history {
		h.sendOutput(c, sessionID, out, true)
	}

	go func() {
		for out := range ch {
			h.sendOutput(c, sessionID, out, false)
		}
	}()
}

func (h *Hub) sendOutput(c *client, sessionID string, out terminal.Output, replay bool) {
	msg, err := protocol.NewMessage(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
		SessionID:  sessionID,
		TerminalID: out.TerminalID,
		Data:       string(out.Data),
		Replay:     replay,
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.trySend(data)
}
