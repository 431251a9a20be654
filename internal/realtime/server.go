// Package realtime exposes the engine over HTTP: REST endpoints, a WebSocket
// hub that pushes session events, and Prometheus metrics.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentd/internal/logger"
	"agentd/internal/protocol"
	"agentd/internal/session"
	"agentd/internal/terminal"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options configures a Server.
type Options struct {
	StaticDir string
	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// Server routes REST and WebSocket requests to the session registry.
type Server struct {
	registry *session.Registry
	hub      *Hub
	opts     Options
	log      *slog.Logger
}

// New creates a new realtime server. hub must be the registry's notifier
// (directly or through a session.MultiNotifier).
func New(registry *session.Registry, hub *Hub, opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		registry: registry,
		hub:      hub,
		opts:     opts,
		log:      log.With("component", "realtime"),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/prune", s.handlePrune)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleStopSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.opts.Metrics != nil {
		mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics)
	}

	// Static file serving.
	if s.opts.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(s.opts.StaticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// startSession starts a session and wires its side channels.
func (s *Server) startSession(ctx context.Context, cfg session.StartConfig) (session.Session, error) {
	id, err := s.registry.Start(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	s.hub.broadcastPayload(protocol.TypeSessionUpdate, sess)
	s.hub.trackSession(sess)

	// The session may have finished while tracking was set up, in which case
	// the finish notification has already passed.
	if latest, err := s.registry.Get(id); err == nil && latest.Status.Terminal() {
		s.hub.untrackSession(id)
		return latest, nil
	}
	return sess, nil
}

// terminalFor resolves the terminal attached to a session.
func (s *Server) terminalFor(id string) (string, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	if sess.Transport != session.TransportTerminal || sess.TerminalID == "" || s.hub.terms == nil {
		return "", session.ErrNotTerminal
	}
	return sess.TerminalID, nil
}

// errorCode maps engine errors to HTTP statuses and protocol codes.
func errorCode(err error) (int, string) {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, session.ErrAdmission):
		return http.StatusTooManyRequests, protocol.ErrMaxSessions
	case errors.Is(err, session.ErrNotFound), errors.Is(err, terminal.ErrNotFound):
		return http.StatusNotFound, protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrInvalidConfig), errors.As(err, &syntaxErr):
		return http.StatusBadRequest, protocol.ErrInvalidConfig
	case errors.Is(err, session.ErrNotTerminal), errors.Is(err, terminal.ErrExited):
		return http.StatusConflict, protocol.ErrNotTerminal
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	// Send current session list to new client.
	s.reply(c, "", protocol.TypeSessionList, protocol.SessionListPayload{Sessions: s.registry.List()})

	s.hub.addClient(c)

	go s.writePump(c)
	go s.readPump(c)
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", "error", err)
			}
			return
		}

		s.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, "", protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		var p protocol.SessionStartPayload
		json.Unmarshal(msg.Payload, &p)
		sess, err := s.startSession(context.Background(), p)
		if err != nil {
			s.replyError(c, msg, err)
			return
		}
		s.reply(c, msg.RequestID, protocol.TypeSessionUpdate, sess)

	case protocol.TypeSessionStop:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.registry.Stop(p.SessionID); err != nil {
			s.replyError(c, msg, err)
			return
		}
		s.replySession(c, msg, p.SessionID)

	case protocol.TypeSessionGet:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.replySession(c, msg, p.SessionID)

	case protocol.TypeSessionListReq:
		s.reply(c, msg.RequestID, protocol.TypeSessionList, protocol.SessionListPayload{Sessions: s.registry.List()})

	case protocol.TypeSessionMessagesQ:
		var p protocol.SessionMessagesPayload
		json.Unmarshal(msg.Payload, &p)
		page, err := s.registry.Messages(p.SessionID, p.Offset, p.Limit)
		if err != nil {
			s.replyError(c, msg, err)
			return
		}
		s.reply(c, msg.RequestID, protocol.TypeSessionMessages, page)

	case protocol.TypeTerminalInput:
		var p protocol.TerminalInputPayload
		json.Unmarshal(msg.Payload, &p)
		termID, err := s.terminalFor(p.SessionID)
		if err == nil {
			err = s.hub.terms.Write(termID, []byte(p.Data))
		}
		if err != nil {
			s.replyError(c, msg, err)
		}

	case protocol.TypeTerminalResize:
		var p protocol.TerminalResizePayload
		json.Unmarshal(msg.Payload, &p)
		termID, err := s.terminalFor(p.SessionID)
		if err == nil {
			err = s.hub.terms.Resize(termID, p.Rows, p.Cols)
		}
		if err != nil {
			s.replyError(c, msg, err)
		}
	}
}

func (s *Server) replySession(c *client, msg *protocol.Message, id string) {
	sess, err := s.registry.Get(id)
	if err != nil {
		s.replyError(c, msg, err)
		return
	}
	s.reply(c, msg.RequestID, protocol.TypeSessionUpdate, sess)
}

func (s *Server) reply(c *client, requestID, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("encode reply", "type", msgType, "error", err)
		return
	}
	msg.RequestID = requestID
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

func (s *Server) replyError(c *client, msg *protocol.Message, err error) {
	_, code := errorCode(err)
	s.sendError(c, msg.RequestID, code, err.Error())
}

func (s *Server) sendError(c *client, requestID, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	msg.RequestID = requestID
	data, _ := json.Marshal(msg)
	c.trySend(data)
}
