package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"agentd/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	// RequestID is echoed on replies so clients can match them.
	RequestID string `json:"requestId,omitempty"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate   = "session.update"
	TypeSessionStatus   = "session.status"
	TypeSessionMessage  = "session.message"
	TypeSessionFinished = "session.finished"
	TypeSessionList     = "session.list"
	TypeSessionMessages = "session.messages"
	TypeTerminalOutput  = "terminal.output"
	TypeFilesChanged    = "files.changed"
	TypeError           = "error"
)

// Client → Server message types. session.list is shared with the reply.
const (
	TypeSessionStart     = "session.start"
	TypeSessionStop      = "session.stop"
	TypeSessionGet       = "session.get"
	TypeSessionListReq   = "session.list"
	TypeSessionMessagesQ = "session.messages"
	TypeTerminalInput    = "terminal.input"
	TypeTerminalResize   = "terminal.resize"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInvalidConfig   = "INVALID_CONFIG"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrNotTerminal     = "NOT_TERMINAL"
	ErrUnavailable     = "UNAVAILABLE"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

type SessionStatusPayload struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

type SessionFinishedPayload struct {
	SessionID string `json:"sessionId"`
	session.Completion
}

type SessionListPayload struct {
	Sessions []session.Session `json:"sessions"`
}

type TerminalOutputPayload struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
	// Replay marks output buffered before the client subscribed.
	Replay bool `json:"replay,omitempty"`
}

type FilesChangedPayload struct {
	SessionID string   `json:"sessionId"`
	Paths     []string `json:"paths"`
	FileCount int      `json:"fileCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionStartPayload = session.StartConfig

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionMessagesPayload struct {
	SessionID string `json:"sessionId"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

type TerminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}
