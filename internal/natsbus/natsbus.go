// Package natsbus publishes session events to NATS so other services can
// follow agent runs without a WebSocket connection.
package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"agentd/internal/logger"
	"agentd/internal/session"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "agentd.sessions"

// Event suffixes appended to <prefix>.<sessionID>.
const (
	EventMessage  = "message"
	EventStatus   = "status"
	EventFinished = "finished"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements session.Notifier on top of core NATS publish, which
// buffers in the client and does not block on the network.
type Publisher struct {
	nc     conn
	close  func()
	prefix string
	log    *slog.Logger
}

// StatusEvent is the payload published on the status subject.
type StatusEvent struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

// FinishedEvent is the payload published on the finished subject.
type FinishedEvent struct {
	SessionID string `json:"sessionId"`
	session.Completion
}

// Connect dials NATS and returns a publisher for prefix.
func Connect(url, prefix string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("agentd"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := newPublisher(nc, prefix, log)
	p.close = nc.Close
	p.log.Info("nats connected", "url", url, "prefix", p.prefix)
	return p, nil
}

func newPublisher(nc conn, prefix string, log *slog.Logger) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Publisher{nc: nc, prefix: prefix, log: log.With("component", "natsbus")}
}

// Subject returns the subject for one event of one session.
func (p *Publisher) Subject(sessionID, event string) string {
	return p.prefix + "." + sessionID + "." + event
}

// SessionMessage publishes a timeline message.
func (p *Publisher) SessionMessage(id string, msg session.Message) {
	p.publish(id, EventMessage, msg)
}

// SessionStatus publishes a status transition.
func (p *Publisher) SessionStatus(id string, status session.Status) {
	p.publish(id, EventStatus, StatusEvent{SessionID: id, Status: status})
}

// SessionFinished publishes the completion summary.
func (p *Publisher) SessionFinished(id string, c session.Completion) {
	p.publish(id, EventFinished, FinishedEvent{SessionID: id, Completion: c})
}

func (p *Publisher) publish(id, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal event", "session_id", id, "event", event, "error", err)
		return
	}
	subject := p.Subject(id, event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// Close shuts down the NATS connection.
func (p *Publisher) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
