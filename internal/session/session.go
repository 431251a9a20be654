// Package session is the agent execution engine: it launches agent
// processes, tracks each one as a Session, turns the agent's event stream
// into a bounded timeline of messages, and enforces admission and timeout
// limits.
package session

import (
	"strconv"
	"time"

	"agentd/internal/stream"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Transport selects how the agent process is attached.
type Transport string

const (
	TransportPipe     Transport = "pipe"
	TransportTerminal Transport = "terminal"
)

// FailureKind classifies why a session ended in error.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureSpawn        FailureKind = "spawn"
	FailureRuntime      FailureKind = "runtime"
	FailureAbnormalExit FailureKind = "abnormal_exit"
	FailureTimeout      FailureKind = "timeout"
)

// Session is a point-in-time snapshot of one agent invocation.
type Session struct {
	ID               string     `json:"id"`
	Transport        Transport  `json:"transport"`
	Status           Status     `json:"status"`
	Prompt           string     `json:"prompt"`
	Model            string     `json:"model,omitempty"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	MaxTurns         int        `json:"maxTurns,omitempty"`
	PermissionBypass bool       `json:"permissionBypass"`
	Timeout          Duration   `json:"timeout"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt"`
	TerminalID       string     `json:"terminalId,omitempty"`

	TotalCost     float64           `json:"totalCost"`
	Turns         int               `json:"turns"`
	Usage         stream.TokenUsage `json:"usage"`
	ToolCalls     []stream.ToolUse  `json:"toolCalls"`
	Errors        []string          `json:"errors"`
	Result        *string           `json:"result"`
	StopReason    string            `json:"stopReason,omitempty"`
	DurationMS    int64             `json:"durationMs,omitempty"`
	APIDurationMS int64             `json:"apiDurationMs,omitempty"`

	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	AgentVersion   string   `json:"agentVersion,omitempty"`

	Error    string      `json:"error,omitempty"`
	Failure  FailureKind `json:"failure,omitempty"`
	ExitCode *int        `json:"exitCode"`

	MessageCount    int `json:"messageCount"`
	DroppedMessages int `json:"droppedMessages"`
}

// Duration marshals as milliseconds so clients need no Go duration parser.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, time.Duration(d).Milliseconds(), 10), nil
}

// Message is one entry of a session's timeline. Messages are immutable once
// appended.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	stream.Entry
}

// MessagePage is a slice of a session's message window.
type MessagePage struct {
	SessionID string    `json:"sessionId"`
	Offset    int       `json:"offset"`
	Total     int       `json:"total"`
	Dropped   int       `json:"dropped"`
	Messages  []Message `json:"messages"`
}

// Completion summarizes how a session finished.
type Completion struct {
	Status    Status      `json:"status"`
	Error     string      `json:"error,omitempty"`
	Failure   FailureKind `json:"failure,omitempty"`
	TotalCost float64     `json:"totalCost"`
	Turns     int         `json:"turns"`
}

// StartConfig is a request to launch a session.
type StartConfig struct {
	Prompt           string    `json:"prompt"`
	Model            string    `json:"model,omitempty"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	MaxTurns         int       `json:"maxTurns,omitempty"`
	Transport        Transport `json:"transport,omitempty"`

	// TimeoutMinutes overrides the default timeout. Zero disables it.
	TimeoutMinutes *float64 `json:"timeoutMinutes,omitempty"`
	// PermissionBypass defaults to true when omitted.
	PermissionBypass *bool `json:"permissionBypass,omitempty"`
}
