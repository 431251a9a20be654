// Package terminal runs processes attached to pseudo-terminals. Each
// terminal has its own id; raw output is fanned out to subscribers with a
// replay buffer, and exit is reported as an event keyed by that id.
package terminal

import "time"

// State represents the lifecycle state of a terminal.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// SpawnConfig describes the process to attach to a new terminal.
type SpawnConfig struct {
	// ID is used as the terminal id when set, so callers can hand it to
	// the child before it starts. A uuid is generated otherwise.
	ID      string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// Info is a snapshot of one terminal.
type Info struct {
	ID        string     `json:"id"`
	State     State      `json:"state"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Dir       string     `json:"dir"`
	StartedAt time.Time  `json:"startedAt"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
}

// Output is one chunk of raw terminal output.
type Output struct {
	TerminalID string    `json:"terminalId"`
	Data       []byte    `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExitEvent reports that a terminal's process ended.
type ExitEvent struct {
	TerminalID string
	ExitCode   int
	// Err is set when the process could not be waited on.
	Err error
}
