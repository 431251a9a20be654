// Package config provides hierarchical configuration loading for agentd.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the agentd service.
type Config struct {
	Server   Server   `yaml:"server"`
	Engine   Engine   `yaml:"engine"`
	Terminal Terminal `yaml:"terminal"`
	Watcher  Watcher  `yaml:"watcher"`
	NATS     NATS     `yaml:"nats"`
	Metrics  Metrics  `yaml:"metrics"`
	Logging  Logging  `yaml:"logging"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

// Engine holds agent execution engine configuration.
type Engine struct {
	AgentBinary          string            `yaml:"agent_binary"`           // Agent CLI executable (default: "claude")
	MaxSessions          int               `yaml:"max_sessions"`           // Admission ceiling for non-terminal sessions (default: 1)
	MessageCap           int               `yaml:"message_cap"`            // Sliding window size per session (default: 500)
	DefaultTimeout       time.Duration     `yaml:"default_timeout"`        // Applied when a start request omits its timeout (default: 30m)
	PromptStdinThreshold int               `yaml:"prompt_stdin_threshold"` // Prompts longer than this are not passed as an argument (default: 2000)
	StderrTail           int               `yaml:"stderr_tail"`            // Characters of stderr kept for exit diagnostics (default: 500)
	MaxLineBytes         int               `yaml:"max_line_bytes"`         // Longest accepted stream record (default: 16 MiB)
	PermissionBypass     bool              `yaml:"permission_bypass"`      // Default for start requests that omit the flag (default: true)
	Env                  map[string]string `yaml:"env"`                    // Extra environment for every agent process
}

// Terminal holds pseudo-terminal configuration.
type Terminal struct {
	Rows         uint16 `yaml:"rows"`
	Cols         uint16 `yaml:"cols"`
	ReplayChunks int    `yaml:"replay_chunks"` // Output chunks kept for late subscribers
}

// Watcher holds working-directory activity tracking configuration.
type Watcher struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// NATS holds optional NATS event publishing configuration.
// Publishing is disabled when URL is empty.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Metrics holds Prometheus exposition configuration.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:      8420,
			StaticDir: "",
		},
		Engine: Engine{
			AgentBinary:          "claude",
			MaxSessions:          1,
			MessageCap:           500,
			DefaultTimeout:       30 * time.Minute,
			PromptStdinThreshold: 2000,
			StderrTail:           500,
			MaxLineBytes:         16 << 20,
			PermissionBypass:     true,
		},
		Terminal: Terminal{
			Rows:         40,
			Cols:         120,
			ReplayChunks: 1000,
		},
		Watcher: Watcher{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
		NATS: NATS{
			SubjectPrefix: "agentd.sessions",
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: Logging{
			Level:   "info",
			Service: "agentd",
		},
	}
}
