package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "AGENTD_PORT")
	setString(&cfg.Server.StaticDir, "STATIC_DIR")

	setString(&cfg.Engine.AgentBinary, "AGENTD_AGENT_BINARY")
	setInt(&cfg.Engine.MaxSessions, "MAX_SESSIONS")
	setInt(&cfg.Engine.MaxSessions, "AGENTD_MAX_SESSIONS")
	setInt(&cfg.Engine.MessageCap, "AGENTD_MESSAGE_CAP")
	setDuration(&cfg.Engine.DefaultTimeout, "AGENTD_DEFAULT_TIMEOUT")
	setInt(&cfg.Engine.PromptStdinThreshold, "AGENTD_PROMPT_STDIN_THRESHOLD")
	setInt(&cfg.Engine.StderrTail, "AGENTD_STDERR_TAIL")
	setInt(&cfg.Engine.MaxLineBytes, "AGENTD_MAX_LINE_BYTES")
	setBool(&cfg.Engine.PermissionBypass, "AGENTD_PERMISSION_BYPASS")

	// Terminal
	setUint16(&cfg.Terminal.Rows, "AGENTD_TERMINAL_ROWS")
	setUint16(&cfg.Terminal.Cols, "AGENTD_TERMINAL_COLS")
	setInt(&cfg.Terminal.ReplayChunks, "AGENTD_TERMINAL_REPLAY_CHUNKS")

	setBool(&cfg.Watcher.Enabled, "AGENTD_WATCHER_ENABLED")
	setDuration(&cfg.Watcher.Debounce, "AGENTD_WATCHER_DEBOUNCE")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "AGENTD_NATS_SUBJECT_PREFIX")

	setBool(&cfg.Metrics.Enabled, "AGENTD_METRICS_ENABLED")
	setString(&cfg.Metrics.Path, "AGENTD_METRICS_PATH")

	setString(&cfg.Logging.Level, "AGENTD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTD_LOG_SERVICE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Engine.AgentBinary == "" {
		return errors.New("engine.agent_binary is required")
	}
	if cfg.Engine.MaxSessions < 1 {
		return errors.New("engine.max_sessions must be >= 1")
	}
	if cfg.Engine.MessageCap < 1 {
		return errors.New("engine.message_cap must be >= 1")
	}
	if cfg.Engine.DefaultTimeout < 0 {
		return errors.New("engine.default_timeout must be >= 0")
	}
	if cfg.Engine.PromptStdinThreshold < 1 {
		return errors.New("engine.prompt_stdin_threshold must be >= 1")
	}
	if cfg.Engine.StderrTail < 0 {
		return errors.New("engine.stderr_tail must be >= 0")
	}
	if cfg.Engine.MaxLineBytes < 1024 {
		return errors.New("engine.max_line_bytes must be >= 1024")
	}
	if cfg.Terminal.Rows == 0 || cfg.Terminal.Cols == 0 {
		return errors.New("terminal.rows and terminal.cols must be > 0")
	}
	if cfg.Terminal.ReplayChunks < 1 {
		return errors.New("terminal.replay_chunks must be >= 1")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		return errors.New("metrics.path is required when metrics are enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint16(dst *uint16, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*dst = uint16(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
