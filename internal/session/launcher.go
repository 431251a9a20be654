package session

// LaunchSpec is everything a Launcher needs to start one agent process.
type LaunchSpec struct {
	SessionID        string
	Prompt           string
	Model            string
	WorkingDirectory string
	MaxTurns         int
	PermissionBypass bool
}

// ExitStatus reports how an agent process ended.
type ExitStatus struct {
	// Code is the exit code; signals are reported as 128+signo.
	Code int
	// Err is set when the process failed at the OS level after starting.
	Err error
	// Stderr is the captured tail of the process's standard error.
	Stderr string
}

// Events are the callbacks a Launcher delivers for a running process. They
// must be invoked from goroutines other than the one calling Spawn. OnRecord
// is called from a single goroutine in arrival order, and OnExit is called
// once, after the last OnRecord.
type Events struct {
	OnRecord func(line []byte)
	OnExit   func(ExitStatus)
}

// Launcher starts agent processes for one transport.
type Launcher interface {
	Spawn(spec LaunchSpec, events Events) (Process, error)
}

// Process is a live agent process handle.
type Process interface {
	// Kill forcefully terminates the process tree without waiting.
	Kill() error
	// Release frees per-session resources. It is called exactly once, when
	// the session is finalized.
	Release()
	// Forget drops state kept for inspection after the process ended, such
	// as terminal output replay. It is called once, when the session is
	// removed from the registry.
	Forget()
	// TerminalID is the pseudo-terminal id, empty for piped processes.
	TerminalID() string
}
