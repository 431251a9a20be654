package session

// event is something that happened to a session's process.
type event string

const (
	evSpawned        event = "spawned"
	evSpawnFailed    event = "spawn_failed"
	evExitedOK       event = "exited_ok"
	evExitedAbnormal event = "exited_abnormal"
	evProcessError   event = "process_error"
	evTimedOut       event = "timed_out"
	evCancelled      event = "cancelled"
)

type transitionKey struct {
	from Status
	ev   event
}

// transitions is the complete state machine. A (status, event) pair with no
// entry is illegal and leaves the session untouched; terminal statuses have
// no outgoing entries, so a session is finalized at most once.
var transitions = map[transitionKey]Status{
	{StatusStarting, evSpawned}:     StatusRunning,
	{StatusStarting, evSpawnFailed}: StatusError,
	{StatusStarting, evCancelled}:   StatusCancelled,

	{StatusRunning, evExitedOK}:       StatusCompleted,
	{StatusRunning, evExitedAbnormal}: StatusError,
	{StatusRunning, evProcessError}:   StatusError,
	{StatusRunning, evTimedOut}:       StatusError,
	{StatusRunning, evCancelled}:      StatusCancelled,
}

// next returns the status reached by applying ev in from.
func next(from Status, ev event) (Status, bool) {
	to, ok := transitions[transitionKey{from, ev}]
	return to, ok
}
