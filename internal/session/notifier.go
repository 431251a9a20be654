package session

// Notifier receives every timeline message and status transition, in the
// order they happened. Implementations must not block and must not call back
// into the Registry synchronously.
type Notifier interface {
	SessionMessage(id string, msg Message)
	SessionStatus(id string, status Status)
	SessionFinished(id string, c Completion)
}

// MultiNotifier fans notifications out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) SessionMessage(id string, msg Message) {
	for _, n := range m {
		n.SessionMessage(id, msg)
	}
}

func (m MultiNotifier) SessionStatus(id string, status Status) {
	for _, n := range m {
		n.SessionStatus(id, status)
	}
}

func (m MultiNotifier) SessionFinished(id string, c Completion) {
	for _, n := range m {
		n.SessionFinished(id, c)
	}
}

type nopNotifier struct{}

func (nopNotifier) SessionMessage(string, Message)     {}
func (nopNotifier) SessionStatus(string, Status)       {}
func (nopNotifier) SessionFinished(string, Completion) {}
