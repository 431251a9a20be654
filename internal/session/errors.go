package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmission is returned when the concurrency ceiling is reached.
	ErrAdmission = errors.New("session limit reached")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidConfig is returned when a start request is rejected before
	// admission.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("registry closed")
	// ErrNotTerminal is returned for terminal operations on a pipe session.
	ErrNotTerminal = errors.New("session has no terminal")
)

// AdmissionError carries the ceiling that rejected a start.
type AdmissionError struct {
	Limit  int
	Active int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("maximum session limit reached (%d active, limit %d)", e.Active, e.Limit)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmission }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
