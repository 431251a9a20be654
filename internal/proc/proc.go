// Package proc holds the platform-specific parts of child process control:
// process-group placement, forceful tree kill, and exit status decoding.
package proc

import (
	"errors"
	"os/exec"
)

// Exit describes how a child process ended.
type Exit struct {
	// Code is the exit code. Processes killed by a signal report 128+signo.
	Code int
	// Err is set when the process could not be waited on or failed at the
	// OS level rather than exiting with a status.
	Err error
}

// Decode converts the error returned by exec.Cmd.Wait into an Exit.
func Decode(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Exit{Code: exitCode(exitErr)}
	}
	return Exit{Code: -1, Err: err}
}
