//go:build windows

package proc

import (
	"os/exec"
	"strconv"
)

// Isolate is a no-op on windows; KillTree walks the tree instead.
func Isolate(cmd *exec.Cmd) {}

// KillTree terminates pid and all of its descendants. Windows has no
// process-group signal, so this shells out to taskkill.
func KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func exitCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
