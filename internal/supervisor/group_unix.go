//go:build unix

package supervisor

import (
	"errors"
	"syscall"
)

// The launcher makes the engine a process-group leader, so its pid is the group id.

func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func terminateGroup(pgid int) error { return signalGroup(pgid, syscall.SIGTERM) }

func killGroup(pgid int) error { return signalGroup(pgid, syscall.SIGKILL) }

func groupAlive(pgid int) bool { return syscall.Kill(-pgid, 0) == nil }
