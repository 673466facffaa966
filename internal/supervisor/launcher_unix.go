//go:build unix

package supervisor

import "syscall"

// The engine gets its own process group so terminal signals reach only this process,
// which then tears the engine tree down itself.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
