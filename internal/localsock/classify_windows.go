//go:build windows

package localsock

import (
	"errors"
	"syscall"
)

const (
	errorPipeBusy  syscall.Errno = 231
	wsaConnRefused syscall.Errno = 10061
)

func isPlatformRefused(err error) bool {
	return errors.Is(err, wsaConnRefused) || errors.Is(err, errorPipeBusy)
}
