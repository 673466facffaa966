package localsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/rbright/oslctl/internal/errs"
)

// classify maps backend errors onto the shared taxonomy while keeping the cause in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isTimeout(err):
		return fmt.Errorf("%s: %w: %w", op, errs.ErrTimeout, err)
	case isRefused(err):
		return fmt.Errorf("%s: %w: %w", op, errs.ErrConnectionRefused, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrConnection, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isRefused reports no-listener failures, including a missing socket file or pipe.
func isRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, os.ErrNotExist) ||
		isPlatformRefused(err)
}
