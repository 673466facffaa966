// Package errs defines the error taxonomy shared by transport, command, and process layers.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport marks socket or pipe failures.
	ErrTransport = errors.New("transport error")
	// ErrTimeout marks an expired deadline on connect, send, recv, or wait.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)
	// ErrConnectionRefused marks an absent endpoint.
	ErrConnectionRefused = fmt.Errorf("%w: connection refused", ErrTransport)
	// ErrConnection marks an I/O failure mid-operation or use of an unusable connection.
	ErrConnection = fmt.Errorf("%w: connection error", ErrTransport)
	// ErrEmptyResponse is returned when a zero-length frame arrives where a payload is required.
	ErrEmptyResponse = errors.New("empty response")
	// ErrDisposed is returned by operations on a disposed listener or server.
	ErrDisposed = errors.New("disposed")
	// ErrProcessNotRunning is returned when the supervised process is not alive.
	ErrProcessNotRunning = errors.New("engine process is not running")
	// ErrExecutionFailed is returned when the engine reports a failed project run.
	ErrExecutionFailed = errors.New("project execution failed")
)

// CommandError reports an engine-side rejection of a well-formed request.
type CommandError struct {
	Command string
	Message string
	StdErr  string
}

func (e *CommandError) Error() string {
	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "command failed"
	}
	if e.StdErr != "" {
		msg += "; " + e.StdErr
	}
	if e.Command == "" {
		return "command error: " + msg
	}
	return fmt.Sprintf("command %s: %s", e.Command, msg)
}

// ResponseFormatError reports a frame or payload that violates the wire format.
type ResponseFormatError struct {
	Reason string
}

func (e *ResponseFormatError) Error() string {
	return "response format: " + e.Reason
}

// StartupError reports that the engine did not become reachable.
type StartupError struct {
	Reason    string
	ExitCode  int
	Exited    bool
	Licensing bool
}

func (e *StartupError) Error() string {
	switch {
	case e.Licensing:
		return fmt.Sprintf("engine startup failed: licensing error (exit code %d)", e.ExitCode)
	case e.Exited:
		return fmt.Sprintf("engine startup failed: %s (exit code %d)", e.Reason, e.ExitCode)
	default:
		return "engine startup failed: " + e.Reason
	}
}

// TerminationError lists descendants that survived a forced kill.
type TerminationError struct {
	Survivors []int32
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("engine termination left %d process(es) alive: %v", len(e.Survivors), e.Survivors)
}

// IsCommandError reports whether err wraps a CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}
