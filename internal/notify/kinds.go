// Package notify receives push notifications from the engine on a local listening socket
// and fans them out to typed subscriptions.
package notify

import (
	"fmt"
	"slices"
	"strings"
)

// Notification kinds emitted by the engine.
const (
	ServerUp   = "SERVER_UP"
	ServerDown = "SERVER_DOWN"

	LogInfo    = "LOG_INFO"
	LogWarning = "LOG_WARNING"
	LogError   = "LOG_ERROR"
	LogDebug   = "LOG_DEBUG"

	ExecutionStarted  = "EXECUTION_STARTED"
	ProcessingStarted = "PROCESSING_STARTED"
	ExecutionFinished = "EXECUTION_FINISHED"
	NothingProcessed  = "NOTHING_PROCESSED"
	CheckFailed       = "CHECK_FAILED"
	ExecFailed        = "EXEC_FAILED"

	ActorStateChanged    = "ACTOR_STATE_CHANGED"
	ActorActiveChanged   = "ACTOR_ACTIVE_CHANGED"
	ActorNameChanged     = "ACTOR_NAME_CHANGED"
	ActorContentsChanged = "ACTOR_CONTENTS_CHANGED"
	ActorDataChanged     = "ACTOR_DATA_CHANGED"

	// All subscribes to every kind.
	All = "ALL"
)

var catalog = []string{
	ServerUp, ServerDown,
	LogInfo, LogWarning, LogError, LogDebug,
	ExecutionStarted, ProcessingStarted, ExecutionFinished, NothingProcessed, CheckFailed, ExecFailed,
	ActorStateChanged, ActorActiveChanged, ActorNameChanged, ActorContentsChanged, ActorDataChanged,
}

// Kinds returns every concrete notification kind.
func Kinds() []string {
	return slices.Clone(catalog)
}

// Known reports whether kind is a concrete kind or All.
func Known(kind string) bool {
	return kind == All || slices.Contains(catalog, kind)
}

// ParseKinds normalizes names (case, surrounding space) and rejects unknown ones.
func ParseKinds(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		kind := strings.ToUpper(strings.TrimSpace(name))
		if kind == "" {
			continue
		}
		if !Known(kind) {
			return nil, fmt.Errorf("unknown notification %q", name)
		}
		if !slices.Contains(out, kind) {
			out = append(out, kind)
		}
	}
	return out, nil
}
