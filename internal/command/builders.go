package command

import (
	"errors"
	"fmt"
	"strings"
)

// Command names understood by the engine.
const (
	NameEvaluateDesign                = "EVALUATE_DESIGN"
	NameNew                           = "NEW"
	NameRefreshListenerRegistration   = "REFRESH_LISTENER_REGISTRATION"
	NameRegisterListener              = "REGISTER_LISTENER"
	NameRemoveNode                    = "REMOVE_NODE"
	NameReset                         = "RESET"
	NameRestart                       = "RESTART"
	NameSave                          = "SAVE"
	NameSaveAs                        = "SAVE_AS"
	NameSaveCopy                      = "SAVE_COPY"
	NameShutdown                      = "SHUTDOWN"
	NameShutdownWhenFinished          = "SHUTDOWN_WHEN_FINISHED"
	NameStart                         = "START"
	NameStop                          = "STOP"
	NameStopGently                    = "STOP_GENTLY"
	NameSubscribeForPushNotifications = "SUBSCRIBE_FOR_PUSH_NOTIFICATIONS"
	NameUnregisterListener            = "UNREGISTER_LISTENER"
)

// DefaultListenerTimeoutMS is the engine's unregister policy when none is sent.
const DefaultListenerTimeoutMS = 60000

// Builtin builds an arbitrary builtin command.
func Builtin(name string, args map[string]any) Command {
	return Command{Type: TypeBuiltin, Name: name, Args: args}
}

// Start runs the whole project, or one actor state when actorUID and hid are given.
func Start(actorUID, hid string) (Command, error) { return actorScoped(NameStart, actorUID, hid) }

// Stop requests a stop of the project or one actor state.
func Stop(actorUID, hid string) (Command, error) { return actorScoped(NameStop, actorUID, hid) }

// StopGently lets running designs finish before stopping.
func StopGently(actorUID, hid string) (Command, error) {
	return actorScoped(NameStopGently, actorUID, hid)
}

// Reset resets the project or one actor state.
func Reset(actorUID, hid string) (Command, error) { return actorScoped(NameReset, actorUID, hid) }

func actorScoped(name, actorUID, hid string) (Command, error) {
	switch {
	case actorUID != "" && hid == "":
		return Command{}, errors.New("the hierarchical id (hid) is required with an actor uid")
	case actorUID == "" && hid != "":
		return Command{}, errors.New("the actor uid is required with a hierarchical id (hid)")
	}
	return Command{Type: TypeBuiltin, Name: name, ActorUID: actorUID, HID: hid}, nil
}

func Restart() Command              { return Builtin(NameRestart, nil) }
func Save() Command                 { return Builtin(NameSave, nil) }
func New() Command                  { return Builtin(NameNew, nil) }
func Shutdown() Command             { return Builtin(NameShutdown, nil) }
func ShutdownWhenFinished() Command { return Builtin(NameShutdownWhenFinished, nil) }

// SaveAsOptions mirrors the engine's SAVE_AS flags.
type SaveAsOptions struct {
	Force   bool
	Restore bool
	Reset   bool
}

func SaveAs(path string, opts SaveAsOptions) Command {
	return Builtin(NameSaveAs, map[string]any{
		"path":       path,
		"do_force":   opts.Force,
		"do_restore": opts.Restore,
		"do_reset":   opts.Reset,
	})
}

func SaveCopy(path string) Command {
	return Builtin(NameSaveCopy, map[string]any{"path": path})
}

// EvaluateDesign evaluates one design given parameter name to value.
func EvaluateDesign(parameters map[string]any) Command {
	return Builtin(NameEvaluateDesign, map[string]any{"parameters": parameters})
}

func RemoveNode(actorUID string) Command {
	return Command{Type: TypeBuiltin, Name: NameRemoveNode, ActorUID: actorUID}
}

// ListenerRegistration describes a REGISTER_LISTENER request. Exactly one of ID or
// Host+Port addresses the listener.
type ListenerRegistration struct {
	ID            string
	Host          string
	Port          int
	TimeoutMS     int
	Notifications []string
	UID           string
}

func RegisterListener(reg ListenerRegistration) (Command, error) {
	hasAddr := reg.Host != "" || reg.Port != 0
	switch {
	case reg.ID != "" && hasAddr:
		return Command{}, errors.New("register listener: specify either id or host and port")
	case reg.ID == "" && (reg.Host == "" || reg.Port == 0):
		return Command{}, errors.New("register listener: specify either id or host and port")
	}

	args := map[string]any{}
	if reg.ID != "" {
		args["id"] = reg.ID
	} else {
		args["host"] = reg.Host
		args["port"] = reg.Port
	}
	if reg.TimeoutMS > 0 {
		args["timeout"] = reg.TimeoutMS
	}
	if reg.Notifications != nil {
		args["notifications"] = reg.Notifications
	}
	if reg.UID != "" {
		args["uid"] = reg.UID
	}
	return Builtin(NameRegisterListener, args), nil
}

func RefreshListenerRegistration(uid string) Command {
	return Builtin(NameRefreshListenerRegistration, map[string]any{"uid": uid})
}

func UnregisterListener(uid string) Command {
	return Builtin(NameUnregisterListener, map[string]any{"uid": uid})
}

// SubscribeForPushNotifications extends an existing listener registration.
func SubscribeForPushNotifications(uid string, notifications []string, nodeTypes []string) (Command, error) {
	if len(notifications) == 0 {
		return Command{}, errors.New("subscribe: at least one notification is required")
	}
	for _, n := range notifications {
		if strings.TrimSpace(n) == "" {
			return Command{}, fmt.Errorf("subscribe: empty notification name in %v", notifications)
		}
	}
	args := map[string]any{"uid": uid, "notifications": notifications}
	if nodeTypes != nil {
		args["node_types"] = nodeTypes
	}
	return Builtin(NameSubscribeForPushNotifications, args), nil
}
