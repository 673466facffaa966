// Package fsm encodes the notification listener lifecycle.
package fsm

import "fmt"

type State string

type Event string

const (
	StateCreated    State = "created"
	StateListening  State = "listening"
	StateRegistered State = "registered"
	StateRefreshing State = "refreshing"
	StateDisposed   State = "disposed"
)

const (
	EventListen    Event = "listen"
	EventRegister  Event = "register"
	EventRefresh   Event = "refresh"
	EventRefreshed Event = "refreshed"
	EventDispose   Event = "dispose"
)

func Transition(current State, event Event) (State, error) {
	if event == EventDispose && current != StateDisposed {
		return StateDisposed, nil
	}

	switch current {
	case StateCreated:
		switch event {
		case EventListen:
			return StateListening, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListening:
		switch event {
		case EventRegister:
			return StateRegistered, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRegistered:
		switch event {
		case EventRefresh:
			return StateRefreshing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRefreshing:
		switch event {
		case EventRefreshed, EventRegister:
			return StateRegistered, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDisposed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Active reports whether the listener accepts notifications in s.
func Active(s State) bool {
	return s == StateListening || s == StateRegistered || s == StateRefreshing
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
