// Package fsm holds the capture session state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

const (
	EventStart   Event = "start"
	EventStarted Event = "started"
	EventFail    Event = "fail"
	EventRebind  Event = "rebind"
	EventGiveUp  Event = "give_up"
	EventStop    Event = "stop"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle, StateStopped:
		switch event {
		case EventStart:
			return StateStarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarting:
		switch event {
		case EventStarted:
			return StateRunning, nil
		case EventGiveUp, EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRunning:
		switch event {
		case EventFail, EventRebind:
			return StateRestarting, nil
		case EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRestarting:
		switch event {
		case EventStarted:
			return StateRunning, nil
		case EventGiveUp, EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Active reports whether the state holds or is acquiring a stream.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
