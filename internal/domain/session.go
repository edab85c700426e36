// Package domain contains entities and pure rules, no transport or engine code.
package domain

import "fmt"

type SessionID string

// State is the negotiation lifecycle state of a session.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateGatheringCandidates
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateNegotiating:
		return "Negotiating"
	case StateGatheringCandidates:
		return "GatheringCandidates"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the session must leave the registry.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Event drives a State forward.
type Event int

const (
	EventOfferApplied Event = iota
	EventAnswerCreated
	EventConnected
	EventFailed
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventOfferApplied:
		return "OfferApplied"
	case EventAnswerCreated:
		return "AnswerCreated"
	case EventConnected:
		return "Connected"
	case EventFailed:
		return "Failed"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Transition returns the state that follows cur on ev.
//
// The coordinator drives New -> Negotiating -> GatheringCandidates. The engine
// may report Connected, Failed or Closed at any point, including before
// negotiation finished, so those events are accepted from every non-terminal
// state. Closed absorbs everything except a repeated Closed.
func Transition(cur State, ev Event) (State, error) {
	switch ev {
	case EventOfferApplied:
		if cur == StateNew {
			return StateNegotiating, nil
		}
	case EventAnswerCreated:
		switch cur {
		case StateNegotiating:
			return StateGatheringCandidates, nil
		case StateConnected:
			// engine reported connectivity before the answer was stored
			return StateConnected, nil
		}
	case EventConnected:
		switch cur {
		case StateNew, StateNegotiating, StateGatheringCandidates, StateConnected:
			return StateConnected, nil
		}
	case EventFailed:
		if cur != StateClosed {
			return StateFailed, nil
		}
	case EventClosed:
		return StateClosed, nil
	}
	return cur, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, cur, ev)
}
