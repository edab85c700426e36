package app

import "fmt"

// PrematureAction decides what happens to a candidate that arrives before
// the offer was applied to its session.
type PrematureAction int

const (
	RejectCandidate PrematureAction = iota
	QueueCandidate
)

type Policy interface {
	OnPrematureCandidate(sess *Session) PrematureAction
}

// SimplePolicy rejects premature candidates; clients retry them.
type SimplePolicy struct{}

func (SimplePolicy) OnPrematureCandidate(*Session) PrematureAction {
	return RejectCandidate
}

// QueuePolicy buffers up to Limit premature candidates per session and
// replays them once the offer is applied.
type QueuePolicy struct {
	Limit int
}

func (p QueuePolicy) OnPrematureCandidate(sess *Session) PrematureAction {
	if p.Limit > 0 && sess.Pending() >= p.Limit {
		return RejectCandidate
	}
	return QueueCandidate
}

const defaultQueueLimit = 32

func PolicyFromString(name string) (Policy, error) {
	switch name {
	case "", "reject":
		return SimplePolicy{}, nil
	case "queue":
		return QueuePolicy{Limit: defaultQueueLimit}, nil
	default:
		return nil, fmt.Errorf("unknown candidate policy %q", name)
	}
}
