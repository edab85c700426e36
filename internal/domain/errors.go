package domain

import "errors"

var (
	ErrInvalidOffer      = errors.New("invalid offer")
	ErrInvalidCandidate  = errors.New("invalid candidate")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrCandidateRejected = errors.New("candidate rejected")
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrCandidateTooEarly is returned for a candidate that arrives before the
	// remote description was applied. Clients may retry it.
	ErrCandidateTooEarly = errors.New("candidate arrived before offer was applied")
	ErrTooManySessions   = errors.New("too many sessions")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrShuttingDown      = errors.New("server is shutting down")
)
