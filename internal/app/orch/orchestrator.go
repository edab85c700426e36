package orch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Broadcast/internal/app"
	"github.com/dkeye/Broadcast/internal/app/sfu"
	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultGatherTimeout = 10 * time.Second

// Answer is returned to the client together with the session id so later
// candidate messages can be correlated.
type Answer struct {
	Type string           `json:"type"`
	SDP  string           `json:"sdp"`
	ID   domain.SessionID `json:"id"`
}

// Orchestrator drives offer/answer and candidate trickling for sessions.
type Orchestrator struct {
	Registry  *app.Registry
	Relay     *sfu.Relay
	Engine    core.Engine
	Policy    app.Policy
	Lifecycle *Lifecycle

	// GatherTimeout bounds the candidate gathering wait before answering.
	GatherTimeout time.Duration
}

func (o *Orchestrator) gatherTimeout() time.Duration {
	if o.GatherTimeout <= 0 {
		return DefaultGatherTimeout
	}
	return o.GatherTimeout
}

func (o *Orchestrator) policy() app.Policy {
	if o.Policy == nil {
		return app.SimplePolicy{}
	}
	return o.Policy
}

// Offer creates a session for an inbound offer and negotiates it.
// onCandidate, if set, receives locally gathered candidates for trickling.
func (o *Orchestrator) Offer(ctx context.Context, offer domain.SessionDescription, onCandidate func(domain.SessionID, domain.Candidate)) (Answer, error) {
	conn, err := o.Engine.NewConnection()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("new connection")
		return Answer{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	id, _, err := o.Registry.Create(conn, DeclaresMedia(offer.SDP))
	if err != nil {
		_ = conn.Close()
		return Answer{}, err
	}

	conn.OnStateChange(func(s core.ConnState) {
		o.Lifecycle.Notify(id, s)
	})
	if onCandidate != nil {
		conn.OnICECandidate(func(c domain.Candidate) { onCandidate(id, c) })
	}

	return o.Negotiate(ctx, id, offer)
}

// Negotiate applies offer to a registered session and returns its answer.
// Any failure after lookup tears the session down.
func (o *Orchestrator) Negotiate(ctx context.Context, id domain.SessionID, offer domain.SessionDescription) (Answer, error) {
	sess, ok := o.Registry.Get(id)
	if !ok {
		return Answer{}, domain.ErrSessionNotFound
	}
	logger := log.With().Str("module", "orch").Str("sid", string(id)).Logger()
	conn := sess.Conn()

	if err := validateOffer(offer); err != nil {
		logger.Warn().Err(err).Msg("rejecting offer")
		o.Lifecycle.Terminate(id, domain.EventFailed)
		return Answer{}, err
	}

	err := sess.WithNegotiationLock(func() error {
		if err := conn.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
		}
		if _, err := sess.Advance(domain.EventOfferApplied); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
		}
		for _, c := range sess.MarkRemoteSet() {
			if err := conn.AddICECandidate(c); err != nil {
				logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("apply offer")
		o.Lifecycle.Terminate(id, domain.EventFailed)
		return Answer{}, err
	}

	if sess.HasMedia() {
		o.attachMedia(sess)
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		logger.Error().Err(err).Msg("create answer")
		o.Lifecycle.Terminate(id, domain.EventFailed)
		return Answer{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	gatherComplete := conn.GatheringComplete()
	if err := conn.SetLocalDescription(answer); err != nil {
		logger.Error().Err(err).Msg("set local description")
		o.Lifecycle.Terminate(id, domain.EventFailed)
		return Answer{}, fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	if _, err := sess.Advance(domain.EventAnswerCreated); err != nil {
		// the engine failed or closed the session while we were answering
		logger.Warn().Err(err).Msg("session ended during negotiation")
		o.Lifecycle.Terminate(id, domain.EventFailed)
		return Answer{}, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	o.awaitGathering(ctx, gatherComplete, id)

	local := conn.LocalDescription()
	if local == nil {
		local = &answer
	}
	logger.Info().Bool("media", sess.Track() != nil).Msg("answer ready")
	return Answer{Type: domain.SDPTypeAnswer, SDP: local.SDP, ID: id}, nil
}

// awaitGathering waits for gathering to finish, the timeout, or ctx.
// Running out of time is not an error: the partial answer is still usable.
func (o *Orchestrator) awaitGathering(ctx context.Context, done <-chan struct{}, id domain.SessionID) {
	timer := time.NewTimer(o.gatherTimeout())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("module", "orch").Str("sid", string(id)).Dur("timeout", o.gatherTimeout()).Msg("gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		log.Warn().Str("module", "orch").Str("sid", string(id)).Err(ctx.Err()).Msg("gathering wait cancelled")
	}
}

// AddCandidate applies a trickled remote candidate to its session.
func (o *Orchestrator) AddCandidate(_ context.Context, id domain.SessionID, c domain.Candidate) error {
	sess, ok := o.Registry.Get(id)
	if !ok {
		log.Warn().Str("module", "orch").Str("sid", string(id)).Msg("candidate: no session for")
		return domain.ErrSessionNotFound
	}
	c.Candidate = strings.TrimPrefix(strings.TrimSpace(c.Candidate), "a=")
	if err := validateCandidate(c); err != nil {
		return err
	}

	return sess.WithNegotiationLock(func() error {
		if !sess.RemoteSet() {
			switch o.policy().OnPrematureCandidate(sess) {
			case app.QueueCandidate:
				sess.QueueCandidate(c)
				return nil
			default:
				return domain.ErrCandidateTooEarly
			}
		}
		if err := sess.Conn().AddICECandidate(c); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(id)).Msg("add ice candidate")
			return fmt.Errorf("%w: %v", domain.ErrCandidateRejected, err)
		}
		return nil
	})
}

// Hangup closes a session at the client's request.
func (o *Orchestrator) Hangup(id domain.SessionID) error {
	if !o.Lifecycle.Terminate(id, domain.EventClosed) {
		return domain.ErrSessionNotFound
	}
	return nil
}

func validateOffer(offer domain.SessionDescription) error {
	if strings.TrimSpace(offer.SDP) == "" {
		return fmt.Errorf("%w: missing sdp", domain.ErrInvalidOffer)
	}
	if offer.Type != domain.SDPTypeOffer {
		return fmt.Errorf("%w: type %q is not an offer", domain.ErrInvalidOffer, offer.Type)
	}
	return nil
}

func validateCandidate(c domain.Candidate) error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: missing candidate", domain.ErrInvalidCandidate)
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		return fmt.Errorf("%w: malformed candidate %q", domain.ErrInvalidCandidate, c.Candidate)
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: missing sdpMid and sdpMLineIndex", domain.ErrInvalidCandidate)
	}
	return nil
}
