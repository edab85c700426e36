package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) sendCandidate(c *WsSignalConn, cand domain.Candidate) {
	ctl.sendJSON(c, message{
		Type:          "candidate",
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

// handleOffer starts a new session for the socket. A socket renegotiating
// from scratch drops its previous session first.
func (ctl *SignalWSController) handleOffer(ctx context.Context, c *WsSignalConn, msg message) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.token) {
		ctl.sendError(c, "too many offers")
		return
	}
	ctl.hangup(c)

	offer := domain.SessionDescription{Type: msg.Type, SDP: msg.SDP}
	answer, err := ctl.Orch.Offer(ctx, offer, func(_ domain.SessionID, cand domain.Candidate) {
		ctl.sendCandidate(c, cand)
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client", c.token).Msg("offer failed")
		ctl.sendError(c, err.Error())
		return
	}
	c.swapSession(answer.ID)

	ctl.sendJSON(c, message{Type: "answer", SDP: answer.SDP, ID: answer.ID})
}

func (ctl *SignalWSController) handleCandidate(ctx context.Context, c *WsSignalConn, msg message) {
	sid := c.session()
	if sid == "" {
		ctl.sendError(c, domain.ErrSessionNotFound.Error())
		return
	}
	cand := domain.Candidate{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if err := ctl.Orch.AddCandidate(ctx, sid, cand); err != nil {
		if !errors.Is(err, domain.ErrInvalidCandidate) {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add candidate")
		}
		ctl.sendError(c, err.Error())
	}
}
