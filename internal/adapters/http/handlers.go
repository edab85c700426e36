package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Broadcast/internal/app/orch"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionKeySID = "sid"

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type candidateRequest struct {
	ID            domain.SessionID `json:"id"`
	Candidate     string           `json:"candidate"`
	SDPMid        *string          `json:"sdpMid"`
	SDPMLineIndex *uint16          `json:"sdpMLineIndex"`
}

type hangupRequest struct {
	ID domain.SessionID `json:"id"`
}

type Handlers struct {
	Orch    *orch.Orchestrator
	Limiter *OfferRateLimiter
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOffer),
		errors.Is(err, domain.ErrInvalidCandidate),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrCandidateRejected):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCandidateTooEarly):
		return http.StatusTooEarly
	case errors.Is(err, domain.ErrTooManySessions),
		errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) Offer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "malformed offer: %v", err)
		return
	}
	if !h.Limiter.Allow(c.GetString("client_token")) {
		c.String(http.StatusTooManyRequests, "too many offers")
		return
	}

	answer, err := h.Orch.Offer(c.Request.Context(), domain.SessionDescription{Type: req.Type, SDP: req.SDP}, nil)
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionKeySID, string(answer.ID))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("sid", string(answer.ID)).Msg("save cookie session")
	}
	c.JSON(http.StatusOK, answer)
}

func (h *Handlers) Candidate(c *gin.Context) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "malformed candidate: %v", err)
		return
	}
	if req.ID == "" || req.Candidate == "" {
		c.String(http.StatusBadRequest, "missing id or candidate")
		return
	}

	err := h.Orch.AddCandidate(c.Request.Context(), req.ID, domain.Candidate{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}
	c.String(http.StatusOK, "ok")
}

// Hangup closes the given session, or the one stored in the cookie session.
func (h *Handlers) Hangup(c *gin.Context) {
	var req hangupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.String(http.StatusBadRequest, "malformed hangup: %v", err)
			return
		}
	}
	sess := sessions.Default(c)
	cookieID, _ := sess.Get(sessionKeySID).(string)
	id := req.ID
	if id == "" {
		id = domain.SessionID(cookieID)
	}
	if id == "" {
		c.String(http.StatusBadRequest, "no session")
		return
	}

	if err := h.Orch.Hangup(id); err != nil {
		c.String(statusFor(err), err.Error())
		return
	}
	if string(id) == cookieID {
		sess.Delete(sessionKeySID)
		_ = sess.Save()
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Orch.Registry.Snapshot()})
}

func (h *Handlers) Health(c *gin.Context) {
	media, subscribers := false, 0
	if h.Orch.Relay != nil {
		media = h.Orch.Relay.Available()
		subscribers = h.Orch.Relay.Subscribers()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"media":       media,
		"subscribers": subscribers,
		"sessions":    h.Orch.Registry.Len(),
	})
}
