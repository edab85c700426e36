package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// message is the envelope for every signaling message in both directions.
type message struct {
	Type          string           `json:"type"`
	SDP           string           `json:"sdp,omitempty"`
	ID            domain.SessionID `json:"id,omitempty"`
	Candidate     string           `json:"candidate,omitempty"`
	SDPMid        *string          `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16          `json:"sdpMLineIndex,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("client", c.token).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		ctl.hangup(c)
		cancel()
		c.Close()
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "malformed message")
		return
	}

	switch msg.Type {
	case "offer":
		ctl.handleOffer(ctx, c, msg)
	case "candidate":
		ctl.handleCandidate(ctx, c, msg)
	case "ping":
		ctl.handlePing(c)
	case "hangup":
		ctl.handleHangup(c)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.sendError(c, "unknown message type")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, text string) {
	ctl.sendJSON(c, message{Type: "error", Error: text})
}
