package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/app/orch"
	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

// Limiter decides whether a client may start another negotiation.
type Limiter interface {
	Allow(key string) bool
}

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Limiter    Limiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, limiter Limiter, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

// WsSignalConn is one signaling socket. It owns at most one session at a
// time; closing the socket hangs that session up.
type WsSignalConn struct {
	conn  *websocket.Conn
	send  chan core.Frame
	token string

	mu     sync.RWMutex
	closed bool
	sid    domain.SessionID
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *WsSignalConn) session() domain.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// swapSession records sid and returns the previous one.
func (c *WsSignalConn) swapSession(sid domain.SessionID) domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sid
	c.sid = sid
	return prev
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	logger := log.With().Str("module", "signal").Str("client", token).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Msg("new WS connection")

	conn := &WsSignalConn{
		conn:  ws,
		send:  make(chan core.Frame, 32),
		token: token,
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

// hangup ends the socket's session, if any.
func (ctl *SignalWSController) hangup(c *WsSignalConn) {
	sid := c.swapSession("")
	if sid == "" {
		return
	}
	if err := ctl.Orch.Hangup(sid); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("hangup")
	}
}
