package http

import (
	"context"
	"path/filepath"

	"github.com/dkeye/Broadcast/internal/adapters/signal"
	"github.com/dkeye/Broadcast/internal/app/orch"
	"github.com/dkeye/Broadcast/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenCookie = "ct"

// ClientTokenMiddleware identifies the caller for rate limiting. Browsers
// carry the "ct" cookie; a request without it is keyed by remote address
// and offered a fresh cookie for next time.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			c.SetCookie(clientTokenCookie, uuid.NewString(), 3600*24*7, "/", "", false, true)
			token = "ip:" + c.ClientIP()
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true})
	r.Use(sessions.Sessions("BroadcastSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(filepath.Join(cfg.StaticPath, "index.html"))
	})

	limiter := NewOfferRateLimiter(cfg.OfferRate, cfg.OfferBurst)
	h := &Handlers{Orch: o, Limiter: limiter}

	r.POST("/offer", h.Offer)
	r.POST("/candidate", h.Candidate)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.POST("/hangup", h.Hangup)
	api.GET("/sessions", h.Sessions)
	api.GET("/health", h.Health)

	ctrl := signal.NewSignalWSController(o, limiter, cfg.ReadLimit, cfg.PingPeriod)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
