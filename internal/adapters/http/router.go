package http

import (
	"context"

	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/app/orch"
	"github.com/dkeye/callsync/internal/config"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SessionService is the UI-facing side of the orchestrator.
type SessionService interface {
	Start(ctx context.Context, req orch.StartRequest) (domain.SessionDescriptor, error)
	End(sid domain.SessionID, reason string) error
	Cancel(sid domain.SessionID) error
	Snapshot(sid domain.SessionID) (callsession.Snapshot, error)
	Subscribe(sid domain.SessionID, buffer int) (<-chan callsession.Event, func(), error)
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, svc SessionService, gatherer prometheus.Gatherer, limiter *StartRateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSyncSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{svc: svc, limiter: limiter}

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/session", h.current)
	api.POST("/sessions", h.start)
	api.GET("/sessions/:id", h.snapshot)
	api.POST("/sessions/:id/end", h.end)
	api.POST("/sessions/:id/cancel", h.cancel)
	api.GET("/sessions/:id/events", h.events)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
