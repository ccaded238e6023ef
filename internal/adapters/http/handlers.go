package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/callsync/internal/app"
	"github.com/dkeye/callsync/internal/app/orch"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionKey = "session_id"

type handlers struct {
	svc     SessionService
	limiter *StartRateLimiter
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) start(c *gin.Context) {
	token := c.GetString("client_token")
	if h.limiter != nil && !h.limiter.Allow(token) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many session starts"})
		return
	}

	var req orch.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid body"})
		return
	}

	desc, err := h.svc.Start(c.Request.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("booking", string(req.BookingID)).Msg("start rejected")
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	s := sessions.Default(c)
	s.Set(sessionKey, string(desc.SessionID))
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save cookie session")
	}
	c.JSON(http.StatusCreated, desc)
}

func (h *handlers) snapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(domain.SessionID(c.Param("id")))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// current returns the session last started from this browser.
func (h *handlers) current(c *gin.Context) {
	sid, _ := sessions.Default(c).Get(sessionKey).(string)
	if sid == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
		return
	}
	snap, err := h.svc.Snapshot(domain.SessionID(sid))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) end(c *gin.Context) {
	var req endRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.svc.End(domain.SessionID(c.Param("id")), req.Reason); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
}

func (h *handlers) cancel(c *gin.Context) {
	if err := h.svc.Cancel(domain.SessionID(c.Param("id"))); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, orch.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBookingIDEmpty),
		errors.Is(err, domain.ErrBookingIDTooLong),
		errors.Is(err, domain.ErrRoomIDEmpty),
		errors.Is(err, domain.ErrRoomIDTooLong),
		errors.Is(err, domain.ErrUnknownConsultation),
		errors.Is(err, domain.ErrUnknownRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
