package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goshtasb/xorj-landing-sub001/internal/auth"
	"github.com/goshtasb/xorj-landing-sub001/internal/circuitbreaker"
	"github.com/goshtasb/xorj-landing-sub001/internal/guard"
	"github.com/goshtasb/xorj-landing-sub001/internal/health"
	"github.com/goshtasb/xorj-landing-sub001/internal/killswitch"
	"github.com/goshtasb/xorj-landing-sub001/internal/metrics"
	"github.com/goshtasb/xorj-landing-sub001/internal/trade"
)

const (
	maxHaltMinutes     = 24 * 60
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
)

func (s *Server) setupRoutes() {
	r := s.router

	r.GET("/health", s.healthHandler)
	r.GET("/health/live", health.LiveHandler())
	r.GET("/health/ready", s.readyHandler)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws/events", gin.WrapF(s.hub.HandleWebSocket))

	v1 := r.Group("/v1")
	admin := auth.RequireAdmin(s.cfg.AdminAPIKey)

	// Circuit breakers and system halt
	v1.GET("/breakers", s.getBreakers)
	v1.POST("/breakers/:category/open", admin, s.openBreaker)
	v1.POST("/breakers/:category/close", admin, s.closeBreaker)
	v1.POST("/halt", admin, s.activateHalt)
	v1.DELETE("/halt", admin, s.liftHalt)

	// Slippage
	v1.GET("/slippage/breaker", s.getSlippageBreaker)
	v1.POST("/slippage/breaker/reset", admin, s.resetSlippageBreaker)
	v1.POST("/slippage/validate", s.validateTrade)
	v1.POST("/trades/admit", s.admitTrade)

	// Confirmation monitors
	v1.GET("/monitors", s.listMonitors)
	v1.GET("/monitors/:id", s.getMonitor)
	v1.DELETE("/monitors/:id", admin, s.forceCompleteMonitor)

	// Kill switch
	v1.GET("/killswitch", s.getKillSwitch)
	v1.GET("/killswitch/events", s.getKillSwitchEvents)
	v1.POST("/killswitch/activate", admin, s.activateKillSwitch)
	v1.POST("/killswitch/deactivate", admin, s.deactivateKillSwitch)
	v1.POST("/killswitch/maintenance", admin, s.killSwitchMaintenance)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	allowed, reason := s.breakers.IsTradingAllowed()
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"version":         Version,
		"trading_allowed": allowed && !s.killSwitch.TradingHalted(),
		"block_reason":    reason,
		"kill_switch":     s.killSwitch.State(),
		"active_monitors": s.monitor.ActiveCount(),
		"realtime":        s.hub.Stats(),
		"checks":          checks,
	})
}

func (s *Server) readyHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "starting or shutting down"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Circuit breakers
// -----------------------------------------------------------------------------

type reasonRequest struct {
	Reason string `json:"reason"`
}

// bindReason accepts an empty body; the reason defaults to fallback.
func bindReason(c *gin.Context, fallback string) (string, bool) {
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return "", false
		}
	}
	if req.Reason == "" {
		req.Reason = fallback
	}
	return req.Reason, true
}

func (s *Server) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.breakers.SystemStatus())
}

func (s *Server) openBreaker(c *gin.Context) {
	s.overrideBreaker(c, s.breakers.ForceOpen, "manual_override")
}

func (s *Server) closeBreaker(c *gin.Context) {
	s.overrideBreaker(c, s.breakers.ForceClose, "manual_override")
}

func (s *Server) overrideBreaker(c *gin.Context, op func(context.Context, circuitbreaker.Category, string) (bool, error), fallback string) {
	cat, err := circuitbreaker.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_category", "message": err.Error()})
		return
	}
	reason, ok := bindReason(c, fallback)
	if !ok {
		return
	}
	reason = reason + " (by " + auth.Operator(c) + ")"

	changed, err := op(c.Request.Context(), cat, reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	b, _ := s.breakers.Breaker(cat)
	c.JSON(http.StatusOK, gin.H{"changed": changed, "breaker": b.Status()})
}

type haltRequest struct {
	Reason          string `json:"reason" binding:"required,max=500"`
	DurationMinutes int    `json:"duration_minutes" binding:"min=0"`
}

func (s *Server) activateHalt(c *gin.Context) {
	var req haltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	if req.DurationMinutes > maxHaltMinutes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_duration",
			"message": "duration_minutes must not exceed " + strconv.Itoa(maxHaltMinutes),
		})
		return
	}
	s.breakers.Halt(c.Request.Context(), circuitbreaker.SourceOperator,
		req.Reason+" (by "+auth.Operator(c)+")",
		time.Duration(req.DurationMinutes)*time.Minute)
	c.JSON(http.StatusOK, gin.H{"halt": s.breakers.HaltState()})
}

func (s *Server) liftHalt(c *gin.Context) {
	reason, ok := bindReason(c, "manual_override")
	if !ok {
		return
	}
	if !s.breakers.HaltActive() {
		c.JSON(http.StatusConflict, gin.H{"error": "not_halted", "message": "No system halt is active"})
		return
	}
	// A halt placed by the kill switch is lifted only by deactivating it.
	if !s.breakers.LiftHalt(c.Request.Context(), circuitbreaker.SourceOperator, reason) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "halt_owned_elsewhere",
			"message": "Halt was placed by " + s.breakers.HaltState().Source,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifted": true})
}

// -----------------------------------------------------------------------------
// Slippage and admission
// -----------------------------------------------------------------------------

func (s *Server) getSlippageBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.slippage.BreakerStatus())
}

func (s *Server) resetSlippageBreaker(c *gin.Context) {
	reason, ok := bindReason(c, "manual_override")
	if !ok {
		return
	}
	reset := s.slippage.DeactivateBreaker(c.Request.Context(), reason)
	c.JSON(http.StatusOK, gin.H{"reset": reset, "breaker": s.slippage.BreakerStatus()})
}

func bindTrade(c *gin.Context) (*trade.GeneratedTrade, bool) {
	var t trade.GeneratedTrade
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid trade body"})
		return nil, false
	}
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_trade", "message": err.Error()})
		return nil, false
	}
	return &t, true
}

func (s *Server) validateTrade(c *gin.Context) {
	t, ok := bindTrade(c)
	if !ok {
		return
	}
	force := c.Query("force_refresh") == "true"
	c.JSON(http.StatusOK, s.slippage.ValidateTrade(c.Request.Context(), t, force))
}

func (s *Server) admitTrade(c *gin.Context) {
	t, ok := bindTrade(c)
	if !ok {
		return
	}
	analysis, err := s.guard.Admit(c.Request.Context(), t)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"admitted": true, "analysis": analysis})
		return
	}

	var ae *guard.AdmissionError
	if !errors.As(err, &ae) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_trade", "message": err.Error()})
		return
	}
	code := http.StatusUnprocessableEntity
	if ae.Halted {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"admitted": false,
		"halted":   ae.Halted,
		"reason":   ae.Reason,
		"analysis": analysis,
	})
}

// -----------------------------------------------------------------------------
// Confirmation monitors
// -----------------------------------------------------------------------------

func (s *Server) listMonitors(c *gin.Context) {
	active := s.monitor.Active()
	c.JSON(http.StatusOK, gin.H{"monitors": active, "count": len(active)})
}

func (s *Server) getMonitor(c *gin.Context) {
	tx, ok := s.monitor.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Monitor not found"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) forceCompleteMonitor(c *gin.Context) {
	reason, ok := bindReason(c, "manual_completion")
	if !ok {
		return
	}
	id := c.Param("id")
	if !s.monitor.ForceComplete(c.Request.Context(), id, reason+" (by "+auth.Operator(c)+")") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No active monitor with that id"})
		return
	}
	tx, _ := s.monitor.Status(id)
	c.JSON(http.StatusOK, tx)
}

// -----------------------------------------------------------------------------
// Kill switch
// -----------------------------------------------------------------------------

func (s *Server) getKillSwitch(c *gin.Context) {
	safe, issues := s.killSwitch.SafetyCheck()
	c.JSON(http.StatusOK, gin.H{
		"status":          s.killSwitch.Status(),
		"safe_to_recover": safe,
		"safety_issues":   issues,
	})
}

func (s *Server) getKillSwitchEvents(c *gin.Context) {
	limit := defaultEventsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventsLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and " + strconv.Itoa(maxEventsLimit),
			})
			return
		}
		limit = n
	}
	resp := gin.H{"events": s.killSwitch.Events(limit)}
	if c.Query("verify_log") == "true" {
		tampered := s.killSwitch.VerifyLog()
		resp["log_intact"] = tampered < 0
		if tampered >= 0 {
			resp["first_tampered_index"] = tampered
		}
	}
	c.JSON(http.StatusOK, resp)
}

type killSwitchRequest struct {
	Reason string `json:"reason" binding:"max=500"`
	Key    string `json:"key"`
	Force  bool   `json:"force"`
	Action string `json:"action" binding:"omitempty,oneof=enter end"`
}

func bindKillSwitch(c *gin.Context) (killSwitchRequest, bool) {
	var req killSwitchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return req, false
		}
	}
	return req, true
}

func (s *Server) activateKillSwitch(c *gin.Context) {
	req, ok := bindKillSwitch(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual API activation"
	}
	err := s.killSwitch.Activate(c.Request.Context(), req.Reason, killswitch.MethodManualAPI, auth.Operator(c), req.Key)
	if err != nil {
		killSwitchError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.killSwitch.Status())
}

func (s *Server) deactivateKillSwitch(c *gin.Context) {
	req, ok := bindKillSwitch(c)
	if !ok {
		return
	}
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key_required", "message": "An authorized kill switch key is required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual API deactivation"
	}
	err := s.killSwitch.Deactivate(c.Request.Context(), killswitch.DeactivateRequest{
		Reason: req.Reason,
		Key:    req.Key,
		UserID: auth.Operator(c),
		Force:  req.Force,
	})
	if err != nil {
		killSwitchError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.killSwitch.Status())
}

func (s *Server) killSwitchMaintenance(c *gin.Context) {
	req, ok := bindKillSwitch(c)
	if !ok {
		return
	}
	var err error
	ctx := c.Request.Context()
	if req.Action == "end" {
		if req.Reason == "" {
			req.Reason = "Maintenance complete"
		}
		err = s.killSwitch.EndMaintenance(ctx, req.Reason, req.Key, auth.Operator(c))
	} else {
		if req.Reason == "" {
			req.Reason = "Planned maintenance"
		}
		err = s.killSwitch.EnterMaintenance(ctx, req.Reason, req.Key, auth.Operator(c))
	}
	if err != nil {
		killSwitchError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.killSwitch.Status())
}

func killSwitchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, killswitch.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Invalid or insufficient kill switch key"})
	case errors.Is(err, killswitch.ErrAlreadyTriggered),
		errors.Is(err, killswitch.ErrNotTriggered),
		errors.Is(err, killswitch.ErrRetriggered),
		errors.Is(err, killswitch.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, killswitch.ErrUnsafe):
		c.JSON(http.StatusConflict, gin.H{"error": "unsafe", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
