package handler

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/arenaguard/internal/alerts"
	"github.com/jmerrifield20/arenaguard/internal/audit"
	"github.com/jmerrifield20/arenaguard/internal/blocklist"
	"github.com/jmerrifield20/arenaguard/internal/defense"
	"github.com/jmerrifield20/arenaguard/internal/eventlog"
	"github.com/jmerrifield20/arenaguard/internal/identity"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultAuditLimit = 50

	// maxBlockTTLSeconds is the largest ttl_seconds that fits a time.Duration.
	maxBlockTTLSeconds = math.MaxInt64 / int64(time.Second)
)

// SecurityMonitor is the administrative view of the defense layer,
// satisfied by *defense.Monitor.
type SecurityMonitor interface {
	Block(ctx context.Context, originIP, reason string, ttl time.Duration, permanent bool) (blocklist.Entry, error)
	Unblock(ctx context.Context, originIP string) error
	Blocks(ctx context.Context) ([]blocklist.Entry, error)
	Events(ctx context.Context, f eventlog.Filter) ([]threat.Event, error)
	Dashboard(ctx context.Context) (defense.Dashboard, error)
	Alerts() *alerts.Dispatcher
}

// AdminHandler serves the security administration API.
type AdminHandler struct {
	monitor SecurityMonitor
	tokens  *identity.TokenIssuer
	audit   audit.Log
	logger  *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(monitor SecurityMonitor, tokens *identity.TokenIssuer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{monitor: monitor, tokens: tokens, logger: logger}
}

// SetAuditLog records every administrative action in log. Without one the
// audit endpoint answers 404.
func (h *AdminHandler) SetAuditLog(log audit.Log) {
	h.audit = log
}

// record appends an audit entry. The action has already happened, so a
// failure is logged and not returned to the caller.
func (h *AdminHandler) record(c *gin.Context, action, subject string, payload any) {
	if h.audit == nil {
		return
	}
	actor := "admin@" + c.ClientIP()
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		actor = claims.UserID + "@" + c.ClientIP()
	}
	if _, err := h.audit.Append(c.Request.Context(), action, actor, subject, payload); err != nil {
		h.logger.Error("audit append failed",
			zap.String("action", action),
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Register mounts the admin routes on rg under /admin/security.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	sec := rg.Group("/admin/security")
	sec.POST("/token", h.IssueToken)

	authed := sec.Group("", identity.RequireAdmin(h.tokens))
	authed.GET("/alerts", h.ListAlerts)
	authed.POST("/alerts/:id/resolve", h.ResolveAlert)
	authed.GET("/blocks", h.ListBlocks)
	authed.POST("/blocks", h.CreateBlock)
	authed.DELETE("/blocks/:ip", h.DeleteBlock)
	authed.GET("/events", h.ListEvents)
	authed.GET("/dashboard", h.Dashboard)
	authed.GET("/audit", h.ListAudit)
}

// IssueToken handles POST /admin/security/token.
// Body: {"secret": "<admin secret>"}.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}
	token, err := h.tokens.IssueAdminToken(req.Secret, 0)
	if errors.Is(err, identity.ErrInvalidSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	h.record(c, audit.ActionTokenIssued, "", nil)
	c.JSON(http.StatusOK, gin.H{"token": token, "token_type": "Bearer"})
}

// ListAlerts handles GET /admin/security/alerts?status=active|resolved|all.
func (h *AdminHandler) ListAlerts(c *gin.Context) {
	var status alerts.Status
	switch c.DefaultQuery("status", "active") {
	case "active":
		status = alerts.StatusActive
	case "resolved":
		status = alerts.StatusResolved
	case "all":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, resolved or all"})
		return
	}
	list := h.monitor.Alerts().List(status)
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// ResolveAlert handles POST /admin/security/alerts/:id/resolve.
func (h *AdminHandler) ResolveAlert(c *gin.Context) {
	a, err := h.monitor.Alerts().Resolve(c.Param("id"))
	if errors.Is(err, alerts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, audit.ActionResolveAlert, a.ID, gin.H{"type": a.Type, "origin_ip": a.OriginIP})
	c.JSON(http.StatusOK, a)
}

// ListBlocks handles GET /admin/security/blocks.
func (h *AdminHandler) ListBlocks(c *gin.Context) {
	blocks, err := h.monitor.Blocks(c.Request.Context())
	if err != nil {
		h.logger.Error("list blocks", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "block list unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// BlockRequest is the body of POST /admin/security/blocks.
type BlockRequest struct {
	IP         string `json:"ip" binding:"required"`
	Reason     string `json:"reason"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Permanent  bool   `json:"permanent"`
}

// CreateBlock handles POST /admin/security/blocks.
func (h *AdminHandler) CreateBlock(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if net.ParseIP(req.IP) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip must be a valid IPv4 or IPv6 address"})
		return
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
		return
	}
	if req.TTLSeconds > maxBlockTTLSeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds is too large; use permanent for an indefinite block"})
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual block"
	}

	entry, err := h.monitor.Block(c.Request.Context(), req.IP, req.Reason,
		time.Duration(req.TTLSeconds)*time.Second, req.Permanent)
	if err != nil {
		h.logger.Error("admin block", zap.String("ip", req.IP), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "block list unavailable"})
		return
	}
	h.record(c, audit.ActionBlock, entry.OriginIP, req)
	c.JSON(http.StatusCreated, entry)
}

// DeleteBlock handles DELETE /admin/security/blocks/:ip.
func (h *AdminHandler) DeleteBlock(c *gin.Context) {
	err := h.monitor.Unblock(c.Request.Context(), c.Param("ip"))
	if errors.Is(err, blocklist.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active block for that ip"})
		return
	}
	if err != nil {
		h.logger.Error("admin unblock", zap.String("ip", c.Param("ip")), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "block list unavailable"})
		return
	}
	h.record(c, audit.ActionUnblock, c.Param("ip"), nil)
	c.Status(http.StatusNoContent)
}

// ListEvents handles GET /admin/security/events?ip=&type=&since=&until=&limit=.
// since and until are RFC 3339 timestamps.
func (h *AdminHandler) ListEvents(c *gin.Context) {
	f := eventlog.Filter{
		OriginIP: c.Query("ip"),
		Type:     threat.EventType(c.Query("type")),
		Limit:    defaultEventLimit,
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be an RFC 3339 timestamp"})
			return
		}
		*dst = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, maxEventLimit)
	}

	events, err := h.monitor.Events(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("query events", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Dashboard handles GET /admin/security/dashboard.
func (h *AdminHandler) Dashboard(c *gin.Context) {
	d, err := h.monitor.Dashboard(c.Request.Context())
	if err != nil {
		h.logger.Error("dashboard", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dashboard unavailable"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListAudit handles GET /admin/security/audit?limit=. The response carries
// the newest entries, the chain root and the result of a full verification.
func (h *AdminHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit trail not configured"})
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	ctx := c.Request.Context()
	entries, err := h.audit.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("audit recent", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail unavailable"})
		return
	}
	root, err := h.audit.Root(ctx)
	if err != nil {
		h.logger.Error("audit root", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail unavailable"})
		return
	}
	resp := gin.H{"entries": entries, "count": len(entries), "root": root, "verified": true}
	if err := h.audit.Verify(ctx); err != nil {
		h.logger.Warn("audit trail verification failed", zap.Error(err))
		resp["verified"] = false
		resp["verify_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
