package handler

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/arenaguard/internal/identity"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

// Headers exchanged with the upstream application.
const (
	// HeaderUserID carries the verified user ID to the upstream. Any
	// client-supplied value is discarded.
	HeaderUserID = "X-Arenaguard-User-Id"

	// HeaderSecurityEvent lets the upstream report an event type for the
	// request, e.g. user_not_found on a login. Stripped before the response
	// reaches the client.
	HeaderSecurityEvent    = "X-Security-Event"
	HeaderSecuritySeverity = "X-Security-Severity"
)

// reportSlot receives an upstream-reported event for one request.
type reportSlot struct {
	Type     threat.EventType
	Severity threat.Severity
}

type reportKey struct{}

func withReportSlot(ctx context.Context) (context.Context, *reportSlot) {
	slot := &reportSlot{}
	return context.WithValue(ctx, reportKey{}, slot), slot
}

func reportSlotFrom(ctx context.Context) *reportSlot {
	slot, _ := ctx.Value(reportKey{}).(*reportSlot)
	return slot
}

// Proxy forwards admitted requests to the platform application.
type Proxy struct {
	rp     *httputil.ReverseProxy
	logger *zap.Logger
}

// NewProxy creates a Proxy for target.
func NewProxy(target *url.URL, logger *zap.Logger) *Proxy {
	p := &Proxy{logger: logger}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ModifyResponse = p.captureReport
	rp.ErrorHandler = p.upstreamError
	p.rp = rp
	return p
}

// Handle is the Gin handler that proxies the request.
func (p *Proxy) Handle(c *gin.Context) {
	c.Request.Header.Del(HeaderUserID)
	if uid := identity.UserIDFromCtx(c); uid != "" {
		c.Request.Header.Set(HeaderUserID, uid)
	}
	p.rp.ServeHTTP(c.Writer, c.Request)
}

func (p *Proxy) captureReport(resp *http.Response) error {
	typ := strings.TrimSpace(resp.Header.Get(HeaderSecurityEvent))
	sev := strings.TrimSpace(resp.Header.Get(HeaderSecuritySeverity))
	resp.Header.Del(HeaderSecurityEvent)
	resp.Header.Del(HeaderSecuritySeverity)
	if typ == "" {
		return nil
	}
	if slot := reportSlotFrom(resp.Request.Context()); slot != nil {
		slot.Type = threat.EventType(typ)
		slot.Severity = threat.Severity(sev)
	}
	return nil
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
}
