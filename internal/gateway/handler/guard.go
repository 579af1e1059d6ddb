package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/arenaguard/internal/identity"
	"github.com/jmerrifield20/arenaguard/internal/ratelimit"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

// Defender is the part of the defense monitor the request path uses,
// satisfied by *defense.Monitor.
type Defender interface {
	IsBlocked(ctx context.Context, originIP string) bool
	ObserveRequest(ctx context.Context, o threat.Outcome) []threat.Event
	Record(ctx context.Context, ev threat.Event) (string, error)
}

// Admitter is satisfied by *ratelimit.Limiter.
type Admitter interface {
	Admit(ctx context.Context, identity, endpoint string, window time.Duration, limit int64) ratelimit.Decision
}

const (
	ctxRejected = "arenaguard_rejected"
	ctxPolicy   = "arenaguard_policy"
)

// Guard holds the defense middleware. Install Observe before BlockCheck and
// RateLimit so it sees the final response status.
type Guard struct {
	defender Defender
	limiter  Admitter
	routes   *ratelimit.Router
	logger   *zap.Logger
}

// NewGuard creates a Guard. routes may be nil to disable rate limiting.
func NewGuard(defender Defender, limiter Admitter, routes *ratelimit.Router, logger *zap.Logger) *Guard {
	return &Guard{defender: defender, limiter: limiter, routes: routes, logger: logger}
}

// Observe returns a middleware that classifies every served request once
// the rest of the chain has finished. Requests rejected by BlockCheck or
// RateLimit are not classified again.
func (g *Guard) Observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, slot := withReportSlot(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if c.GetBool(ctxRejected) {
			return
		}
		o := threat.Outcome{
			At:       start,
			OriginIP: c.ClientIP(),
			UserID:   identity.UserIDFromCtx(c),
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			RawQuery: c.Request.URL.RawQuery,
			Status:   c.Writer.Status(),
			Duration: time.Since(start),
		}
		if slot.Type != "" {
			o.Reported, o.ReportedSeverity = slot.Type, slot.Severity
		}
		// The response is already written; the request context may be
		// cancelled once the client goes away.
		g.defender.ObserveRequest(context.WithoutCancel(c.Request.Context()), o)
	}
}

// BlockCheck returns a middleware that rejects requests from blocked origins.
func (g *Guard) BlockCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.defender.IsBlocked(c.Request.Context(), c.ClientIP()) {
			c.Next()
			return
		}
		guardBlockedRequestsTotal.Inc()
		c.Set(ctxRejected, true)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":  "forbidden",
			"reason": "ip_blocked",
		})
	}
}

// RateLimit returns a middleware that admits each request against the
// policy matching its path.
func (g *Guard) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.routes == nil {
			c.Next()
			return
		}
		policy, ok := g.routes.Match(c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}

		ip := c.ClientIP()
		who := ip
		if policy.KeyBy == ratelimit.KeyByIdentity {
			if uid := identity.UserIDFromCtx(c); uid != "" {
				who = "user:" + uid
			}
		}

		d := g.limiter.Admit(c.Request.Context(), who, policy.Name, policy.Window, policy.Limit)
		c.Set(ctxPolicy, policy.Name)
		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if d.Allowed {
			c.Next()
			return
		}

		retryAfter := int64(math.Ceil(d.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		ev := threat.NewEvent(time.Now(), threat.EventRateLimitExceeded, threat.SeverityMedium, ip,
			"Rate limit exceeded for policy "+policy.Name)
		ev.UserID = identity.UserIDFromCtx(c)
		ev.Endpoint = c.Request.URL.Path
		ev.Method = c.Request.Method
		ev.StatusCode = http.StatusTooManyRequests
		ev.Details = map[string]any{"policy": policy.Name, "count": d.Count, "limit": d.Limit}
		if _, err := g.defender.Record(c.Request.Context(), ev); err != nil {
			g.logger.Warn("failed to record rate limit event", zap.Error(err))
		}

		c.Set(ctxRejected, true)
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate limit exceeded",
			"reason":     "rate_limited",
			"retryAfter": retryAfter,
		})
	}
}
