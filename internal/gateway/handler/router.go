// Package handler provides the gateway's HTTP layer: the defense middleware,
// the upstream proxy, the security admin API and Prometheus metrics.
package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/arenaguard/internal/health"
	"github.com/jmerrifield20/arenaguard/internal/identity"
	"go.uber.org/zap"
)

// RouterConfig holds the HTTP-level settings of the gateway.
type RouterConfig struct {
	CORSOrigins    []string
	TrustedProxies []string
	MaxBodyBytes   int64

	// Readiness backs /readyz. Nil reports ready unconditionally.
	Readiness Readiness
}

// Readiness is satisfied by *health.Checker.
type Readiness interface {
	Ready() bool
	Snapshot() []health.Status
}

// NewRouter assembles the gateway engine. Every request passes, in order,
// through recovery, CORS, security headers, the body limit, access logging,
// metrics, identity resolution, Observe, BlockCheck and RateLimit. Unrouted
// paths go to proxy.
func NewRouter(cfg RouterConfig, guard *Guard, admin *AdminHandler, proxy *Proxy, tokens *identity.TokenIssuer, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())

	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(securityHeaders())

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	router.Use(requestLogger(logger))
	router.Use(PrometheusMiddleware())

	// Operational endpoints bypass the defense chain.
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", readyz(cfg.Readiness))
	router.GET("/metrics", MetricsHandler())

	defended := router.Group("", identity.OptionalToken(tokens), guard.Observe(), guard.BlockCheck(), guard.RateLimit())
	admin.Register(defended.Group("/api/v1"))

	// Everything else is the platform application. NoRoute handlers do not
	// inherit group middleware, so the chain is repeated here.
	router.NoRoute(identity.OptionalToken(tokens), guard.Observe(), guard.BlockCheck(), guard.RateLimit(), proxy.Handle)
	return router, nil
}

func readyz(r Readiness) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		deps := r.Snapshot()
		if !r.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "dependencies": deps})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "dependencies": deps})
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
