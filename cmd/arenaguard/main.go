package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/arenaguard/internal/alerts"
	"github.com/jmerrifield20/arenaguard/internal/audit"
	"github.com/jmerrifield20/arenaguard/internal/background"
	"github.com/jmerrifield20/arenaguard/internal/blocklist"
	"github.com/jmerrifield20/arenaguard/internal/defense"
	"github.com/jmerrifield20/arenaguard/internal/eventlog"
	"github.com/jmerrifield20/arenaguard/internal/gateway/handler"
	"github.com/jmerrifield20/arenaguard/internal/health"
	"github.com/jmerrifield20/arenaguard/internal/identity"
	"github.com/jmerrifield20/arenaguard/internal/ratelimit"
	"github.com/jmerrifield20/arenaguard/internal/sharedstore"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := loadConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if viper.GetBool("log.development") {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("arenaguard exited with error", zap.Error(err))
	}
}

// ── Configuration ────────────────────────────────────────────────────────────

func loadConfig() error {
	viper.SetConfigName("arenaguard")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{})
	viper.SetDefault("server.trusted_proxies", []string{})
	viper.SetDefault("server.max_body_bytes", 1<<20)
	viper.SetDefault("server.shutdown_timeout", "15s")
	viper.SetDefault("upstream.url", "http://localhost:3000")
	viper.SetDefault("upstream.health_path", "/healthz")
	viper.SetDefault("health.check_interval", "15s")
	viper.SetDefault("health.probe_timeout", "3s")
	viper.SetDefault("health.fail_threshold", 3)
	viper.SetDefault("log.development", false)

	viper.SetDefault("store.redis.addr", "")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.pool_size", 20)
	viper.SetDefault("store.redis.connect_timeout", "30s")
	viper.SetDefault("store.postgres_url", "")

	viper.SetDefault("eventlog.backend", "file")
	viper.SetDefault("eventlog.file.dir", "data/events")
	viper.SetDefault("eventlog.file.max_bytes", 10<<20)
	viper.SetDefault("eventlog.file.max_age", "720h")
	viper.SetDefault("eventlog.file.max_files", 100)

	viper.SetDefault("blocklist.backend", "file")
	viper.SetDefault("blocklist.file", "data/blocklist.json")
	viper.SetDefault("blocklist.redis_prefix", "arenaguard:blocklist")

	d := threat.DefaultDetectionConfig()
	viper.SetDefault("detection.brute_force_threshold", d.BruteForceThreshold)
	viper.SetDefault("detection.brute_force_window", d.BruteForceWindow)
	viper.SetDefault("detection.volume_threshold", d.VolumeThreshold)
	viper.SetDefault("detection.endpoint_threshold", d.EndpointThreshold)
	viper.SetDefault("detection.volume_window", d.VolumeWindow)
	viper.SetDefault("detection.risk_threshold", d.RiskThreshold)
	viper.SetDefault("detection.profile_ttl", d.ProfileTTL)
	viper.SetDefault("detection.max_profiles", d.MaxProfiles)

	c := threat.DefaultClassifierConfig()
	viper.SetDefault("classifier.auth_paths", c.AuthPaths)
	viper.SetDefault("classifier.admin_prefixes", c.AdminPrefixes)
	viper.SetDefault("classifier.upload_prefixes", c.UploadPrefixes)
	viper.SetDefault("classifier.slow_request", c.SlowRequest)

	dc := defense.DefaultConfig()
	viper.SetDefault("defense.block_ttl", dc.BlockTTL)
	viper.SetDefault("defense.call_timeout", dc.CallTimeout)
	viper.SetDefault("defense.sweep_interval", dc.SweepInterval)
	viper.SetDefault("defense.event_retention", dc.EventRetention)
	viper.SetDefault("defense.high_risk_score", dc.HighRiskScore)

	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.prefix", "arenaguard:rl")
	viper.SetDefault("ratelimit.timeout", "1s")
	viper.SetDefault("ratelimit.fallback", ratelimit.PolicyAPI)

	viper.SetDefault("alerts.max_alerts", alerts.DefaultMaxAlerts)
	viper.SetDefault("alerts.concurrency", 8)
	viper.SetDefault("alerts.timeout", "5s")
	viper.SetDefault("alerts.webhook.url", "")
	viper.SetDefault("alerts.webhook.secret", "")
	viper.SetDefault("alerts.webhook.rate_per_second", 1)
	viper.SetDefault("alerts.webhook.burst", 5)
	viper.SetDefault("alerts.webhook.timeout", "5s")
	viper.SetDefault("alerts.nats.url", "")
	viper.SetDefault("alerts.nats.subject", alerts.DefaultSubject)

	viper.SetDefault("admin.secret", "")
	viper.SetDefault("admin.signing_key", "")
	viper.SetDefault("admin.issuer", "arenaguard")
	viper.SetDefault("admin.token_ttl", "1h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func run(logger *zap.Logger) error {
	if viper.ConfigFileUsed() == "" {
		logger.Warn("no config file found, using defaults and env vars")
	}
	startCtx := context.Background()

	// ── Shared stores ────────────────────────────────────────────────────────
	var rdb *redis.Client
	if addr := viper.GetString("store.redis.addr"); addr != "" {
		var rcfg sharedstore.RedisConfig
		if err := viper.UnmarshalKey("store.redis", &rcfg); err != nil {
			return fmt.Errorf("decode store.redis: %w", err)
		}
		client, err := sharedstore.Connect(startCtx, rcfg, logger)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck
		rdb = client
		logger.Info("connected to redis", zap.String("addr", addr))
	}

	var db *pgxpool.Pool
	if dsn := viper.GetString("store.postgres_url"); dsn != "" {
		pool, err := connectPostgres(startCtx, dsn, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		db = pool
		logger.Info("connected to postgres")
	}

	// ── Event log ────────────────────────────────────────────────────────────
	var events eventlog.Store
	switch backend := viper.GetString("eventlog.backend"); backend {
	case "postgres":
		if db == nil {
			return errors.New("eventlog.backend is postgres but store.postgres_url is empty")
		}
		events = eventlog.NewPostgresStore(db, logger)
	case "file":
		var fcfg eventlog.FileConfig
		if err := viper.UnmarshalKey("eventlog.file", &fcfg); err != nil {
			return fmt.Errorf("decode eventlog.file: %w", err)
		}
		fs, err := eventlog.NewFileStore(fcfg, logger)
		if err != nil {
			return err
		}
		events = fs
	case "memory":
		events = eventlog.NewMemoryStore()
	default:
		return fmt.Errorf("unknown eventlog.backend %q", backend)
	}
	logger.Info("event log ready", zap.String("backend", viper.GetString("eventlog.backend")))

	// ── Block list ───────────────────────────────────────────────────────────
	var blockStore blocklist.Store
	switch backend := viper.GetString("blocklist.backend"); backend {
	case "redis":
		if rdb == nil {
			return errors.New("blocklist.backend is redis but store.redis.addr is empty")
		}
		blockStore = blocklist.NewRedisStore(rdb, viper.GetString("blocklist.redis_prefix"))
	case "file":
		fs, err := blocklist.NewFileStore(viper.GetString("blocklist.file"))
		if err != nil {
			return err
		}
		blockStore = fs
	case "memory":
		blockStore = blocklist.NewMemoryStore()
	default:
		return fmt.Errorf("unknown blocklist.backend %q", backend)
	}
	blocks := blocklist.New(blockStore, logger)
	blocks.SetLookupErrorRecorder(handler.RecordBlockLookupError)

	// ── Alerts ───────────────────────────────────────────────────────────────
	runner := background.New(viper.GetInt("alerts.concurrency"), viper.GetDuration("alerts.timeout"), logger)

	var notifiers []alerts.Notifier
	if viper.GetString("alerts.webhook.url") != "" {
		var wcfg alerts.WebhookConfig
		if err := viper.UnmarshalKey("alerts.webhook", &wcfg); err != nil {
			return fmt.Errorf("decode alerts.webhook: %w", err)
		}
		notifiers = append(notifiers, alerts.NewWebhookNotifier(wcfg))
		logger.Info("webhook alert sink configured", zap.String("url", wcfg.URL))
	}
	var nc *nats.Conn
	if natsURL := viper.GetString("alerts.nats.url"); natsURL != "" {
		conn, err := alerts.ConnectNATS(natsURL, "arenaguard", logger)
		if err != nil {
			return err
		}
		nc = conn
		notifiers = append(notifiers, alerts.NewNATSNotifier(nc, viper.GetString("alerts.nats.subject")))
		logger.Info("nats alert sink configured", zap.String("subject", viper.GetString("alerts.nats.subject")))
	}
	dispatcher := alerts.NewDispatcher(runner, viper.GetInt("alerts.max_alerts"), logger, notifiers...)
	dispatcher.SetMetricsRecorder(handler.RecordAlertNotification)

	// ── Defense monitor ──────────────────────────────────────────────────────
	var cfg defense.Config
	if err := viper.UnmarshalKey("defense", &cfg); err != nil {
		return fmt.Errorf("decode defense: %w", err)
	}
	if err := viper.UnmarshalKey("detection", &cfg.Detection); err != nil {
		return fmt.Errorf("decode detection: %w", err)
	}
	var ccfg threat.ClassifierConfig
	if err := viper.UnmarshalKey("classifier", &ccfg); err != nil {
		return fmt.Errorf("decode classifier: %w", err)
	}

	monitor := defense.New(cfg, events, blocks, dispatcher, threat.NewClassifier(ccfg), logger)
	monitor.SetEventRecorder(handler.RecordSecurityEvent)
	monitor.SetDetectionRecorder(handler.RecordDetection)
	monitor.Start()

	// ── Rate limiting ────────────────────────────────────────────────────────
	var counters sharedstore.CounterStore = sharedstore.NewMemoryStore()
	if rdb != nil {
		counters = sharedstore.NewRedisStore(rdb)
	} else {
		logger.Warn("rate limit counters are process-local; set store.redis.addr for multi-instance deploys")
	}
	limiter := ratelimit.New(counters, viper.GetString("ratelimit.prefix"), viper.GetDuration("ratelimit.timeout"), logger)
	limiter.SetDecisionRecorder(handler.RecordRateLimitDecision)

	var routes *ratelimit.Router
	if viper.GetBool("ratelimit.enabled") {
		policies := ratelimit.DefaultPolicies()
		if err := viper.UnmarshalKey("ratelimit.policies", &policies); err != nil {
			return fmt.Errorf("decode ratelimit.policies: %w", err)
		}
		for name, p := range policies {
			p.Name = name
			policies[name] = p
		}
		prefixes := ratelimit.DefaultRoutes()
		if err := viper.UnmarshalKey("ratelimit.routes", &prefixes); err != nil {
			return fmt.Errorf("decode ratelimit.routes: %w", err)
		}
		routes = ratelimit.NewRouter(policies, prefixes, viper.GetString("ratelimit.fallback"))
	}

	// ── Admin identity ───────────────────────────────────────────────────────
	signingKey := viper.GetString("admin.signing_key")
	if signingKey == "" {
		return errors.New("admin.signing_key is required")
	}
	if viper.GetString("admin.secret") == "" {
		logger.Warn("admin.secret is empty; the admin token endpoint will reject every request")
	}
	tokens := identity.NewTokenIssuer([]byte(signingKey), viper.GetString("admin.issuer"),
		viper.GetDuration("admin.token_ttl"), viper.GetString("admin.secret"))

	// ── Admin audit trail ────────────────────────────────────────────────────
	var trail audit.Log
	if db != nil {
		trail = audit.NewPostgresLog(db, logger)
	} else {
		trail = audit.NewMemoryLog()
		logger.Warn("admin audit trail is in memory; set store.postgres_url to persist it")
	}
	if err := trail.Verify(startCtx); err != nil {
		logger.Warn("admin audit trail integrity check FAILED", zap.Error(err))
	} else {
		n, _ := trail.Len(startCtx)
		root, _ := trail.Root(startCtx)
		logger.Info("admin audit trail verified",
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Dependency health ────────────────────────────────────────────────────
	target, err := url.Parse(viper.GetString("upstream.url"))
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid upstream.url %q", viper.GetString("upstream.url"))
	}

	probes := []health.Probe{
		health.HTTPProbe("upstream", target.JoinPath(viper.GetString("upstream.health_path")).String(), nil),
	}
	if rdb != nil {
		probes = append(probes, health.PingFunc("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}
	if db != nil {
		probes = append(probes, health.PingFunc("postgres", db.Ping))
	}
	var hcfg health.Config
	if err := viper.UnmarshalKey("health", &hcfg); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	checker := health.New(hcfg, logger, probes...)
	checker.SetMetricsRecord(handler.RecordDependencyHealth)
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go checker.Run(healthCtx)

	// ── HTTP Router ──────────────────────────────────────────────────────────

	admin := handler.NewAdminHandler(monitor, tokens, logger)
	admin.SetAuditLog(trail)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := handler.NewRouter(handler.RouterConfig{
		CORSOrigins:    viper.GetStringSlice("server.cors_origins"),
		TrustedProxies: viper.GetStringSlice("server.trusted_proxies"),
		MaxBodyBytes:   viper.GetInt64("server.max_body_bytes"),
		Readiness:      checker,
	},
		handler.NewGuard(monitor, limiter, routes, logger),
		admin,
		handler.NewProxy(target, logger),
		tokens, logger)
	if err != nil {
		return err
	}

	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("arenaguard listening",
			zap.Int("port", port),
			zap.String("upstream", target.String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down arenaguard...")

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	stopHealth()
	if err := monitor.Stop(ctx); err != nil {
		logger.Error("monitor shutdown error", zap.Error(err))
	}
	if err := runner.Close(ctx); err != nil {
		logger.Warn("alert notifications still in flight at shutdown", zap.Error(err))
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain error", zap.Error(err))
		}
	}

	logger.Info("arenaguard stopped")
	return nil
}

// connectPostgres opens a pool and pings it with exponential backoff so the
// gateway can start alongside its database.
func connectPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("postgres not ready, retrying", zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
