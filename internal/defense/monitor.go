// Package defense wires the threat engine, event log, block list and alert
// dispatcher into the per-request defense pipeline.
package defense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/arenaguard/internal/alerts"
	"github.com/jmerrifield20/arenaguard/internal/blocklist"
	"github.com/jmerrifield20/arenaguard/internal/eventlog"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

// Block reasons used by automatic blocks.
const (
	ReasonBruteForce = "Brute force attack"
	ReasonHighRisk   = "High risk score"
)

// Config holds the Monitor's tunables.
type Config struct {
	Detection threat.DetectionConfig `mapstructure:"detection"`

	// BlockTTL is the lifetime of automatic blocks.
	BlockTTL time.Duration `mapstructure:"block_ttl"`

	// CallTimeout bounds every store call made on the request path.
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// SweepInterval is how often Start removes expired blocks and prunes
	// old events. Zero disables the sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// EventRetention is the age past which the sweeper prunes events from
	// stores that support it. Zero disables pruning.
	EventRetention time.Duration `mapstructure:"event_retention"`

	// HighRiskScore is the score at which an origin counts as high risk on
	// the dashboard.
	HighRiskScore int `mapstructure:"high_risk_score"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Detection:      threat.DefaultDetectionConfig(),
		BlockTTL:       blocklist.DefaultTTL,
		CallTimeout:    1500 * time.Millisecond,
		SweepInterval:  5 * time.Minute,
		EventRetention: 30 * 24 * time.Hour,
		HighRiskScore:  50,
	}
}

// DetectionRecorder is an optional callback fired for each detector hit.
type DetectionRecorder func(kind threat.EventType)

// EventRecorder is an optional callback fired for each recorded event.
type EventRecorder func(ev threat.Event)

// Monitor is the defense layer's composition root. It is safe for
// concurrent use.
type Monitor struct {
	cfg        Config
	events     eventlog.Store
	tracker    *threat.Tracker
	blocks     *blocklist.List
	alerts     *alerts.Dispatcher
	classifier *threat.Classifier
	now        func() time.Time
	logger     *zap.Logger

	onEvent     EventRecorder
	onDetection DetectionRecorder

	mu      sync.Mutex
	running bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Monitor and registers it as the block list's block hook.
func New(
	cfg Config,
	events eventlog.Store,
	blocks *blocklist.List,
	dispatcher *alerts.Dispatcher,
	classifier *threat.Classifier,
	logger *zap.Logger,
) *Monitor {
	d := DefaultConfig()
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = d.BlockTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if cfg.HighRiskScore <= 0 {
		cfg.HighRiskScore = d.HighRiskScore
	}
	m := &Monitor{
		cfg:        cfg,
		events:     events,
		tracker:    threat.NewTracker(cfg.Detection),
		blocks:     blocks,
		alerts:     dispatcher,
		classifier: classifier,
		now:        time.Now,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	blocks.SetOnBlock(m.blocked)
	return m
}

// SetClock overrides the time source used to stamp events.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// SetEventRecorder configures the per-event callback.
func (m *Monitor) SetEventRecorder(fn EventRecorder) {
	m.onEvent = fn
}

// SetDetectionRecorder configures the detection callback.
func (m *Monitor) SetDetectionRecorder(fn DetectionRecorder) {
	m.onDetection = fn
}

// Tracker exposes the per-origin risk state.
func (m *Monitor) Tracker() *threat.Tracker {
	return m.tracker
}

// Alerts exposes the alert dispatcher.
func (m *Monitor) Alerts() *alerts.Dispatcher {
	return m.alerts
}

// ── Request path ─────────────────────────────────────────────────────────────

// IsBlocked reports whether originIP may not be served. It fails open.
func (m *Monitor) IsBlocked(ctx context.Context, originIP string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.blocks.IsBlocked(ctx, originIP)
}

// ObserveRequest classifies a finished request and records the resulting
// events.
func (m *Monitor) ObserveRequest(ctx context.Context, o threat.Outcome) []threat.Event {
	if o.At.IsZero() {
		o.At = m.now()
	}
	events := m.classifier.Classify(o)
	for i := range events {
		if _, err := m.Record(ctx, events[i]); err != nil {
			m.logger.Warn("dropping unrecordable event", zap.String("type", string(events[i].Type)), zap.Error(err))
		}
	}
	return events
}

// Record logs ev, raises an alert if it is severe enough, updates the
// origin's risk score and runs the detectors. Only validation errors are
// returned; persistence failures are logged and swallowed.
func (m *Monitor) Record(ctx context.Context, ev threat.Event) (string, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	m.persist(ctx, ev)
	if m.onEvent != nil {
		m.onEvent(ev)
	}
	m.alerts.MaybeAlert(ctx, ev)

	// ip_blocked is stamped when the block happened, not when its cause
	// occurred, so it stays out of the per-origin windows.
	if ev.Type == threat.EventIPBlocked {
		return ev.ID, nil
	}
	v := m.tracker.Observe(ev)
	m.act(ctx, ev, v)
	return ev.ID, nil
}

func (m *Monitor) persist(ctx context.Context, ev threat.Event) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.events.Record(ctx, ev); err != nil {
		m.logger.Error("failed to persist security event",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("origin_ip", ev.OriginIP),
			zap.Error(err),
		)
	}
}

// act carries out a verdict after the tracker's lock has been released.
func (m *Monitor) act(ctx context.Context, ev threat.Event, v threat.Verdict) {
	cfg := m.tracker.Config()

	if v.BruteForce {
		m.detected(threat.EventBruteForceDetected)
		m.derive(ctx, ev, threat.EventBruteForceDetected, threat.SeverityHigh,
			fmt.Sprintf("%d failed logins within %s", v.FailedLogins, cfg.BruteForceWindow),
			map[string]any{"failed_logins": v.FailedLogins, "window": cfg.BruteForceWindow.String()})
		m.autoBlock(ctx, ev.OriginIP, ReasonBruteForce)
	}
	if v.DDoS {
		m.detected(threat.EventDDoSAttempt)
		m.derive(ctx, ev, threat.EventDDoSAttempt, threat.SeverityHigh,
			fmt.Sprintf("%d events within %s", v.EventCount, cfg.VolumeWindow),
			map[string]any{"event_count": v.EventCount, "window": cfg.VolumeWindow.String()})
	}
	if v.PortScan {
		m.detected(threat.EventPortScanning)
		m.derive(ctx, ev, threat.EventPortScanning, threat.SeverityMedium,
			fmt.Sprintf("%d distinct endpoints within %s", v.Endpoints, cfg.VolumeWindow),
			map[string]any{"endpoints": v.Endpoints, "window": cfg.VolumeWindow.String()})
	}
	if v.RiskExceeded {
		m.logger.Warn("origin exceeded risk threshold",
			zap.String("origin_ip", ev.OriginIP),
			zap.Int("risk_score", v.RiskScore),
		)
		m.autoBlock(ctx, ev.OriginIP, ReasonHighRisk)
	}
}

// derive records a detector's own event, stamped with the triggering event's
// time so windows stay a function of event timestamps.
func (m *Monitor) derive(ctx context.Context, cause threat.Event, typ threat.EventType, sev threat.Severity, msg string, details map[string]any) {
	ev := threat.NewEvent(cause.Timestamp, typ, sev, cause.OriginIP, msg)
	ev.UserID = cause.UserID
	ev.Details = details
	if _, err := m.Record(ctx, ev); err != nil {
		m.logger.Error("failed to record derived event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (m *Monitor) detected(kind threat.EventType) {
	if m.onDetection != nil {
		m.onDetection(kind)
	}
}

func (m *Monitor) autoBlock(ctx context.Context, originIP, reason string) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.blocks.Block(ctx, originIP, reason, m.cfg.BlockTTL); err != nil {
		m.logger.Error("automatic block failed", zap.String("origin_ip", originIP), zap.String("reason", reason), zap.Error(err))
	}
}

// blocked is the block list hook: every block is itself recorded as an
// ip_blocked event. Record logs and alerts on it but never hands it to the
// tracker.
func (m *Monitor) blocked(ctx context.Context, e blocklist.Entry) {
	ev := threat.NewEvent(m.now(), threat.EventIPBlocked, threat.SeverityMedium, e.OriginIP, "IP blocked: "+e.Reason)
	details := map[string]any{
		"reason":    e.Reason,
		"source":    string(e.Source),
		"permanent": e.Permanent,
	}
	if e.ExpiresAt != nil {
		details["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
	}
	ev.Details = details
	if _, err := m.Record(ctx, ev); err != nil {
		m.logger.Error("failed to record block event", zap.Error(err))
	}
}

// ── Administration ───────────────────────────────────────────────────────────

// Block blocks originIP on an administrator's behalf. A permanent block
// ignores ttl.
func (m *Monitor) Block(ctx context.Context, originIP, reason string, ttl time.Duration, permanent bool) (blocklist.Entry, error) {
	if permanent {
		return m.blocks.BlockPermanent(ctx, originIP, reason)
	}
	return m.blocks.BlockFrom(ctx, originIP, reason, ttl, blocklist.SourceAdmin)
}

// Unblock lifts a block and re-arms the origin's risk threshold.
func (m *Monitor) Unblock(ctx context.Context, originIP string) error {
	if err := m.blocks.Unblock(ctx, originIP); err != nil {
		return err
	}
	m.tracker.Rearm(originIP)
	return nil
}

// Blocks returns the active block entries.
func (m *Monitor) Blocks(ctx context.Context) ([]blocklist.Entry, error) {
	return m.blocks.Active(ctx)
}

// Events queries the event log.
func (m *Monitor) Events(ctx context.Context, f eventlog.Filter) ([]threat.Event, error) {
	return m.events.Query(ctx, f)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start launches the periodic sweeper. It is a no-op when SweepInterval is
// zero or the Monitor is already running or stopped.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.SweepInterval <= 0 || m.running || m.stopped {
		return
	}
	m.running = true
	go m.sweepLoop()
}

func (m *Monitor) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep removes expired blocks and prunes events older than the retention.
func (m *Monitor) Sweep(ctx context.Context) {
	if n, err := m.blocks.Sweep(ctx); err != nil {
		m.logger.Warn("block sweep failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("expired blocks removed", zap.Int("count", n))
	}

	p, ok := m.events.(eventlog.Pruner)
	if !ok || m.cfg.EventRetention <= 0 {
		return
	}
	if _, err := p.Prune(ctx, m.now().Add(-m.cfg.EventRetention)); err != nil {
		m.logger.Warn("event prune failed", zap.Error(err))
	}
}

// Stop halts the sweeper and closes the event store. The background runner
// shared with the alert dispatcher is drained by its owner.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	running := m.running
	m.mu.Unlock()

	close(m.stop)
	var err error
	if running {
		select {
		case <-m.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if cerr := m.events.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close event store: %w", cerr))
	}
	return err
}
