package defense

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/alerts"
	"github.com/jmerrifield20/arenaguard/internal/blocklist"
	"github.com/jmerrifield20/arenaguard/internal/eventlog"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const attacker = "203.0.113.5"

type harness struct {
	m      *Monitor
	events *eventlog.MemoryStore
	blocks *blocklist.List
	now    time.Time
}

func newHarness(t *testing.T, store eventlog.Store) *harness {
	t.Helper()
	return newHarnessWith(t, store, Config{})
}

func newHarnessWith(t *testing.T, store eventlog.Store, cfg Config) *harness {
	t.Helper()
	h := &harness{now: t0}
	if store == nil {
		h.events = eventlog.NewMemoryStore()
		store = h.events
	}
	clock := func() time.Time { return h.now }

	h.blocks = blocklist.New(blocklist.NewMemoryStore(), zap.NewNop())
	h.blocks.SetClock(clock)
	disp := alerts.NewDispatcher(nil, 0, zap.NewNop())
	disp.SetClock(clock)

	h.m = New(cfg, store, h.blocks, disp, threat.NewClassifier(threat.DefaultClassifierConfig()), zap.NewNop())
	h.m.SetClock(clock)
	return h
}

func (h *harness) record(t *testing.T, at time.Time, typ threat.EventType, sev threat.Severity) {
	t.Helper()
	if _, err := h.m.Record(context.Background(), threat.NewEvent(at, typ, sev, attacker, "test")); err != nil {
		t.Fatalf("Record(%s): %v", typ, err)
	}
}

func (h *harness) count(t *testing.T, typ threat.EventType) int {
	t.Helper()
	evs, err := h.events.Query(context.Background(), eventlog.Filter{Type: typ})
	if err != nil {
		t.Fatal(err)
	}
	return len(evs)
}

func TestMonitor_bruteForceScenario(t *testing.T) {
	h := newHarness(t, nil)

	// Six failed logins two minutes apart: all inside ten minutes.
	for i := 0; i < 6; i++ {
		h.now = t0.Add(time.Duration(i) * 2 * time.Minute)
		h.record(t, h.now, threat.EventFailedLogin, threat.SeverityMedium)
	}

	if got := h.count(t, threat.EventBruteForceDetected); got != 1 {
		t.Errorf("brute_force_detected events = %d, want exactly 1", got)
	}
	if !h.m.IsBlocked(context.Background(), attacker) {
		t.Fatal("attacker should be blocked")
	}
	entry, err := h.blocks.Lookup(context.Background(), attacker)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Reason != ReasonBruteForce || entry.Source != blocklist.SourceAuto {
		t.Errorf("entry = %+v", entry)
	}
	if got := h.count(t, threat.EventIPBlocked); got != 1 {
		t.Errorf("ip_blocked events = %d, want 1", got)
	}
	if got := len(h.m.Alerts().Active()); got != 1 {
		t.Errorf("active alerts = %d, want 1 (the brute-force detection)", got)
	}
}

func TestMonitor_riskThresholdBlocksOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// 50 + 50 = 100 is not above the threshold; the third crosses it.
	h.record(t, t0, threat.EventSQLInjection, threat.SeverityHigh)
	h.record(t, t0.Add(time.Second), threat.EventSQLInjection, threat.SeverityHigh)
	if h.m.IsBlocked(ctx, attacker) {
		t.Fatal("score of exactly 100 must not block")
	}
	h.record(t, t0.Add(2*time.Second), threat.EventSQLInjection, threat.SeverityHigh)

	entry, err := h.blocks.Lookup(ctx, attacker)
	if err != nil {
		t.Fatalf("expected block: %v", err)
	}
	if entry.Reason != ReasonHighRisk {
		t.Errorf("reason = %q, want %q", entry.Reason, ReasonHighRisk)
	}

	// Further events neither re-block nor loop through ip_blocked.
	h.record(t, t0.Add(3*time.Second), threat.EventSQLInjection, threat.SeverityHigh)
	if got := h.count(t, threat.EventIPBlocked); got != 1 {
		t.Errorf("ip_blocked events = %d, want 1", got)
	}
	p, _ := h.m.Tracker().Get(attacker)
	if p.RiskScore != 200 {
		t.Errorf("risk score = %d, want 200 (ip_blocked is not scored)", p.RiskScore)
	}

	// An admin unblock re-arms the threshold.
	if err := h.m.Unblock(ctx, attacker); err != nil {
		t.Fatal(err)
	}
	if h.m.IsBlocked(ctx, attacker) {
		t.Fatal("unblock did not take effect")
	}
	h.record(t, t0.Add(4*time.Second), threat.EventSQLInjection, threat.SeverityHigh)
	if !h.m.IsBlocked(ctx, attacker) {
		t.Error("still-hostile origin should be re-blocked after unblock")
	}
}

// replayOutcome is what a run of historical events left behind.
type replayOutcome struct {
	counts  map[threat.EventType]int
	profile threat.Profile
	blocked bool
}

// runHistory records events stamped 48 hours before t0. With live set the
// clock follows the event times; otherwise it stays at t0, as it does when
// a backlog is replayed.
func runHistory(t *testing.T, cfg Config, live bool, n int, build func(i int, at time.Time) threat.Event) replayOutcome {
	t.Helper()
	h := newHarnessWith(t, nil, cfg)
	start := t0.Add(-48 * time.Hour)
	for i := 0; i < n; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		if live {
			h.now = at
		}
		if _, err := h.m.Record(context.Background(), build(i, at)); err != nil {
			t.Fatalf("Record #%d: %v", i+1, err)
		}
	}

	out := replayOutcome{counts: make(map[threat.EventType]int)}
	evs, err := h.events.Query(context.Background(), eventlog.Filter{OriginIP: attacker})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range evs {
		out.counts[ev.Type]++
	}
	out.profile, _ = h.m.Tracker().Get(attacker)
	out.blocked = h.m.IsBlocked(context.Background(), attacker)
	return out
}

func assertSameHistory(t *testing.T, live, replay replayOutcome) {
	t.Helper()
	for typ, n := range live.counts {
		if replay.counts[typ] != n {
			t.Errorf("%s: live=%d replay=%d", typ, n, replay.counts[typ])
		}
	}
	if len(live.counts) != len(replay.counts) {
		t.Errorf("event types differ: live=%v replay=%v", live.counts, replay.counts)
	}
	if live.profile.EventCount != replay.profile.EventCount || !live.profile.LastSeen.Equal(replay.profile.LastSeen) {
		t.Errorf("profiles differ: live=%+v replay=%+v", live.profile, replay.profile)
	}
	if live.profile.RiskScore != replay.profile.RiskScore {
		t.Errorf("risk score: live=%d replay=%d", live.profile.RiskScore, replay.profile.RiskScore)
	}
}

func TestMonitor_replayBruteForceMatchesLive(t *testing.T) {
	failedLogin := func(_ int, at time.Time) threat.Event {
		return threat.NewEvent(at, threat.EventFailedLogin, threat.SeverityMedium, attacker, "test")
	}
	live := runHistory(t, Config{}, true, 10, failedLogin)
	replay := runHistory(t, Config{}, false, 10, failedLogin)

	// Ten failures a minute apart detect twice: the second five are fresh.
	if got := replay.counts[threat.EventBruteForceDetected]; got != 2 {
		t.Errorf("replayed brute_force_detected = %d, want 2", got)
	}
	if got := replay.counts[threat.EventFailedLogin]; got != 10 {
		t.Errorf("replayed failed_login = %d, want 10", got)
	}
	if !replay.profile.LastSeen.Equal(t0.Add(-48*time.Hour + 9*time.Minute)) {
		t.Errorf("last seen = %s, want the newest event's time", replay.profile.LastSeen)
	}
	if !replay.blocked {
		t.Error("replayed attacker should be blocked")
	}
	assertSameHistory(t, live, replay)
}

func TestMonitor_replayVolumeMatchesLive(t *testing.T) {
	cfg := Config{Detection: threat.DefaultDetectionConfig()}
	cfg.Detection.VolumeThreshold = 20
	cfg.Detection.EndpointThreshold = 5

	// Six distinct endpoints, then fifteen hits on the last one.
	notFound := func(i int, at time.Time) threat.Event {
		ev := threat.NewEvent(at, threat.EventNotFound, threat.SeverityInfo, attacker, "test")
		ev.Endpoint = fmt.Sprintf("/api/v1/probe/%d", min(i, 5))
		return ev
	}
	live := runHistory(t, cfg, true, 21, notFound)
	replay := runHistory(t, cfg, false, 21, notFound)

	if got := replay.counts[threat.EventPortScanning]; got != 1 {
		t.Errorf("replayed port_scanning = %d, want 1", got)
	}
	if got := replay.counts[threat.EventDDoSAttempt]; got != 1 {
		t.Errorf("replayed ddos_attempt = %d, want 1", got)
	}
	if got := replay.counts[threat.EventIPBlocked]; got != 1 {
		t.Errorf("replayed ip_blocked = %d, want 1 (risk threshold)", got)
	}
	assertSameHistory(t, live, replay)
}

func TestMonitor_blockExpires(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.m.Block(ctx, attacker, "manual", 0, false); err != nil {
		t.Fatal(err)
	}
	if !h.m.IsBlocked(ctx, attacker) {
		t.Fatal("expected block")
	}
	h.now = t0.Add(24*time.Hour + time.Second)
	if h.m.IsBlocked(ctx, attacker) {
		t.Error("default block should lapse after 24h")
	}
}

type brokenStore struct{ eventlog.MemoryStore }

func (*brokenStore) Record(context.Context, threat.Event) (string, error) {
	return "", errors.New("disk full")
}

func TestMonitor_persistenceFailureIsSilent(t *testing.T) {
	h := newHarness(t, &brokenStore{})

	for i := 0; i < 5; i++ {
		ev := threat.NewEvent(t0.Add(time.Duration(i)*time.Second), threat.EventFailedLogin, threat.SeverityMedium, attacker, "x")
		if _, err := h.m.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record returned %v; store failures must be swallowed", err)
		}
	}
	if !h.m.IsBlocked(context.Background(), attacker) {
		t.Error("detection must keep working without the event store")
	}
}

func TestMonitor_rejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.Record(context.Background(), threat.Event{Type: threat.EventFailedLogin, Severity: threat.SeverityLow})
	if !errors.Is(err, threat.ErrInvalidEvent) {
		t.Errorf("err = %v, want ErrInvalidEvent", err)
	}
	if h.events.Len() != 0 {
		t.Error("invalid event was persisted")
	}
	if h.m.Tracker().Len() != 0 {
		t.Error("invalid event reached the tracker")
	}
}

func TestMonitor_ObserveRequest(t *testing.T) {
	h := newHarness(t, nil)

	events := h.m.ObserveRequest(context.Background(), threat.Outcome{
		OriginIP: attacker,
		Method:   http.MethodPost,
		Path:     "/api/v1/auth/login",
		Status:   http.StatusUnauthorized,
		Duration: 20 * time.Millisecond,
	})
	if len(events) != 1 || events[0].Type != threat.EventFailedLogin {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want the monitor clock", events[0].Timestamp)
	}
	if h.count(t, threat.EventFailedLogin) != 1 {
		t.Error("classified event not recorded")
	}
}

func TestMonitor_Dashboard(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.record(t, t0.Add(-3*24*time.Hour), threat.EventNotFound, threat.SeverityInfo)
	for i := 0; i < 3; i++ {
		h.record(t, t0.Add(-time.Duration(i)*time.Minute), threat.EventSQLInjection, threat.SeverityHigh)
	}
	if _, err := h.m.Record(ctx, threat.NewEvent(t0, threat.EventNotFound, threat.SeverityInfo, "192.0.2.9", "x")); err != nil {
		t.Fatal(err)
	}

	d, err := h.m.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// 3 injections + 1 ip_blocked for the attacker, 1 not_found elsewhere.
	if d.Events24h != 5 || d.Events7d != 6 {
		t.Errorf("events 24h=%d 7d=%d, want 5 and 6", d.Events24h, d.Events7d)
	}
	if d.EventsByType[threat.EventSQLInjection] != 3 {
		t.Errorf("by type = %v", d.EventsByType)
	}
	if len(d.TopOrigins) != 2 || d.TopOrigins[0].OriginIP != attacker || d.TopOrigins[0].Events != 4 {
		t.Errorf("top origins = %+v", d.TopOrigins)
	}
	if d.HighRiskOrigins != 1 || d.ActiveAlerts != 3 || d.ActiveBlocks != 1 {
		t.Errorf("high risk=%d alerts=%d blocks=%d", d.HighRiskOrigins, d.ActiveAlerts, d.ActiveBlocks)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bl := blocklist.New(blocklist.NewMemoryStore(), zap.NewNop())
	m := New(Config{SweepInterval: 10 * time.Millisecond}, events, bl,
		alerts.NewDispatcher(nil, 0, zap.NewNop()), threat.NewClassifier(threat.DefaultClassifierConfig()), zap.NewNop())

	m.Start()
	m.Start()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if _, err := events.Record(ctx, threat.NewEvent(t0, threat.EventNotFound, threat.SeverityInfo, "192.0.2.1", "x")); !errors.Is(err, eventlog.ErrClosed) {
		t.Error("Stop should close the event store")
	}
}

func TestMonitor_SweepPrunes(t *testing.T) {
	h := newHarness(t, nil)
	h.m.cfg.EventRetention = 24 * time.Hour

	h.record(t, t0.Add(-48*time.Hour), threat.EventNotFound, threat.SeverityInfo)
	h.record(t, t0, threat.EventNotFound, threat.SeverityInfo)
	h.m.Sweep(context.Background())

	if h.events.Len() != 1 {
		t.Errorf("events after sweep = %d, want 1", h.events.Len())
	}
}
