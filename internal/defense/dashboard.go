package defense

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/alerts"
	"github.com/jmerrifield20/arenaguard/internal/eventlog"
	"github.com/jmerrifield20/arenaguard/internal/threat"
)

const topOrigins = 10

// OriginCount is one row of the top-origins table.
type OriginCount struct {
	OriginIP string `json:"origin_ip"`
	Events   int    `json:"events"`
}

// Dashboard summarises recent security activity.
type Dashboard struct {
	GeneratedAt      time.Time                `json:"generated_at"`
	Events24h        int                      `json:"events_24h"`
	Events7d         int                      `json:"events_7d"`
	EventsByType     map[threat.EventType]int `json:"events_by_type"`
	EventsBySeverity map[threat.Severity]int  `json:"events_by_severity"`
	TopOrigins       []OriginCount            `json:"top_origins"`
	HighRiskOrigins  int                      `json:"high_risk_origins"`
	ActiveAlerts     int                      `json:"active_alerts"`
	ActiveBlocks     int                      `json:"active_blocks"`
	RecentAlerts     []alerts.Alert           `json:"recent_alerts"`
}

// Dashboard computes the summary from the event log, tracker, alerts and
// block list. Per-type and per-origin breakdowns cover the last 24 hours.
func (m *Monitor) Dashboard(ctx context.Context) (Dashboard, error) {
	now := m.now().UTC()
	dayAgo := now.Add(-24 * time.Hour)

	events, err := m.events.Query(ctx, eventlog.Filter{Since: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		return Dashboard{}, fmt.Errorf("query events: %w", err)
	}

	d := Dashboard{
		GeneratedAt:      now,
		Events7d:         len(events),
		EventsByType:     make(map[threat.EventType]int),
		EventsBySeverity: make(map[threat.Severity]int),
	}
	byOrigin := make(map[string]int)
	for i := range events {
		ev := &events[i]
		if ev.Timestamp.Before(dayAgo) {
			continue
		}
		d.Events24h++
		d.EventsByType[ev.Type]++
		d.EventsBySeverity[ev.Severity]++
		byOrigin[ev.OriginIP]++
	}
	d.TopOrigins = topN(byOrigin, topOrigins)

	d.HighRiskOrigins = len(m.tracker.HighRisk(m.cfg.HighRiskScore))

	active := m.alerts.Active()
	d.ActiveAlerts = len(active)
	if len(active) > topOrigins {
		active = active[:topOrigins]
	}
	d.RecentAlerts = active

	blocks, err := m.blocks.Active(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	d.ActiveBlocks = len(blocks)
	return d, nil
}

// topN returns the n origins with the most events, ties broken by address.
func topN(m map[string]int, n int) []OriginCount {
	out := make([]OriginCount, 0, len(m))
	for ip, c := range m {
		out = append(out, OriginCount{OriginIP: ip, Events: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].OriginIP < out[j].OriginIP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
