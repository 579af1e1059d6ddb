package threat

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// profile is the mutable per-origin state. It is only touched while the
// owning Tracker's mutex is held.
type profile struct {
	originIP  string
	events    []windowEvent // chronological, pruned to the volume window
	riskScore int
	firstSeen time.Time
	lastSeen  time.Time

	riskBlocked  bool
	bruteForceAt time.Time
	ddosAt       time.Time
	scanAt       time.Time
}

// Profile is a read-only snapshot of an origin's state.
type Profile struct {
	OriginIP   string    `json:"origin_ip"`
	RiskScore  int       `json:"risk_score"`
	RiskLevel  Severity  `json:"risk_level"`
	EventCount int       `json:"event_count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Verdict is what the Tracker concluded after observing one event. The
// caller acts on it (blocking, emitting derived events) after the tracker's
// lock has been released.
type Verdict struct {
	OriginIP  string
	RiskScore int

	// RiskExceeded is set on the single event that pushed the score past the
	// threshold.
	RiskExceeded bool

	BruteForce   bool
	FailedLogins int

	DDoS       bool
	PortScan   bool
	EventCount int
	Endpoints  int
}

// Tracker accumulates per-origin risk and runs the detectors. Profiles are
// held in an LRU; an evicted or idle-expired profile starts again from zero.
type Tracker struct {
	mu        sync.Mutex
	profiles  *lru.Cache[string, *profile]
	cfg       DetectionConfig
	maxEvents int
}

// NewTracker creates a Tracker.
func NewTracker(cfg DetectionConfig) *Tracker {
	cfg = cfg.withDefaults()
	cache, _ := lru.New[string, *profile](cfg.MaxProfiles)
	// The window keeps enough events for the volume detector to fire.
	maxEvents := 4 * cfg.VolumeThreshold
	if maxEvents < 4096 {
		maxEvents = 4096
	}
	return &Tracker{profiles: cache, cfg: cfg, maxEvents: maxEvents}
}

// Config returns the effective detection configuration.
func (t *Tracker) Config() DetectionConfig {
	return t.cfg
}

// Observe folds ev into its origin's profile and returns the resulting
// verdict. Windows are computed from event timestamps only.
func (t *Tracker) Observe(ev Event) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles.Get(ev.OriginIP)
	if !ok || ev.Timestamp.Sub(p.lastSeen) > t.cfg.ProfileTTL {
		p = &profile{originIP: ev.OriginIP, firstSeen: ev.Timestamp, lastSeen: ev.Timestamp}
		t.profiles.Add(ev.OriginIP, p)
	}

	t.append(p, ev)

	if Scored(ev.Type) {
		p.riskScore += Score(ev.Type)
	}

	v := Verdict{OriginIP: ev.OriginIP, RiskScore: p.riskScore}
	if p.riskScore > t.cfg.RiskThreshold && !p.riskBlocked {
		p.riskBlocked = true
		v.RiskExceeded = true
	}

	if ev.Type.Derived() {
		return v
	}

	now := ev.Timestamp
	if ev.Type == EventFailedLogin {
		v.FailedLogins = countFailedLogins(p.events, now, p.bruteForceAt, t.cfg.BruteForceWindow)
		if v.FailedLogins >= t.cfg.BruteForceThreshold {
			v.BruteForce = true
			p.bruteForceAt = now
		}
	}

	v.EventCount, _ = volumeStats(p.events, now, p.ddosAt, t.cfg.VolumeWindow)
	if v.EventCount > t.cfg.VolumeThreshold {
		v.DDoS = true
		p.ddosAt = now
	}
	_, v.Endpoints = volumeStats(p.events, now, p.scanAt, t.cfg.VolumeWindow)
	if v.Endpoints > t.cfg.EndpointThreshold {
		v.PortScan = true
		p.scanAt = now
	}
	return v
}

// append inserts ev in timestamp order and prunes events that fell out of
// the longest detector window.
func (t *Tracker) append(p *profile, ev Event) {
	we := windowEvent{at: ev.Timestamp, typ: ev.Type, endpoint: ev.Endpoint}
	p.events = append(p.events, we)
	if n := len(p.events); n > 1 && p.events[n-2].at.After(we.at) {
		sort.SliceStable(p.events, func(i, j int) bool { return p.events[i].at.Before(p.events[j].at) })
	}

	if ev.Timestamp.After(p.lastSeen) {
		p.lastSeen = ev.Timestamp
	}
	if ev.Timestamp.Before(p.firstSeen) {
		p.firstSeen = ev.Timestamp
	}

	window := t.cfg.VolumeWindow
	if t.cfg.BruteForceWindow > window {
		window = t.cfg.BruteForceWindow
	}
	cutoff := p.lastSeen.Add(-window)
	i := 0
	for i < len(p.events) && p.events[i].at.Before(cutoff) {
		i++
	}
	if over := len(p.events) - i - t.maxEvents; over > 0 {
		i += over
	}
	if i > 0 {
		p.events = append(p.events[:0:0], p.events[i:]...)
	}
}

// Rearm lets the risk threshold trigger again for ip. It is called when an
// administrator lifts a block so a still-hostile origin can be re-blocked.
func (t *Tracker) Rearm(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.profiles.Peek(ip); ok {
		p.riskBlocked = false
	}
}

// Get returns a snapshot of ip's profile.
func (t *Tracker) Get(ip string) (Profile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles.Peek(ip)
	if !ok {
		return Profile{}, false
	}
	return snapshot(p), true
}

// HighRisk returns every tracked origin whose risk score is at least minScore,
// highest first.
func (t *Tracker) HighRisk(minScore int) []Profile {
	t.mu.Lock()
	var out []Profile
	for _, ip := range t.profiles.Keys() {
		if p, ok := t.profiles.Peek(ip); ok && p.riskScore >= minScore {
			out = append(out, snapshot(p))
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out
}

// Len returns the number of tracked origins.
func (t *Tracker) Len() int {
	return t.profiles.Len()
}

func snapshot(p *profile) Profile {
	return Profile{
		OriginIP:   p.originIP,
		RiskScore:  p.riskScore,
		RiskLevel:  severityLabel(p.riskScore),
		EventCount: len(p.events),
		FirstSeen:  p.firstSeen,
		LastSeen:   p.lastSeen,
	}
}
