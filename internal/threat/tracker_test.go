package threat

import (
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func event(at time.Time, typ EventType, ip, endpoint string) Event {
	ev := NewEvent(at, typ, SeverityMedium, ip, "test")
	ev.Endpoint = endpoint
	return ev
}

func TestTracker_bruteForceFiresOncePerWindow(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())

	fired := 0
	for i := 0; i < 6; i++ {
		v := tr.Observe(event(t0.Add(time.Duration(i)*time.Minute), EventFailedLogin, "203.0.113.5", "/api/v1/auth/login"))
		if v.BruteForce {
			fired++
			if i != 4 {
				t.Errorf("brute force fired on attempt %d, want attempt 5", i+1)
			}
		}
	}
	if fired != 1 {
		t.Errorf("brute force fired %d times, want 1", fired)
	}
}

func TestTracker_bruteForceRespectsWindow(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())

	// Five failures spread over 20 minutes never have 5 inside 15 minutes.
	for i := 0; i < 5; i++ {
		v := tr.Observe(event(t0.Add(time.Duration(i)*5*time.Minute), EventFailedLogin, "198.51.100.1", "/login"))
		if v.BruteForce {
			t.Fatalf("unexpected brute force at attempt %d", i+1)
		}
	}
}

func TestTracker_bruteForceRefiresOnFreshFailures(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())
	fired := 0
	for i := 0; i < 10; i++ {
		if tr.Observe(event(t0.Add(time.Duration(i)*time.Second), EventFailedLogin, "198.51.100.2", "/login")).BruteForce {
			fired++
		}
	}
	if fired != 2 {
		t.Errorf("brute force fired %d times for 10 failures, want 2", fired)
	}
}

func TestTracker_riskExceededOnce(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())

	// 2 × sql injection = 100 (not above), third pushes to 150.
	var exceeded []int
	for i := 0; i < 4; i++ {
		v := tr.Observe(event(t0.Add(time.Duration(i)*time.Second), EventSQLInjection, "192.0.2.9", "/search"))
		if v.RiskExceeded {
			exceeded = append(exceeded, i)
		}
	}
	if len(exceeded) != 1 || exceeded[0] != 2 {
		t.Errorf("risk exceeded at %v, want [2]", exceeded)
	}

	p, ok := tr.Get("192.0.2.9")
	if !ok {
		t.Fatal("profile missing")
	}
	if p.RiskScore != 200 {
		t.Errorf("risk score = %d, want 200", p.RiskScore)
	}
	if p.RiskLevel != SeverityCritical {
		t.Errorf("risk level = %q, want critical", p.RiskLevel)
	}
}

func TestTracker_ipBlockedDoesNotScore(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())
	for i := 0; i < 50; i++ {
		v := tr.Observe(event(t0, EventIPBlocked, "192.0.2.10", ""))
		if v.RiskExceeded || v.BruteForce || v.DDoS || v.PortScan {
			t.Fatalf("ip_blocked triggered a verdict: %+v", v)
		}
	}
	p, _ := tr.Get("192.0.2.10")
	if p.RiskScore != 0 {
		t.Errorf("risk score = %d, want 0", p.RiskScore)
	}
}

func TestTracker_rearmAllowsSecondRiskBlock(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())
	ip := "192.0.2.11"
	tr.Observe(event(t0, EventMalwareDetected, ip, ""))
	if !tr.Observe(event(t0, EventMalwareDetected, ip, "")).RiskExceeded {
		t.Fatal("expected risk exceeded on second malware event")
	}
	if tr.Observe(event(t0, EventMalwareDetected, ip, "")).RiskExceeded {
		t.Fatal("risk exceeded must not repeat before rearm")
	}
	tr.Rearm(ip)
	if !tr.Observe(event(t0, EventMalwareDetected, ip, "")).RiskExceeded {
		t.Error("expected risk exceeded after rearm")
	}
}

func TestTracker_profileExpiresAfterTTL(t *testing.T) {
	cfg := DefaultDetectionConfig()
	cfg.ProfileTTL = time.Hour
	tr := NewTracker(cfg)

	tr.Observe(event(t0, EventSQLInjection, "192.0.2.12", ""))
	tr.Observe(event(t0.Add(2*time.Hour), EventFailedLogin, "192.0.2.12", ""))

	p, _ := tr.Get("192.0.2.12")
	if p.RiskScore != 10 {
		t.Errorf("risk score after expiry = %d, want 10", p.RiskScore)
	}
}

func TestTracker_volumetric(t *testing.T) {
	cfg := DefaultDetectionConfig()
	cfg.VolumeThreshold = 20
	cfg.EndpointThreshold = 5
	tr := NewTracker(cfg)

	var ddos, scans int
	for i := 0; i < 25; i++ {
		v := tr.Observe(event(t0.Add(time.Duration(i)*time.Second), EventNotFound, "192.0.2.13", fmt.Sprintf("/probe/%d", i)))
		if v.DDoS {
			ddos++
			if i != 20 {
				t.Errorf("ddos fired at event %d, want 21st", i+1)
			}
		}
		if v.PortScan {
			scans++
		}
	}
	if ddos != 1 {
		t.Errorf("ddos fired %d times, want 1", ddos)
	}
	// Scan fires at the 6th distinct endpoint, then again after 6 more.
	if scans != 4 {
		t.Errorf("port scan fired %d times, want 4", scans)
	}
}

func TestTracker_volumeIgnoresDerivedEvents(t *testing.T) {
	cfg := DefaultDetectionConfig()
	cfg.VolumeThreshold = 5
	tr := NewTracker(cfg)
	ip := "192.0.2.15"

	for i := 0; i < 10; i++ {
		for _, typ := range []EventType{EventBruteForceDetected, EventIPBlocked, EventDDoSAttempt} {
			if v := tr.Observe(event(t0.Add(time.Duration(i)*time.Second), typ, ip, "/login")); v.DDoS {
				t.Fatalf("derived %s counted toward volume", typ)
			}
		}
	}
	for i := 0; i < 6; i++ {
		v := tr.Observe(event(t0.Add(time.Minute+time.Duration(i)*time.Second), EventNotFound, ip, "/x"))
		if v.DDoS != (i == 5) {
			t.Fatalf("event %d: DDoS = %v, want it only on the 6th observed event", i+1, v.DDoS)
		}
		if v.DDoS && v.EventCount != 6 {
			t.Errorf("event count = %d, want 6", v.EventCount)
		}
	}
}

func TestTracker_outOfOrderEvents(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())
	ip := "192.0.2.14"
	offsets := []time.Duration{4, 1, 3, 0, 2}
	var fired bool
	for _, off := range offsets {
		if tr.Observe(event(t0.Add(off*time.Minute), EventFailedLogin, ip, "/login")).BruteForce {
			fired = true
		}
	}
	if !fired {
		t.Error("expected brute force regardless of arrival order")
	}
}

func TestTracker_highRisk(t *testing.T) {
	tr := NewTracker(DefaultDetectionConfig())
	tr.Observe(event(t0, EventSQLInjection, "192.0.2.20", ""))
	tr.Observe(event(t0, EventXSS, "192.0.2.21", ""))
	tr.Observe(event(t0, EventNotFound, "192.0.2.22", ""))

	got := tr.HighRisk(30)
	if len(got) != 2 {
		t.Fatalf("HighRisk(30) returned %d profiles, want 2", len(got))
	}
	if got[0].OriginIP != "192.0.2.20" {
		t.Errorf("highest risk origin = %q, want 192.0.2.20", got[0].OriginIP)
	}
	if tr.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tr.Len())
	}
}
