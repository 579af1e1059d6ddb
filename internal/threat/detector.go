package threat

import "time"

// DetectionConfig holds the thresholds and windows used by the detectors and
// the risk accumulator. Zero fields fall back to DefaultDetectionConfig.
type DetectionConfig struct {
	BruteForceThreshold int           `mapstructure:"brute_force_threshold"`
	BruteForceWindow    time.Duration `mapstructure:"brute_force_window"`
	VolumeThreshold     int           `mapstructure:"volume_threshold"`
	EndpointThreshold   int           `mapstructure:"endpoint_threshold"`
	VolumeWindow        time.Duration `mapstructure:"volume_window"`
	RiskThreshold       int           `mapstructure:"risk_threshold"`
	ProfileTTL          time.Duration `mapstructure:"profile_ttl"`
	MaxProfiles         int           `mapstructure:"max_profiles"`
}

// DefaultDetectionConfig returns the reference thresholds: 5 failed logins in
// 15 minutes, more than 1000 events or 50 distinct endpoints in an hour, and a
// risk score above 100.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		BruteForceThreshold: 5,
		BruteForceWindow:    15 * time.Minute,
		VolumeThreshold:     1000,
		EndpointThreshold:   50,
		VolumeWindow:        time.Hour,
		RiskThreshold:       100,
		ProfileTTL:          24 * time.Hour,
		MaxProfiles:         10000,
	}
}

func (c DetectionConfig) withDefaults() DetectionConfig {
	d := DefaultDetectionConfig()
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = d.BruteForceThreshold
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = d.BruteForceWindow
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.EndpointThreshold <= 0 {
		c.EndpointThreshold = d.EndpointThreshold
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = d.VolumeWindow
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = d.RiskThreshold
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = d.ProfileTTL
	}
	if c.MaxProfiles <= 0 {
		c.MaxProfiles = d.MaxProfiles
	}
	return c
}

// windowEvent is the part of an Event the detectors need.
type windowEvent struct {
	at       time.Time
	typ      EventType
	endpoint string
}

// countFailedLogins counts failed_login events at or after now-window and
// strictly after since. since is the time the detector last fired, so a
// detection consumes the failures that caused it.
func countFailedLogins(events []windowEvent, now, since time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, e := range events {
		if e.typ == EventFailedLogin && !e.at.Before(cutoff) && e.at.After(since) {
			n++
		}
	}
	return n
}

// volumeStats returns the number of observed events and distinct endpoints
// seen at or after now-window and strictly after since. Derived events are
// not counted, so detections never feed the volume detector.
func volumeStats(events []windowEvent, now, since time.Time, window time.Duration) (total, endpoints int) {
	cutoff := now.Add(-window)
	seen := make(map[string]struct{})
	for _, e := range events {
		if e.typ.Derived() || e.at.Before(cutoff) || !e.at.After(since) {
			continue
		}
		total++
		if e.endpoint != "" {
			seen[e.endpoint] = struct{}{}
		}
	}
	return total, len(seen)
}
