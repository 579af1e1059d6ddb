// Package alerts raises alerts for high and critical security events and
// forwards them to external sinks.
package alerts

import (
	"errors"
	"strings"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/threat"
)

// ErrNotFound is returned when an alert ID is unknown.
var ErrNotFound = errors.New("alert not found")

// Status is an alert's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Alert is raised once per qualifying event.
type Alert struct {
	ID         string           `json:"id"`
	Type       threat.EventType `json:"type"`
	Severity   threat.Severity  `json:"severity"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	OriginIP   string           `json:"origin_ip,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	EventID    string           `json:"event_id"`
	Details    map[string]any   `json:"details,omitempty"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

var titles = map[threat.EventType]string{
	threat.EventBruteForceDetected: "Brute force attack detected",
	threat.EventDDoSAttempt:        "Volumetric attack detected",
	threat.EventSQLInjection:       "SQL injection attempt",
	threat.EventXSS:                "Script injection attempt",
	threat.EventDataBreachAttempt:  "Data breach attempt",
	threat.EventMalwareDetected:    "Malware upload detected",
}

func titleFor(t threat.EventType) string {
	if s, ok := titles[t]; ok {
		return s
	}
	s := strings.ReplaceAll(string(t), "_", " ")
	if s == "" {
		return "Security event"
	}
	return "Security event: " + s
}

// Qualifies reports whether an event of severity s raises an alert.
func Qualifies(s threat.Severity) bool {
	return s.Rank() >= threat.SeverityHigh.Rank()
}
