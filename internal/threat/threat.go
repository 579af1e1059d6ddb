// Package threat provides threat analysis for inbound platform requests.
// It classifies request outcomes into security events, scores them per
// origin, and runs threshold detectors over each origin's recent events.
package threat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when an event is missing a required field.
var ErrInvalidEvent = errors.New("invalid security event")

// EventType identifies what happened.
type EventType string

const (
	EventFailedLogin        EventType = "failed_login"
	EventSQLInjection       EventType = "sql_injection_attempt"
	EventXSS                EventType = "xss_attempt"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventSuspiciousUpload   EventType = "suspicious_upload"
	EventAdminAccessAttempt EventType = "admin_access_attempt"
	EventDataBreachAttempt  EventType = "data_breach_attempt"
	EventMalwareDetected    EventType = "malware_detected"
	EventBruteForceDetected EventType = "brute_force_detected"
	EventDDoSAttempt        EventType = "ddos_attempt"
	EventPortScanning       EventType = "port_scanning"
	EventIPBlocked          EventType = "ip_blocked"
	EventUnauthorizedAccess EventType = "unauthorized_access"
	EventValidationFailed   EventType = "validation_failed"
	EventServerError        EventType = "server_error"
	EventSlowRequest        EventType = "slow_request"
	EventNotFound           EventType = "not_found"
	EventUserNotFound       EventType = "user_not_found"
	EventPolicyViolation    EventType = "policy_violation"
)

// Derived reports whether t is emitted by the defense layer itself rather
// than observed on a request. Derived events never run detectors.
func (t EventType) Derived() bool {
	switch t {
	case EventBruteForceDetected, EventDDoSAttempt, EventPortScanning, EventIPBlocked:
		return true
	}
	return false
}

// Severity is the event's severity label.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (info) to 4 (critical). Unknown labels rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

// Event is a single security event. Events are immutable once recorded.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	OriginIP   string         `json:"origin_ip"`
	UserID     string         `json:"user_id,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Method     string         `json:"method,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewEvent returns an event with a fresh ID stamped at now.
func NewEvent(now time.Time, typ EventType, sev Severity, originIP, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Type:      typ,
		Severity:  sev,
		Message:   message,
		OriginIP:  originIP,
	}
}

// Validate checks the fields every stored event must carry.
func (e *Event) Validate() error {
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	case e.Severity.Rank() < 0:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, e.Severity)
	case e.OriginIP == "":
		return fmt.Errorf("%w: missing origin IP", ErrInvalidEvent)
	}
	return nil
}
