package threat

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Outcome describes a request after the handler has run.
type Outcome struct {
	At       time.Time
	OriginIP string
	UserID   string
	Method   string
	Path     string
	RawQuery string
	Status   int
	Duration time.Duration

	// Reported is an event type the upstream application flagged on its
	// response (for example user_not_found on a login). Empty when unset.
	Reported         EventType
	ReportedSeverity Severity
}

// ClassifierConfig tells the classifier which routes are sensitive.
type ClassifierConfig struct {
	AuthPaths      []string      `mapstructure:"auth_paths"`
	AdminPrefixes  []string      `mapstructure:"admin_prefixes"`
	UploadPrefixes []string      `mapstructure:"upload_prefixes"`
	SlowRequest    time.Duration `mapstructure:"slow_request"`
}

// DefaultClassifierConfig returns route defaults for the platform API.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		AuthPaths:      []string{"/api/v1/auth/login", "/api/v1/auth/token", "/api/v1/admin/security/token"},
		AdminPrefixes:  []string{"/api/v1/admin"},
		UploadPrefixes: []string{"/api/v1/uploads"},
		SlowRequest:    5 * time.Second,
	}
}

// ruleFunc inspects an outcome and returns zero or more events if its rule
// matches.
type ruleFunc func(cfg *ClassifierConfig, o *Outcome) []Event

// Classifier turns request outcomes into security events. It is pure: the
// same outcome always yields the same event types and severities.
type Classifier struct {
	cfg   ClassifierConfig
	rules []ruleFunc
}

// NewClassifier returns a Classifier loaded with the default rule set.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.SlowRequest <= 0 {
		cfg.SlowRequest = DefaultClassifierConfig().SlowRequest
	}
	return &Classifier{
		cfg: cfg,
		rules: []ruleFunc{
			ruleReported,
			ruleAuthFailure,
			ruleUploadRejected,
			ruleStatusClass,
			ruleSlowRequest,
			ruleInjectionPhrases,
		},
	}
}

// Classify returns the events produced by o, in rule order.
func (c *Classifier) Classify(o Outcome) []Event {
	var events []Event
	for _, r := range c.rules {
		events = append(events, r(&c.cfg, &o)...)
	}
	for i := range events {
		events[i].UserID = o.UserID
		events[i].Endpoint = o.Path
		events[i].Method = o.Method
		events[i].StatusCode = o.Status
	}
	return events
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func ruleReported(_ *ClassifierConfig, o *Outcome) []Event {
	if o.Reported == "" || o.Reported.Derived() {
		return nil
	}
	sev := o.ReportedSeverity
	if sev.Rank() < 0 {
		sev = SeverityMedium
	}
	return []Event{NewEvent(o.At, o.Reported, sev, o.OriginIP, "Reported by application: "+string(o.Reported))}
}

func ruleAuthFailure(cfg *ClassifierConfig, o *Outcome) []Event {
	switch o.Status {
	case http.StatusUnauthorized:
		if matchesAny(o.Path, cfg.AuthPaths) {
			return []Event{NewEvent(o.At, EventFailedLogin, SeverityMedium, o.OriginIP, "Failed login attempt")}
		}
		if matchesAny(o.Path, cfg.AdminPrefixes) {
			return []Event{NewEvent(o.At, EventAdminAccessAttempt, SeverityMedium, o.OriginIP, "Unauthenticated admin access attempt")}
		}
		return []Event{NewEvent(o.At, EventUnauthorizedAccess, SeverityLow, o.OriginIP, "Unauthorized request")}
	case http.StatusForbidden:
		if matchesAny(o.Path, cfg.AdminPrefixes) {
			return []Event{NewEvent(o.At, EventAdminAccessAttempt, SeverityMedium, o.OriginIP, "Forbidden admin access attempt")}
		}
		return []Event{NewEvent(o.At, EventPolicyViolation, SeverityLow, o.OriginIP, "Forbidden request")}
	}
	return nil
}

func ruleUploadRejected(cfg *ClassifierConfig, o *Outcome) []Event {
	if !matchesAny(o.Path, cfg.UploadPrefixes) {
		return nil
	}
	if o.Status == http.StatusUnsupportedMediaType || o.Status == http.StatusRequestEntityTooLarge {
		return []Event{NewEvent(o.At, EventSuspiciousUpload, SeverityMedium, o.OriginIP, "Upload rejected by validation")}
	}
	return nil
}

func ruleStatusClass(_ *ClassifierConfig, o *Outcome) []Event {
	switch {
	case o.Status >= 500:
		return []Event{NewEvent(o.At, EventServerError, SeverityMedium, o.OriginIP, "Server error: "+http.StatusText(o.Status))}
	case o.Status == http.StatusBadRequest || o.Status == http.StatusUnprocessableEntity:
		return []Event{NewEvent(o.At, EventValidationFailed, SeverityLow, o.OriginIP, "Request failed validation")}
	case o.Status == http.StatusNotFound:
		return []Event{NewEvent(o.At, EventNotFound, SeverityInfo, o.OriginIP, "Unknown endpoint requested")}
	}
	return nil
}

func ruleSlowRequest(cfg *ClassifierConfig, o *Outcome) []Event {
	if o.Duration <= cfg.SlowRequest {
		return nil
	}
	ev := NewEvent(o.At, EventSlowRequest, SeverityLow, o.OriginIP, "Slow request")
	ev.Details = map[string]any{"duration_ms": o.Duration.Milliseconds()}
	return []Event{ev}
}

// sqlInjectionPhrases are substrings in a decoded path or query that suggest
// an attempt to break out of a parameterized query.
var sqlInjectionPhrases = []string{
	"' or '1'='1", "' or 1=1", "\" or 1=1", "union select", "union all select",
	"; drop table", "'; --", "sleep(", "benchmark(", "information_schema",
	"xp_cmdshell",
}

// xssPhrases are substrings that suggest script injection.
var xssPhrases = []string{
	"<script", "javascript:", "onerror=", "onload=", "<iframe", "<svg/onload",
	"document.cookie",
}

func ruleInjectionPhrases(_ *ClassifierConfig, o *Outcome) []Event {
	target := o.Path
	if o.RawQuery != "" {
		target += "?" + o.RawQuery
	}
	if decoded, err := url.QueryUnescape(target); err == nil {
		target = decoded
	}
	lower := strings.ToLower(target)

	var events []Event
	for _, phrase := range sqlInjectionPhrases {
		if strings.Contains(lower, phrase) {
			ev := NewEvent(o.At, EventSQLInjection, SeverityHigh, o.OriginIP, "SQL injection pattern in request")
			ev.Details = map[string]any{"pattern": phrase}
			events = append(events, ev)
			break
		}
	}
	for _, phrase := range xssPhrases {
		if strings.Contains(lower, phrase) {
			ev := NewEvent(o.At, EventXSS, SeverityHigh, o.OriginIP, "Script injection pattern in request")
			ev.Details = map[string]any{"pattern": phrase}
			events = append(events, ev)
			break
		}
	}
	return events
}

func matchesAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
