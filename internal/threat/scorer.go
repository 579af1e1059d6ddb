package threat

// DefaultScore is the weight of any event type missing from the score table.
const DefaultScore = 5

// scoreTable maps event types to the risk they add to their origin.
var scoreTable = map[EventType]int{
	EventFailedLogin:        10,
	EventSQLInjection:       50,
	EventXSS:                30,
	EventRateLimitExceeded:  20,
	EventSuspiciousUpload:   40,
	EventAdminAccessAttempt: 25,
	EventDataBreachAttempt:  100,
	EventMalwareDetected:    100,
}

// Score returns the risk weight of an event type.
func Score(t EventType) int {
	if s, ok := scoreTable[t]; ok {
		return s
	}
	return DefaultScore
}

// Scored reports whether events of type t accumulate into the origin's risk
// score. ip_blocked is excluded: blocking must not feed back into blocking.
func Scored(t EventType) bool {
	return t != EventIPBlocked
}

// severityLabel maps an accumulated 0–100+ risk score to a severity.
func severityLabel(score int) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 65:
		return SeverityHigh
	case score >= 35:
		return SeverityMedium
	case score >= 15:
		return SeverityLow
	default:
		return SeverityInfo
	}
}
