// Package event implements the append-only security event log and its
// derived rolling metrics.
package event

import "time"

// Type classifies a security event.
type Type string

const (
	TypeLoginSuccess       Type = "login_success"
	TypeLoginFailure       Type = "login_failure"
	TypeSuspiciousActivity Type = "suspicious_activity"
	TypeRateLimitHit       Type = "rate_limit_hit"
	TypeSessionExpired     Type = "session_expired"
	TypeAccessDenied       Type = "access_denied"
)

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is an immutable security fact reported by the external auth and
// request paths. Only the Resolved flag may change after recording, and only
// through an operator action.
type Event struct {
	ID            string    `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	Type          Type      `json:"type"`
	Severity      Severity  `json:"severity"`
	SourceAddress string    `json:"sourceAddress"`
	UserID        string    `json:"userId,omitempty"`
	Email         string    `json:"email,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Details       string    `json:"details,omitempty"`
	Resolved      bool      `json:"resolved"`
}

// Metrics is the derived rolling view over the event window. Counters are
// monotonically non-decreasing within a window; ActiveSessions and
// BlockedIPCount track current state owned by other components and are
// filled in by the service layer.
type Metrics struct {
	TotalEvents          int64  `json:"totalEvents"`
	LoginAttempts        int64  `json:"loginAttempts"`
	FailedLogins         int64  `json:"failedLogins"`
	SuccessfulLogins     int64  `json:"successfulLogins"`
	SuspiciousActivities int64  `json:"suspiciousActivities"`
	BlockedIPCount       int64  `json:"blockedIPCount"`
	ActiveSessions       int64  `json:"activeSessions"`
	EventsDropped        int64  `json:"eventsDropped"`
	LastEvent            *Event `json:"lastEvent,omitempty"`
}

// Health classifies the overall state of the monitored surface from the
// unresolved high-severity events in the current window.
type Health struct {
	Status             string `json:"status"`
	CriticalEvents     int64  `json:"criticalEvents"`
	HighPriorityEvents int64  `json:"highPriorityEvents"`
}

const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Type          Type
	Severity      Severity
	SourceAddress string
	Since         time.Time
	Unresolved    bool
}

func (f Filter) matches(ev *Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.SourceAddress != "" && ev.SourceAddress != f.SourceAddress {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if f.Unresolved && ev.Resolved {
		return false
	}
	return true
}
