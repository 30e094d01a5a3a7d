// Package sessiontest exercises the external session component's observable
// behavior: idle timeout, concurrent-session limits, and invalidation.
package sessiontest

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/runner"
)

// Metrics is a read-only snapshot from the external session component. This
// suite surfaces it but does not own the underlying data.
type Metrics struct {
	ActiveSessions           int64   `json:"activeSessions"`
	TotalSessions            int64   `json:"totalSessions"`
	AverageSessionDurationMs float64 `json:"averageSessionDurationMs"`
	MemoryUsageBytes         int64   `json:"memoryUsageBytes"`
}

// Probe is the observable contract of the external session component. The
// suite only ever talks to sessions through this interface.
type Probe interface {
	// Login establishes a session for the principal and returns its ID.
	Login(ctx context.Context, principal string) (string, error)
	// Logout terminates the session.
	Logout(ctx context.Context, sessionID string) error
	// IsActive reports whether the session is still live server-side.
	IsActive(ctx context.Context, sessionID string) (bool, error)
	// ActiveSessions lists the principal's live session IDs.
	ActiveSessions(ctx context.Context, principal string) ([]string, error)
	// IdleTimeout is the configured idle expiry the component enforces.
	IdleTimeout() time.Duration
	// MaxConcurrent is the configured per-principal session cap (0 = none).
	MaxConcurrent() int
	// Metrics snapshots the component's session counters.
	Metrics(ctx context.Context) (Metrics, error)
}

// Suite wraps the generic runner with the session-lifecycle case catalogue.
// targetBaseURL enables the cookie-attribute check, which inspects the raw
// login response rather than going through the probe; empty skips it.
type Suite struct {
	runner *runner.Runner
	probe  Probe
}

func NewSuite(probe Probe, targetBaseURL string, caseTimeout time.Duration, maxConcurrency int, logger *zap.Logger) *Suite {
	s := &Suite{
		runner: runner.New("session", caseTimeout, maxConcurrency, logger),
		probe:  probe,
	}
	s.registerCases(targetBaseURL, caseTimeout)
	return s
}

func (s *Suite) registerCases(targetBaseURL string, caseTimeout time.Duration) {
	s.runner.Register("idle-timeout", &idleTimeoutCase{probe: s.probe})
	s.runner.Register("concurrent-limit", &concurrentLimitCase{probe: s.probe})
	s.runner.Register("logout-invalidation", &logoutInvalidationCase{probe: s.probe})
	s.runner.Register("session-fixation", &fixationCase{probe: s.probe})
	if targetBaseURL != "" {
		s.runner.Register("cookie-flags", &cookieFlagsCase{
			client: &http.Client{Timeout: caseTimeout},
			base:   targetBaseURL,
		})
	}
}

// Register adds an operator-defined case to the catalogue.
func (s *Suite) Register(testID string, c runner.Runnable) {
	s.runner.Register(testID, c)
}

func (s *Suite) RunAll(ctx context.Context) ([]runner.Result, error) {
	return s.runner.RunAll(ctx)
}

func (s *Suite) RunOne(ctx context.Context, testID string) (runner.Result, error) {
	return s.runner.RunOne(ctx, testID)
}

func (s *Suite) Results() []runner.Result {
	return s.runner.Results()
}

func (s *Suite) Running() bool {
	return s.runner.Running()
}

// Metrics proxies the external component's snapshot.
func (s *Suite) Metrics(ctx context.Context) (Metrics, error) {
	return s.probe.Metrics(ctx)
}

func passed(details runner.SessionDetails) runner.Result {
	p := true
	d := details
	d.Verdict = "PASS: " + d.Verdict
	return runner.Result{Passed: &p, Details: &d}
}

func failed(details runner.SessionDetails) runner.Result {
	p := false
	d := details
	d.Verdict = "FAIL: " + d.Verdict
	return runner.Result{Passed: &p, Details: &d}
}
