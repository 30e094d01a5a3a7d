// Package pentest runs attack-simulation cases against the live API surface
// and classifies findings as vulnerable or secure.
package pentest

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/runner"
)

// Impact labels form a small closed set: dashboards count findings by
// substring match on these values, so the wording must not drift.
const (
	ImpactCritical = "Critical"
	ImpactHigh     = "High"
	ImpactMedium   = "Medium"
	ImpactLow      = "Low"
)

// Suite wraps the generic runner with the penetration case catalogue.
type Suite struct {
	runner *runner.Runner
	client *http.Client
	base   string
}

// NewSuite builds the suite against targetBaseURL. Every case goes through
// the shared HTTP client so redirects and timeouts behave uniformly.
func NewSuite(targetBaseURL string, caseTimeout time.Duration, maxConcurrency int, logger *zap.Logger) *Suite {
	client := &http.Client{
		Timeout: caseTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Findings depend on the first response, not where it redirects.
			return http.ErrUseLastResponse
		},
	}
	s := &Suite{
		runner: runner.New("pentest", caseTimeout, maxConcurrency, logger),
		client: client,
		base:   targetBaseURL,
	}
	s.registerCases()
	return s
}

func (s *Suite) registerCases() {
	s.runner.Register("sql-injection-login", &sqlInjectionCase{client: s.client, base: s.base})
	s.runner.Register("xss-reflection", &xssReflectionCase{client: s.client, base: s.base})
	s.runner.Register("auth-bypass-headers", &authBypassCase{client: s.client, base: s.base})
	s.runner.Register("rate-limit-probe", &rateLimitCase{client: s.client, base: s.base})
	s.runner.Register("security-headers", &securityHeadersCase{client: s.client, base: s.base})
	s.runner.Register("error-disclosure", &errorDisclosureCase{client: s.client, base: s.base})
}

// Register adds an operator-defined case to the catalogue.
func (s *Suite) Register(testID string, c runner.Runnable) {
	s.runner.Register(testID, c)
}

// RunAll executes the full catalogue against the target.
func (s *Suite) RunAll(ctx context.Context) ([]runner.Result, error) {
	return s.runner.RunAll(ctx)
}

// RunOne executes a single case by ID.
func (s *Suite) RunOne(ctx context.Context, testID string) (runner.Result, error) {
	return s.runner.RunOne(ctx, testID)
}

// Results returns the last completed run's snapshot.
func (s *Suite) Results() []runner.Result {
	return s.runner.Results()
}

// Running reports whether a run is in flight.
func (s *Suite) Running() bool {
	return s.runner.Running()
}

// Vulnerabilities returns only the confirmed findings from the last run.
func (s *Suite) Vulnerabilities() []runner.Result {
	var out []runner.Result
	for _, res := range s.runner.Results() {
		if res.Vulnerable != nil && *res.Vulnerable {
			out = append(out, res)
		}
	}
	return out
}

// Summary counts confirmed findings by impact label.
func (s *Suite) Summary() map[string]int {
	summary := make(map[string]int)
	for _, res := range s.Vulnerabilities() {
		if res.VulnerabilityDetails != nil {
			summary[res.VulnerabilityDetails.Impact]++
		}
	}
	return summary
}

func vulnerable(details runner.VulnerabilityDetails) runner.Result {
	v := true
	d := details
	return runner.Result{Vulnerable: &v, VulnerabilityDetails: &d}
}

func secure() runner.Result {
	v := false
	return runner.Result{Vulnerable: &v}
}
