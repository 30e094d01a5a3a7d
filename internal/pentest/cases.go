package pentest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rankitpro/security-core/internal/runner"
)

// The cases below send crafted requests at the target and inspect the first
// response. Classification is deterministic: the same case against an
// unchanged target yields the same verdict.

const responsePreviewLimit = 64 * 1024

type sqlInjectionCase struct {
	client *http.Client
	base   string
}

func (c *sqlInjectionCase) Execute(ctx context.Context) (runner.Result, error) {
	payload := map[string]string{
		"username": "' OR '1'='1' --",
		"password": "x",
	}
	status, body, _, err := postJSON(ctx, c.client, c.base+"/api/auth/login", payload)
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}

	// A login that accepts a tautology payload is the finding; a 4xx
	// rejection is the secure outcome.
	if status == http.StatusOK && (strings.Contains(body, "token") || strings.Contains(body, `"success":true`)) {
		return vulnerable(runner.VulnerabilityDetails{
			Type:        "SQL Injection",
			Description: "Login endpoint accepted a SQL tautology payload in the username field",
			Impact:      ImpactCritical,
			Remediation: "Use parameterized queries for all authentication lookups and reject input containing SQL metacharacters",
		}), nil
	}
	return secure(), nil
}

type xssReflectionCase struct {
	client *http.Client
	base   string
}

func (c *xssReflectionCase) Execute(ctx context.Context) (runner.Result, error) {
	const marker = "<script>alert('xss-probe')</script>"
	target := c.base + "/search?q=" + url.QueryEscape(marker)
	status, body, header, err := get(ctx, c.client, target, nil)
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}

	contentType := header.Get("Content-Type")
	if status == http.StatusOK && strings.Contains(contentType, "text/html") && strings.Contains(body, marker) {
		return vulnerable(runner.VulnerabilityDetails{
			Type:        "Reflected XSS",
			Description: "Search endpoint reflected a script tag without encoding",
			Impact:      ImpactHigh,
			Remediation: "HTML-encode all user input reflected into responses and set a restrictive Content-Security-Policy",
		}), nil
	}
	return secure(), nil
}

type authBypassCase struct {
	client *http.Client
	base   string
}

func (c *authBypassCase) Execute(ctx context.Context) (runner.Result, error) {
	headers := map[string]string{
		"X-Forwarded-For":  "127.0.0.1",
		"X-Original-URL":   "/admin",
		"X-Rewrite-URL":    "/admin",
		"X-Custom-IP-Auth": "127.0.0.1",
	}
	status, _, _, err := get(ctx, c.client, c.base+"/api/admin/users", headers)
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}

	if status == http.StatusOK {
		return vulnerable(runner.VulnerabilityDetails{
			Type:        "Authentication Bypass",
			Description: "Admin endpoint returned 200 to an unauthenticated request carrying spoofed trust headers",
			Impact:      ImpactCritical,
			Remediation: "Authorize every request server-side from the session principal; never trust client-supplied identity headers",
		}), nil
	}
	return secure(), nil
}

type rateLimitCase struct {
	client *http.Client
	base   string
}

func (c *rateLimitCase) Execute(ctx context.Context) (runner.Result, error) {
	// A burst of failing logins must eventually hit a 429 (or an explicit
	// lockout). Seeing none is the finding.
	const attempts = 12
	payload := map[string]string{"username": "ratelimit-probe", "password": "wrong"}
	for i := 0; i < attempts; i++ {
		status, _, _, err := postJSON(ctx, c.client, c.base+"/api/auth/login", payload)
		if err != nil {
			return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
		}
		if status == http.StatusTooManyRequests || status == http.StatusLocked {
			return secure(), nil
		}
	}
	return vulnerable(runner.VulnerabilityDetails{
		Type:        "Missing Rate Limiting",
		Description: fmt.Sprintf("Login endpoint accepted %d rapid failed attempts without throttling", attempts),
		Impact:      ImpactHigh,
		Remediation: "Throttle authentication attempts per source address and lock accounts after repeated failures",
	}), nil
}

type securityHeadersCase struct {
	client *http.Client
	base   string
}

func (c *securityHeadersCase) Execute(ctx context.Context) (runner.Result, error) {
	_, _, header, err := get(ctx, c.client, c.base+"/", nil)
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}

	var missing []string
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Strict-Transport-Security"} {
		if header.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return vulnerable(runner.VulnerabilityDetails{
			Type:        "Missing Security Headers",
			Description: "Responses lack protective headers: " + strings.Join(missing, ", "),
			Impact:      ImpactMedium,
			Remediation: "Set X-Content-Type-Options, X-Frame-Options, and Strict-Transport-Security on all responses",
		}), nil
	}
	return secure(), nil
}

type errorDisclosureCase struct {
	client *http.Client
	base   string
}

func (c *errorDisclosureCase) Execute(ctx context.Context) (runner.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/auth/login", strings.NewReader("{not-json"))
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return runner.Result{}, fmt.Errorf("target unreachable: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, responsePreviewLimit))
	body := string(raw)

	for _, marker := range []string{"goroutine ", "panic:", "stack trace", "at Object.", "Traceback (most recent"} {
		if strings.Contains(body, marker) {
			return vulnerable(runner.VulnerabilityDetails{
				Type:        "Verbose Error Disclosure",
				Description: "Malformed input produced an error response containing internal stack details",
				Impact:      ImpactLow,
				Remediation: "Return generic error bodies to clients and keep stack traces in server-side logs only",
			}), nil
		}
	}
	return secure(), nil
}

func get(ctx context.Context, client *http.Client, target string, headers map[string]string) (int, string, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, responsePreviewLimit))
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, string(raw), resp.Header, nil
}

func postJSON(ctx context.Context, client *http.Client, target string, payload interface{}) (int, string, http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(body)))
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, responsePreviewLimit))
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, string(raw), resp.Header, nil
}
