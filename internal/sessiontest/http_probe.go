package sessiontest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProbe drives a session component over its HTTP contract. The idle
// timeout and concurrency cap mirror the target's configuration; the probe
// cannot read them remotely, so the operator supplies them.
type HTTPProbe struct {
	client        *http.Client
	base          string
	idleTimeout   time.Duration
	maxConcurrent int
}

func NewHTTPProbe(baseURL string, idleTimeout time.Duration, maxConcurrent int, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		client:        &http.Client{Timeout: timeout},
		base:          baseURL,
		idleTimeout:   idleTimeout,
		maxConcurrent: maxConcurrent,
	}
}

func (p *HTTPProbe) Login(ctx context.Context, principal string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	err := p.postJSON(ctx, "/api/session/login", map[string]string{"principal": principal}, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("login returned no session id")
	}
	return out.SessionID, nil
}

func (p *HTTPProbe) Logout(ctx context.Context, sessionID string) error {
	return p.postJSON(ctx, "/api/session/logout", map[string]string{"sessionId": sessionID}, nil)
}

func (p *HTTPProbe) IsActive(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	err := p.getJSON(ctx, "/api/session/status?sessionId="+url.QueryEscape(sessionID), &out)
	if err != nil {
		return false, err
	}
	return out.Active, nil
}

func (p *HTTPProbe) ActiveSessions(ctx context.Context, principal string) ([]string, error) {
	var out struct {
		Sessions []string `json:"sessions"`
	}
	err := p.getJSON(ctx, "/api/session/list?principal="+url.QueryEscape(principal), &out)
	if err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (p *HTTPProbe) IdleTimeout() time.Duration {
	return p.idleTimeout
}

func (p *HTTPProbe) MaxConcurrent() int {
	return p.maxConcurrent
}

func (p *HTTPProbe) Metrics(ctx context.Context) (Metrics, error) {
	var out Metrics
	if err := p.getJSON(ctx, "/api/session/metrics", &out); err != nil {
		return Metrics{}, err
	}
	return out, nil
}

func (p *HTTPProbe) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *HTTPProbe) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *HTTPProbe) do(req *http.Request, out interface{}) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("session probe request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session probe %s returned %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("session probe response decode failed: %w", err)
	}
	return nil
}
