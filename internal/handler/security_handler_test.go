package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/blocklist"
	"github.com/rankitpro/security-core/internal/event"
	"github.com/rankitpro/security-core/internal/hub"
	"github.com/rankitpro/security-core/internal/pentest"
	"github.com/rankitpro/security-core/internal/service"
	"github.com/rankitpro/security-core/internal/sessiontest"
)

// stubProbe is a minimal in-memory session component for the handler tests.
type stubProbe struct {
	mu     sync.Mutex
	nextID int
	live   map[string]string // sessionID -> principal
}

func newStubProbe() *stubProbe {
	return &stubProbe{live: make(map[string]string)}
}

func (p *stubProbe) Login(ctx context.Context, principal string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("stub-%d", p.nextID)
	p.live[id] = principal
	return id, nil
}

func (p *stubProbe) Logout(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, sessionID)
	return nil
}

func (p *stubProbe) IsActive(ctx context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[sessionID]
	return ok, nil
}

func (p *stubProbe) ActiveSessions(ctx context.Context, principal string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, owner := range p.live {
		if owner == principal {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *stubProbe) IdleTimeout() time.Duration { return 50 * time.Millisecond }
func (p *stubProbe) MaxConcurrent() int         { return 0 }

func (p *stubProbe) Metrics(ctx context.Context) (sessiontest.Metrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sessiontest.Metrics{
		ActiveSessions: int64(len(p.live)),
		TotalSessions:  int64(p.nextID),
	}, nil
}

// newTestRouter wires the full stack with in-memory dependencies only: no
// redis, no pipeline, blocking policy at 5 failures per hour.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	logger := zap.NewNop()

	store := event.NewStore(time.Hour, time.Hour, 1000, logger)
	broadcast := hub.New(16, logger)
	manager := blocklist.NewManager(time.Hour, 0, nil, logger)
	policy := blocklist.NewThresholdPolicy(store, 5, time.Hour, 30*time.Minute)
	svc := service.NewSecurityService(store, broadcast, manager, policy, nil, nil, 0, logger)

	pen := pentest.NewSuite("http://127.0.0.1:1", time.Second, 2, logger)
	ses := sessiontest.NewSuite(newStubProbe(), "", 5*time.Second, 2, logger)

	t.Cleanup(broadcast.Close)
	return NewRouter(NewSecurityHandler(svc, pen, ses, logger), logger)
}

func postJSONBody(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, router http.Handler, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec
}

func recordLoginFailure(t *testing.T, router http.Handler, source string) event.Event {
	t.Helper()
	rec := postJSONBody(t, router, "/security/events", map[string]string{
		"type":          string(event.TypeLoginFailure),
		"sourceAddress": source,
		"userId":        "user-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record event: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var stored event.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode stored event: %v", err)
	}
	return stored
}

// Repeated login failures must show up in the metrics, trip the blocking
// policy, appear in the blocklist view, and be manually unblockable.
func TestFailureBurstBlocksSource(t *testing.T) {
	router := newTestRouter(t)
	const source = "10.0.0.5"

	for i := 0; i < 5; i++ {
		recordLoginFailure(t, router, source)
	}

	var metrics event.Metrics
	getJSON(t, router, "/security/metrics", &metrics)
	if metrics.FailedLogins != 5 || metrics.LoginAttempts != 5 {
		t.Fatalf("want 5 failed logins counted, got %+v", metrics)
	}
	if metrics.BlockedIPCount != 1 {
		t.Fatalf("fifth failure must trip the blocking policy: %+v", metrics)
	}

	var blocked struct {
		BlockedIPs []string                   `json:"blockedIPs"`
		Entries    []blocklist.BlockedAddress `json:"entries"`
	}
	getJSON(t, router, "/security/blocked-ips", &blocked)
	if len(blocked.BlockedIPs) != 1 || blocked.BlockedIPs[0] != source {
		t.Fatalf("want %s in the blocklist, got %+v", source, blocked)
	}
	if len(blocked.Entries) != 1 || blocked.Entries[0].ExpiresAt == nil {
		t.Fatalf("policy block must carry an expiry: %+v", blocked.Entries)
	}

	if rec := postJSONBody(t, router, "/security/unblock-ip", map[string]string{"ip": source}); rec.Code != http.StatusOK {
		t.Fatalf("unblock: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := postJSONBody(t, router, "/security/unblock-ip", map[string]string{"ip": source}); rec.Code != http.StatusNotFound {
		t.Fatalf("second unblock: want 404, got %d", rec.Code)
	}

	getJSON(t, router, "/security/metrics", &metrics)
	if metrics.BlockedIPCount != 0 {
		t.Fatalf("unblock must empty the blocklist: %+v", metrics)
	}
}

func TestManualBlock(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSONBody(t, router, "/security/block-ip", map[string]string{
		"ip":     "192.0.2.9",
		"reason": "abuse report",
		"ttl":    "15m",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("block: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var blocked struct {
		Entries []blocklist.BlockedAddress `json:"entries"`
	}
	getJSON(t, router, "/security/blocked-ips", &blocked)
	if len(blocked.Entries) != 1 || blocked.Entries[0].Reason != "abuse report" {
		t.Fatalf("want manual entry with reason, got %+v", blocked.Entries)
	}

	if rec := postJSONBody(t, router, "/security/block-ip", map[string]string{"reason": "no ip"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ip: want 400, got %d", rec.Code)
	}
	if rec := postJSONBody(t, router, "/security/block-ip", map[string]string{"ip": "192.0.2.9", "ttl": "soon"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ttl: want 400, got %d", rec.Code)
	}
}

func TestEventQueryFiltersAndLimit(t *testing.T) {
	router := newTestRouter(t)

	recordLoginFailure(t, router, "10.0.0.1")
	recordLoginFailure(t, router, "10.0.0.2")
	postJSONBody(t, router, "/security/events", map[string]string{
		"type":          string(event.TypeSuspiciousActivity),
		"sourceAddress": "10.0.0.3",
	})

	var page struct {
		Events []event.Event `json:"events"`
	}
	getJSON(t, router, "/security/events?limit=2", &page)
	if len(page.Events) != 2 {
		t.Fatalf("limit must cap the page, got %d events", len(page.Events))
	}
	// Newest first.
	if page.Events[0].Type != event.TypeSuspiciousActivity {
		t.Fatalf("want newest event first, got %+v", page.Events[0])
	}

	getJSON(t, router, "/security/events?type=login_failure&source=10.0.0.2", &page)
	if len(page.Events) != 1 || page.Events[0].SourceAddress != "10.0.0.2" {
		t.Fatalf("filter must narrow the page, got %+v", page.Events)
	}

	if rec := getJSON(t, router, "/security/events?limit=nope", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: want 400, got %d", rec.Code)
	}
}

func TestRecordEventValidation(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/security/events", strings.NewReader("{not-json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: want 400, got %d", rec.Code)
	}

	if rec := postJSONBody(t, router, "/security/events", map[string]string{"sourceAddress": "10.0.0.1"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: want 400, got %d", rec.Code)
	}
}

func TestResolveEvent(t *testing.T) {
	router := newTestRouter(t)
	stored := recordLoginFailure(t, router, "10.0.0.7")

	if rec := postJSONBody(t, router, "/security/events/"+stored.ID+"/resolve", nil); rec.Code != http.StatusOK {
		t.Fatalf("resolve: want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Events []event.Event `json:"events"`
	}
	getJSON(t, router, "/security/events", &page)
	if len(page.Events) != 1 || !page.Events[0].Resolved {
		t.Fatalf("event must read back resolved: %+v", page.Events)
	}

	if rec := postJSONBody(t, router, "/security/events/no-such-id/resolve", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown event: want 404, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	var root map[string]string
	if rec := getJSON(t, router, "/health", &root); rec.Code != http.StatusOK || root["status"] != "healthy" {
		t.Fatalf("service health: got %d %v", rec.Code, root)
	}

	var health event.Health
	getJSON(t, router, "/security/health", &health)
	if health.Status != "healthy" {
		t.Fatalf("quiet core must report healthy, got %+v", health)
	}

	postJSONBody(t, router, "/security/events", map[string]string{
		"type":     string(event.TypeSuspiciousActivity),
		"severity": string(event.SeverityCritical),
	})
	getJSON(t, router, "/security/health", &health)
	if health.Status != "critical" || health.CriticalEvents != 1 {
		t.Fatalf("critical event must degrade health, got %+v", health)
	}
}

func TestSuiteEndpointsIdleState(t *testing.T) {
	router := newTestRouter(t)

	var pen struct {
		Results []json.RawMessage `json:"results"`
		Running bool              `json:"running"`
	}
	getJSON(t, router, "/security/pentest/results", &pen)
	if len(pen.Results) != 0 || pen.Running {
		t.Fatalf("fresh suite must be idle and empty: %+v", pen)
	}

	var vulns struct {
		Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
		Summary         map[string]int    `json:"summary"`
	}
	getJSON(t, router, "/security/pentest/vulnerabilities", &vulns)
	if vulns.Vulnerabilities == nil || len(vulns.Vulnerabilities) != 0 {
		t.Fatalf("vulnerabilities must serialize as an empty array: %+v", vulns)
	}

	var ses struct {
		Results []json.RawMessage `json:"results"`
		Running bool              `json:"running"`
	}
	getJSON(t, router, "/security/session/results", &ses)
	if len(ses.Results) != 0 || ses.Running {
		t.Fatalf("fresh session suite must be idle and empty: %+v", ses)
	}

	var metrics sessiontest.Metrics
	getJSON(t, router, "/security/session/metrics", &metrics)
	if metrics.ActiveSessions != 0 {
		t.Fatalf("stub component starts empty, got %+v", metrics)
	}
}

func TestSessionRunAllEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSONBody(t, router, "/security/session/run-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session run: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var run struct {
		Results []struct {
			TestID  string `json:"testId"`
			Success bool   `json:"success"`
			Passed  *bool  `json:"passed"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run response: %v", err)
	}
	if len(run.Results) != 4 {
		t.Fatalf("want 4 session results, got %d", len(run.Results))
	}
	for _, res := range run.Results {
		if !res.Success || res.Passed == nil {
			t.Fatalf("stub component must complete every check: %+v", res)
		}
	}
}

// A connected websocket subscriber receives the security_event envelope for
// an event recorded over the REST surface.
func TestWebSocketPush(t *testing.T) {
	router := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/security"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial push channel: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	stored := recordLoginFailure(t, router, "10.0.0.9")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawEvent := false
	sawMetrics := false
	for !(sawEvent && sawMetrics) {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read push message: %v", err)
		}
		switch msg.Type {
		case hub.MessageSecurityEvent:
			var pushed event.Event
			if err := json.Unmarshal(msg.Data, &pushed); err != nil {
				t.Fatalf("decode pushed event: %v", err)
			}
			if pushed.ID != stored.ID {
				t.Fatalf("pushed event %s does not match recorded %s", pushed.ID, stored.ID)
			}
			sawEvent = true
		case hub.MessageMetricsUpdate:
			var pushed event.Metrics
			if err := json.Unmarshal(msg.Data, &pushed); err != nil {
				t.Fatalf("decode pushed metrics: %v", err)
			}
			if pushed.FailedLogins != 1 {
				t.Fatalf("metrics push must reflect the new event: %+v", pushed)
			}
			sawMetrics = true
		default:
			t.Fatalf("unexpected push type %q", msg.Type)
		}
	}
}
