package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/blocklist"
	"github.com/rankitpro/security-core/internal/event"
	"github.com/rankitpro/security-core/internal/pentest"
	"github.com/rankitpro/security-core/internal/runner"
	"github.com/rankitpro/security-core/internal/service"
	"github.com/rankitpro/security-core/internal/sessiontest"
	"github.com/rankitpro/security-core/internal/util"
)

// SecurityHandler serves the dashboard's query/command surface. Response
// bodies follow the dashboard contract exactly; the dashboard always gets a
// well-formed JSON document, errors included.
type SecurityHandler struct {
	service *service.SecurityService
	pentest *pentest.Suite
	session *sessiontest.Suite
	logger  *zap.Logger
}

func NewSecurityHandler(svc *service.SecurityService, pen *pentest.Suite, ses *sessiontest.Suite, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		service: svc,
		pentest: pen,
		session: ses,
		logger:  logger,
	}
}

// RegisterRoutes registers the dashboard surface under /security.
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		// The push channel lives at the group root.
		r.Get("/", h.ServeWS)

		r.Get("/metrics", h.GetMetrics)
		r.Get("/events", h.GetEvents)
		r.Post("/events", h.RecordEvent)
		r.Post("/events/{eventID}/resolve", h.ResolveEvent)
		r.Get("/blocked-ips", h.GetBlockedIPs)
		r.Post("/block-ip", h.BlockIP)
		r.Post("/unblock-ip", h.UnblockIP)
		r.Get("/health", h.GetHealth)

		r.Post("/pentest/run-all", h.RunPentests)
		r.Get("/pentest/results", h.GetPentestResults)
		r.Get("/pentest/vulnerabilities", h.GetVulnerabilities)

		r.Post("/session/run-all", h.RunSessionTests)
		r.Get("/session/results", h.GetSessionResults)
		r.Get("/session/metrics", h.GetSessionMetrics)
	})
}

// GetMetrics serves GET /security/metrics.
func (h *SecurityHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Metrics(r.Context()))
}

// GetEvents serves GET /security/events?limit=N with optional type,
// severity, and source filters.
func (h *SecurityHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	filter := event.Filter{
		Type:          event.Type(r.URL.Query().Get("type")),
		Severity:      event.Severity(r.URL.Query().Get("severity")),
		SourceAddress: r.URL.Query().Get("source"),
	}
	events := h.service.Events(filter, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// RecordEvent serves POST /security/events, the ingestion entry point the
// external auth and request paths report through.
func (h *SecurityHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	stored := h.service.RecordEvent(r.Context(), ev)
	writeJSON(w, http.StatusCreated, stored)
}

// ResolveEvent serves POST /security/events/{eventID}/resolve.
func (h *SecurityHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	if err := h.service.ResolveEvent(id); err != nil {
		if errors.Is(err, event.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetBlockedIPs serves GET /security/blocked-ips.
func (h *SecurityHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	entries := h.service.Blocklist().List()
	ips := make([]string, 0, len(entries))
	for _, entry := range entries {
		ips = append(ips, entry.Address)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blockedIPs": ips,
		"entries":    entries,
	})
}

// BlockIP serves POST /security/block-ip, the manual blocking mechanism for
// external policy components and operators.
func (h *SecurityHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP     string `json:"ip"`
		Reason string `json:"reason"`
		TTL    string `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ttl")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}
	h.service.Blocklist().Block(r.Context(), req.IP, req.Reason, ttl)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// UnblockIP serves POST /security/unblock-ip.
func (h *SecurityHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := h.service.Blocklist().Unblock(r.Context(), req.IP); err != nil {
		if errors.Is(err, blocklist.ErrNotBlocked) {
			writeJSON(w, http.StatusNotFound, map[string]bool{"ok": false})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to unblock")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetHealth serves GET /security/health.
func (h *SecurityHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Health())
}

// RunPentests serves POST /security/pentest/run-all.
func (h *SecurityHandler) RunPentests(w http.ResponseWriter, r *http.Request) {
	results, err := h.pentest.RunAll(r.Context())
	if err != nil {
		if errors.Is(err, runner.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "run already in progress")
			return
		}
		// Cancelled run: the partial/aborted snapshot is still well-formed.
		h.logger.Warn("penetration run ended early", util.ErrorField(err))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// GetPentestResults serves GET /security/pentest/results.
func (h *SecurityHandler) GetPentestResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": h.pentest.Results(),
		"running": h.pentest.Running(),
	})
}

// GetVulnerabilities serves GET /security/pentest/vulnerabilities.
func (h *SecurityHandler) GetVulnerabilities(w http.ResponseWriter, r *http.Request) {
	vulns := h.pentest.Vulnerabilities()
	if vulns == nil {
		vulns = []runner.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vulnerabilities": vulns,
		"summary":         h.pentest.Summary(),
	})
}

// RunSessionTests serves POST /security/session/run-all.
func (h *SecurityHandler) RunSessionTests(w http.ResponseWriter, r *http.Request) {
	results, err := h.session.RunAll(r.Context())
	if err != nil {
		if errors.Is(err, runner.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "run already in progress")
			return
		}
		h.logger.Warn("session run ended early", util.ErrorField(err))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// GetSessionResults serves GET /security/session/results.
func (h *SecurityHandler) GetSessionResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": h.session.Results(),
		"running": h.session.Running(),
	})
}

// GetSessionMetrics serves GET /security/session/metrics, a pass-through
// snapshot from the external session component.
func (h *SecurityHandler) GetSessionMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.session.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "session component unreachable")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func parseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
