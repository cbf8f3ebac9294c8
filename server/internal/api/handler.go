package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/obsidianstack/metricflow/server/internal/alerts"
	"github.com/obsidianstack/metricflow/server/internal/store"
)

// maxBody caps request bodies on write endpoints.
const maxBody = 1 << 20

// Handler serves the /api/v1 REST API.
type Handler struct {
	engine *alerts.Engine
	latest *store.Latest
	now    func() time.Time
	router chi.Router
}

// Middleware wraps the API routes, typically an auth guard.
type Middleware func(http.Handler) http.Handler

// New returns the API handler. Every route runs behind guard when it is
// non-nil.
func New(eng *alerts.Engine, latest *store.Latest, guard Middleware) http.Handler {
	h := &Handler{engine: eng, latest: latest, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(jsonContentType)
	if guard != nil {
		r.Use(guard)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/alerts", h.listAlerts)
		r.Get("/alerts/{id}", h.getAlert)
		r.Get("/alerts/{id}/history", h.alertHistory)
		r.Post("/alerts/{id}/acknowledge", h.acknowledge)
		r.Post("/alerts/{id}/resolve", h.resolve)
		r.Get("/rules", h.listRules)
		r.Get("/rules/{id}/statistics", h.ruleStatistics)
		r.Post("/kpis/{id}/values", h.kpiValue)
		r.Get("/metrics", h.listMetrics)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// health returns GET /api/v1/health: alert counts and an overall state.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	active := h.engine.ActiveAlerts()
	resp := HealthResponse{
		ActiveAlerts: len(active),
		RuleCount:    len(h.engine.Rules()),
		MetricCount:  len(h.latest.List()),
	}
	for _, a := range active {
		switch a.Severity {
		case alerts.SeverityCritical:
			resp.CriticalCount++
		case alerts.SeverityWarning:
			resp.WarningCount++
		default:
			resp.InfoCount++
		}
	}
	resp.State = stateFromAlerts(resp)
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts returns GET /api/v1/alerts[?status=active|resolved|suppressed].
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := alerts.Status(r.URL.Query().Get("status"))
	switch status {
	case "", alerts.StatusActive, alerts.StatusResolved, alerts.StatusSuppressed:
	default:
		jsonErr(w, http.StatusBadRequest, "status must be active, resolved or suppressed")
		return
	}
	jsonResp(w, http.StatusOK, h.engine.Alerts(status))
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Alert(chi.URLParam(r, "id"))
	if err != nil {
		alertErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

func (h *Handler) alertHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hist := h.engine.History(id)
	if len(hist) == 0 {
		if _, err := h.engine.Alert(id); err != nil {
			alertErr(w, err)
			return
		}
		hist = []alerts.HistoryEntry{}
	}
	jsonResp(w, http.StatusOK, hist)
}

// acknowledge handles POST /api/v1/alerts/{id}/acknowledge.
func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		jsonErr(w, http.StatusBadRequest, "user_id is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.engine.AcknowledgeAlert(id, req.UserID, req.Notes); err != nil {
		alertErr(w, err)
		return
	}
	h.getAlert(w, r)
}

// resolve handles POST /api/v1/alerts/{id}/resolve.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	id := chi.URLParam(r, "id")
	if err := h.engine.ResolveAlert(id, req.Reason, req.UserID); err != nil {
		alertErr(w, err)
		return
	}
	h.getAlert(w, r)
}

func (h *Handler) listRules(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.engine.Rules())
}

// ruleStatistics returns GET /api/v1/rules/{id}/statistics with hints.
func (h *Handler) ruleStatistics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := h.engine.Rule(id)
	if err != nil {
		jsonErr(w, http.StatusNotFound, "rule not found")
		return
	}
	st, err := h.engine.Statistics(id)
	if err != nil {
		jsonErr(w, http.StatusNotFound, "rule not found")
		return
	}
	jsonResp(w, http.StatusOK, StatisticsResponse{
		Statistics:  st,
		Diagnostics: computeDiagnostics(rule, st),
	})
}

// kpiValue handles POST /api/v1/kpis/{id}/values and evaluates the value
// against KPI rules.
func (h *Handler) kpiValue(w http.ResponseWriter, r *http.Request) {
	var req KPIValueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		jsonErr(w, http.StatusBadRequest, "value is required")
		return
	}
	at := h.now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	fired := h.engine.ProcessKPIValue(r.Context(), chi.URLParam(r, "id"), req.TenantID, *req.Value, at)
	if fired == nil {
		fired = []alerts.Alert{}
	}
	jsonResp(w, http.StatusAccepted, KPIValueResponse{Triggered: fired})
}

// listMetrics returns GET /api/v1/metrics: the newest live value per metric.
func (h *Handler) listMetrics(w http.ResponseWriter, _ *http.Request) {
	entries := h.latest.List()
	out := make([]MetricResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, MetricResponse{
			MetricID:    e.Value.MetricID,
			TenantID:    e.Value.TenantID,
			Value:       e.Value.Value,
			Timestamp:   e.Value.Timestamp.UTC().Format(time.RFC3339),
			Dimensions:  e.Value.Dimensions,
			DataQuality: e.Value.DataQuality,
			LastSeen:    e.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func alertErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		jsonErr(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerts.ErrAlertNotActive):
		jsonErr(w, http.StatusConflict, "alert is not active")
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// stateFromAlerts summarises active alerts into a health state.
func stateFromAlerts(h HealthResponse) string {
	switch {
	case h.CriticalCount > 0:
		return "critical"
	case h.WarningCount > 0:
		return "degraded"
	default:
		return "healthy"
	}
}
