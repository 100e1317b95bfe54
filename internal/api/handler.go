// Package api serves the pod's operator endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/shawn/tenant-chatbots/internal/supervisor"
)

// Status is the view of the orchestrator the endpoints report on.
type Status interface {
	PodID() string
	Running() bool
	Owned() []string
	Connections() []supervisor.Key
}

// Handler is the operator HTTP handler
type Handler struct {
	status  Status
	metrics http.Handler
}

// New creates a Handler. metrics may be nil, in which case /metrics is not
// served.
func New(status Status, metrics http.Handler) *Handler {
	return &Handler{status: status, metrics: metrics}
}

// Router returns the chi router with all routes registered
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.Healthz)
	r.Get("/owned", h.Owned)
	r.Get("/tenants/{tenantID}", h.Tenant)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// Healthz returns 200 while the orchestrator runs and 503 once it has shut
// down.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if !h.status.Running() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type connection struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

type ownedResponse struct {
	Pod         string       `json:"pod"`
	Tenants     []string     `json:"tenants"`
	Connections []connection `json:"connections"`
}

// Owned lists the tenants this pod owns and its live bot connections.
func (h *Handler) Owned(w http.ResponseWriter, r *http.Request) {
	resp := ownedResponse{
		Pod:         h.status.PodID(),
		Tenants:     displayTenants(h.status.Owned()),
		Connections: []connection{},
	}
	for _, k := range h.status.Connections() {
		resp.Connections = append(resp.Connections, connection{TenantID: k.TenantID, BotID: k.BotID})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Tenant reports whether this pod owns the tenant and which of its bots are
// connected. The single-tenant deployment is addressed as "_single".
func (h *Handler) Tenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == singleTenantParam {
		tenantID = registry.NoTenant
	}
	if !slices.Contains(h.status.Owned(), tenantID) {
		http.Error(w, "not owned by this pod", http.StatusNotFound)
		return
	}

	bots := []string{}
	for _, k := range h.status.Connections() {
		if k.TenantID == tenantID {
			bots = append(bots, k.BotID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": chi.URLParam(r, "tenantID"),
		"pod":       h.status.PodID(),
		"bots":      bots,
	})
}

const singleTenantParam = "_single"

func displayTenants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == registry.NoTenant {
			id = singleTenantParam
		}
		out = append(out, id)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to write response", "err", err)
	}
}
