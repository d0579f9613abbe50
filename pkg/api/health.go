package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sqlbus/sqlbus/pkg/dispatch"
	"github.com/sqlbus/sqlbus/pkg/schema"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Is the schema deployed and at least one store reachable?
//   - Store health: Detailed per-store connectivity
type HealthHandler struct {
	provider dispatch.Provider
	schema   *schema.Manager
}

// NewHealthHandler creates a new health handler.
//
// Both parameters may be nil, in which case readiness and store health
// report unhealthy status.
func NewHealthHandler(provider dispatch.Provider, schemaMgr *schema.Manager) *HealthHandler {
	return &HealthHandler{provider: provider, schema: schemaMgr}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the server process is running. This endpoint is designed
// for Kubernetes liveness probes and should always succeed as long as the
// HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthyResponse(map[string]string{
		"service": "sqlbus",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK when:
//   - schema deployment has completed (or was disabled)
//   - the provider knows at least one store
//
// Returns 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.schema == nil || !h.schema.IsReady() {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse("schema deployment not complete"))
		return
	}
	if h.provider == nil {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse("store provider not initialized"))
		return
	}

	ids := h.provider.StoreIDs()
	if len(ids) == 0 {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse("no stores registered"))
		return
	}

	JSON(w, http.StatusOK, HealthyResponse(map[string]interface{}{
		"stores": len(ids),
	}))
}

// StoreHealth represents the health status of a single store.
type StoreHealth struct {
	StoreID string `json:"store_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// StoresResponse represents the detailed store health response.
type StoresResponse struct {
	Stores []StoreHealth `json:"stores"`
}

// Stores handles GET /health/stores - detailed store health.
//
// Pings every registered store. Returns 200 OK if all stores respond,
// 503 Service Unavailable if any ping fails.
func (h *HealthHandler) Stores(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse("store provider not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := StoresResponse{Stores: make([]StoreHealth, 0)}
	allHealthy := true

	for _, id := range h.provider.StoreIDs() {
		st, ok := h.provider.StoreByID(id)
		if !ok {
			// Removed between listing and lookup.
			continue
		}

		start := time.Now()
		err := st.Ping(ctx)
		latency := time.Since(start)

		health := StoreHealth{
			StoreID: id,
			Latency: latency.String(),
		}
		if err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			allHealthy = false
		} else {
			health.Status = "healthy"
		}
		response.Stores = append(response.Stores, health)
	}

	if allHealthy {
		JSON(w, http.StatusOK, HealthyResponse(response))
	} else {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponseWithData(response))
	}
}
