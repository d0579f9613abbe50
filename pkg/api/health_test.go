package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/dispatch"
	"github.com/sqlbus/sqlbus/pkg/schema"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
)

func newTestRouter(t *testing.T, ready bool, storeIDs ...string) http.Handler {
	t.Helper()

	var provider dispatch.Provider
	if len(storeIDs) > 0 {
		opened := make([]store.Store, 0, len(storeIDs))
		for _, id := range storeIDs {
			opened = append(opened, memory.New(id))
		}
		p, err := dispatch.NewStaticProvider(opened...)
		require.NoError(t, err)
		provider = p
	}

	mgr := schema.NewManager()
	if ready {
		mgr.MarkReady()
	}
	return NewRouter(provider, mgr)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestLivenessAlwaysHealthy(t *testing.T) {
	router := newTestRouter(t, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeResponse(t, rec).Status)
}

func TestReadinessWaitsForSchema(t *testing.T) {
	router := newTestRouter(t, false, "tenant-a")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeResponse(t, rec).Error, "schema")
}

func TestReadinessRequiresStores(t *testing.T) {
	router := newTestRouter(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHealthyWithStores(t *testing.T) {
	router := newTestRouter(t, true, "tenant-a", "tenant-b")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeResponse(t, rec).Status)
}

func TestStoresReportsPerStoreHealth(t *testing.T) {
	router := newTestRouter(t, true, "tenant-a", "tenant-b")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/stores", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Stores []StoreHealth `json:"stores"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data.Stores, 2)
	assert.Equal(t, "tenant-a", resp.Data.Stores[0].StoreID)
	assert.Equal(t, "healthy", resp.Data.Stores[0].Status)
}

func TestRootRedirectsToHealth(t *testing.T) {
	router := newTestRouter(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/health", rec.Header().Get("Location"))
}
