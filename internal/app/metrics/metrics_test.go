package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                                 "/",
		"/":                                "/",
		"/api/v1/epics":                    "/api/v1/epics",
		"/api/v1/epics/8f3e":               "/api/v1/epics/:id",
		"/api/v1/epics/8f3e/status":        "/api/v1/epics/:id/status",
		"/api/v1/user-stories/abc/assign/": "/api/v1/user-stories/:id/assign",
		"/api/v1/auth/login":               "/api/v1/auth/login",
		"/health":                          "/health",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalPath(in), in)
	}
}

func TestRecordStoreOperation(t *testing.T) {
	before := testutil.ToFloat64(storeOperations.WithLabelValues("epic", "change_status", "error"))
	RecordStoreOperation("epic", "change_status", 0, errors.New("API Error"))
	after := testutil.ToFloat64(storeOperations.WithLabelValues("epic", "change_status", "error"))
	assert.Equal(t, before+1, after)
}

func TestSetCachedEntities(t *testing.T) {
	SetCachedEntities("requirement", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(cachedEntities.WithLabelValues("requirement")))
}

func TestInstrumentTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	client := &http.Client{Transport: InstrumentTransport(nil), Timeout: 5 * time.Second}
	before := testutil.ToFloat64(clientRequests.WithLabelValues("GET", "/api/v1/epics/:id", "418"))

	resp, err := client.Get(server.URL + "/api/v1/epics/e-1")
	require.NoError(t, err)
	resp.Body.Close()

	after := testutil.ToFloat64(clientRequests.WithLabelValues("GET", "/api/v1/epics/:id", "418"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ExposesRegistry(t *testing.T) {
	RecordRealtimeEvent("epic", "updated")
	RecordRefresh("epic", true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "reqdesk_realtime_events_total"))
	assert.True(t, strings.Contains(string(body), "reqdesk_refresh_runs_total"))
}
