package metric

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_MetricsEndpoint(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordConsumers(2)

	srv := NewServer(0, "", registry, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stepstreams_engine_consumers_running 2")
}

func TestServer_HealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthFunc
		wantStatus int
		wantHealth bool
	}{
		{"no callback", nil, http.StatusOK, true},
		{"healthy", func() (bool, any) { return true, map[string]string{"nats": "connected"} }, http.StatusOK, true},
		{"unhealthy", func() (bool, any) { return false, "consumer stopped" }, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(0, "", NewMetricsRegistry(), tt.health)
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantHealth, body["healthy"])
		})
	}
}

func TestServer_Defaults(t *testing.T) {
	srv := NewServer(0, "", NewMetricsRegistry(), nil)
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
}
