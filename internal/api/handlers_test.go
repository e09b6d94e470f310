package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/config"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/metrics"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/telemetry"
)

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	b := broker.NewMemoryBroker()
	r := router.NewRouter(0)
	lm := lifecycle.New(s, b, r, nil)
	agg := metrics.New(s, r, telemetry.NewNoop())

	cfg := &config.Config{
		APIHost:       "127.0.0.1",
		APIKey:        testAPIKey,
		MaxInputBytes: 262144,
		HTTP: config.HTTPConfig{
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Second,
			IdleTimeout:       5 * time.Second,
		},
	}
	srv := New(cfg, s, lm, r, agg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, apiKey string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSubmitRequiresAPIKey(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", "", submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage), Input: map[string]interface{}{"x": 1},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitRejectsInvalidProjectID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "bad project id!", TaskType: string(task.TypeGenerateImage), Input: map[string]interface{}{"x": 1},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsUnknownTaskType(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: "not_a_real_type", Input: map[string]interface{}{"x": 1},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsNonAbsoluteCallbackURL(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage),
		Input: map[string]interface{}{"x": 1}, CallbackURL: "/relative/path",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitThenStatusRoundTrips(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage), Input: map[string]interface{}{"x": 1},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var submitted submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.Equal(t, task.StateQueued, submitted.State)
	assert.NotEmpty(t, submitted.TaskID)

	statusResp := doRequest(t, ts, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID+"/status", testAPIKey, nil)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var rec task.Record
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&rec))
	assert.Equal(t, submitted.TaskID, rec.ID)
	assert.Equal(t, "proj-1", rec.ProjectID)
}

func TestStatusNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, http.MethodGet, "/api/v1/tasks/does-not-exist/status", testAPIKey, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListByProjectPaginates(t *testing.T) {
	ts, s := newTestServer(t)
	for i := 0; i < 5; i++ {
		rec := task.New(task.NewID(), "proj-list", task.TypeGenerateImage, nil)
		require.NoError(t, s.Create(context.Background(), rec))
	}

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/projects/proj-list/tasks?limit=2&page=1", testAPIKey, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list listResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 5, list.TotalCount)
	assert.Len(t, list.Tasks, 2)
}

func TestCancelQueuedTask(t *testing.T) {
	ts, _ := newTestServer(t)
	submitResp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage), Input: map[string]interface{}{"x": 1},
	})
	var submitted submitResponse
	require.NoError(t, json.NewDecoder(submitResp.Body).Decode(&submitted))
	submitResp.Body.Close()

	resp := doRequest(t, ts, http.MethodDelete, "/api/v1/tasks/"+submitted.TaskID, testAPIKey, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled cancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	assert.Equal(t, submitted.TaskID, cancelled.TaskID)
	assert.Equal(t, task.StateCancelled, cancelled.State)
	assert.Equal(t, task.StateQueued, cancelled.PreviousState)
}

func TestRetryRejectsNonFailedTask(t *testing.T) {
	ts, _ := newTestServer(t)
	submitResp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage), Input: map[string]interface{}{"x": 1},
	})
	var submitted submitResponse
	require.NoError(t, json.NewDecoder(submitResp.Body).Decode(&submitted))
	submitResp.Body.Close()

	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/"+submitted.TaskID+"/retry", testAPIKey, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	metricsResp := doRequest(t, ts, http.MethodGet, "/api/v1/tasks/metrics", testAPIKey, nil)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	healthResp := doRequest(t, ts, http.MethodGet, "/api/v1/tasks/health", testAPIKey, nil)
	defer healthResp.Body.Close()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)

	var report map[string]interface{}
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&report))
	assert.Equal(t, "healthy", report["status"])
}

func TestLivenessAndPrometheusMetricsAreUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	liveResp := doRequest(t, ts, http.MethodGet, "/api/v1/health", "", nil)
	defer liveResp.Body.Close()
	assert.Equal(t, http.StatusOK, liveResp.StatusCode)

	promResp := doRequest(t, ts, http.MethodGet, "/metrics", "", nil)
	defer promResp.Body.Close()
	assert.Equal(t, http.StatusOK, promResp.StatusCode)
}

func TestSubmitRejectsOversizedBody(t *testing.T) {
	ts, _ := newTestServer(t)
	huge := make(map[string]interface{}, 1)
	huge["blob"] = fmt.Sprintf("%0300000d", 0)
	resp := doRequest(t, ts, http.MethodPost, "/api/v1/tasks/submit", testAPIKey, submitRequest{
		ProjectID: "proj-1", TaskType: string(task.TypeGenerateImage), Input: huge,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
