package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dripgate/dripgate/internal/config"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		WebhookSecret: "test-secret",
		MaxBatchSize:  2000,
		DripInterval:  10000,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *job.MemStore) {
	t.Helper()

	store := job.NewMemStore(1000, 0, 500, 0)
	cfg := testConfig()
	reg := registry.New(registry.DefaultEntries())
	h := NewHandler(store, reg, cfg)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	handler := AuthMiddleware(cfg.WebhookSecret, mux)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body []byte, withAuth bool) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, srv.URL+path, nil)
	}
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("x-webhook-secret", "test-secret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateSingle_Returns202(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"tool": "get_linkedin_profile", "params": map[string]string{"user": "x"}})
	resp := doRequest(t, srv, http.MethodPost, "/api/single", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["job_id"] == "" || result["job_id"] == nil {
		t.Error("response missing job_id")
	}
	if result["position"] != float64(1) {
		t.Errorf("position = %v, want 1", result["position"])
	}
}

func TestCreateSingle_UnknownTool_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"tool": "nope", "params": map[string]string{}})
	resp := doRequest(t, srv, http.MethodPost, "/api/single", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["available_tools"] == nil {
		t.Error("response missing available_tools")
	}
}

func TestCreateBatch_Returns202(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"tool":    "get_linkedin_profile",
		"records": []map[string]string{{"user": "a"}, {"user": "b"}},
	})
	resp := doRequest(t, srv, http.MethodPost, "/api/batch", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["jobs_queued"] != float64(2) {
		t.Errorf("jobs_queued = %v, want 2", result["jobs_queued"])
	}
	if result["batch_id"] == "" || result["batch_id"] == nil {
		t.Error("response missing batch_id")
	}
}

func TestCreateBatch_EmptyRecords_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"tool": "get_linkedin_profile", "records": []map[string]string{}})
	resp := doRequest(t, srv, http.MethodPost, "/api/batch", body, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateBatch_TooManyRecords_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)

	records := make([]map[string]string, 3)
	for i := range records {
		records[i] = map[string]string{"user": "x"}
	}
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	reg := registry.New(registry.DefaultEntries())
	store := job.NewMemStore(0, 0, 0, 0)
	h := NewHandler(store, reg, cfg)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	localSrv := httptest.NewServer(AuthMiddleware(cfg.WebhookSecret, mux))
	defer localSrv.Close()

	body, _ := json.Marshal(map[string]any{"tool": "get_linkedin_profile", "records": records})
	req, _ := http.NewRequest(http.MethodPost, localSrv.URL+"/api/batch", bytes.NewReader(body))
	req.Header.Set("x-webhook-secret", "test-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	_ = srv
}

func TestBatchStatus_NotFound_Returns404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/status/does-not-exist", nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBatchStatus_ReturnsCounters(t *testing.T) {
	srv, store := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"tool":    "get_linkedin_profile",
		"records": []map[string]string{{"user": "a"}},
	})
	createResp := doRequest(t, srv, http.MethodPost, "/api/batch", body, true)
	created := decodeJSON(t, createResp)
	createResp.Body.Close()
	batchID := created["batch_id"].(string)

	if _, err := store.IncrementCompleted(context.Background(), batchID); err != nil {
		t.Fatalf("IncrementCompleted: %v", err)
	}

	resp := doRequest(t, srv, http.MethodGet, "/api/status/"+batchID, nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["completed"] != float64(1) {
		t.Errorf("completed = %v, want 1", result["completed"])
	}
}

func TestListTools_ReturnsSeed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/tools", nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["total"] != float64(len(registry.DefaultEntries())) {
		t.Errorf("total = %v, want %d", result["total"], len(registry.DefaultEntries()))
	}
}

func TestHealth_Returns200(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/health", nil, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["status"] != "ok" {
		t.Errorf("health status = %v, want ok", result["status"])
	}
}

func TestAuth_NoSecret_Returns401(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"tool": "get_linkedin_profile", "params": map[string]string{"user": "x"}})
	resp := doRequest(t, srv, http.MethodPost, "/api/single", body, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_HealthExemptFromAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/health", nil, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health without secret: status = %d, want 200", resp.StatusCode)
	}
}
