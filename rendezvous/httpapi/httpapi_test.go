package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"aoo/rendezvous"
	"aoo/rendezvous/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rdv := rendezvous.New(rendezvous.Config{Addr: "127.0.0.1:0"}, st)
	return New(rdv)
}

func TestHealthEndpointEmptyRoster(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleHealth(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Groups != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGroupsEndpointReturnsEmptySlice(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleGroups(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp GroupsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Groups == nil {
		t.Errorf("expected empty slice, not null, got nil")
	}
	if len(resp.Groups) != 0 {
		t.Errorf("expected no groups, got %v", resp.Groups)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleMetrics(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp MetricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("unexpected status: %q", resp.Status)
	}
}

func TestVersionEndpoint(t *testing.T) {
	s := newTestServer(t)
	Version = "test-version"

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleVersion(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test-version" {
		t.Errorf("got version %q, want %q", resp.Version, "test-version")
	}
}
