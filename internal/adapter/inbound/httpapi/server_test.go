package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/service"
)

func testServer(dispatcher Dispatcher, opts ...Option) *Server {
	identities := &fakeIdentities{ids: map[string]*identity.Identity{"U007ADMIN": adminIdentity()}}
	opts = append(opts, WithLogger(discardLogger()))
	return NewServer(dispatcher, &fakeApprovals{}, identities, &fakeAudits{}, opts...)
}

func TestServerRoutes(t *testing.T) {
	dispatcher := &fakeDispatcher{resp: &service.Response{RequestID: "r1", Status: audit.StatusAllowed}}
	handler := testServer(dispatcher).Handler(nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"request_id":       "r1",
		"external_user_id": "U007ADMIN",
		"tool_name":        "run_sql",
		"inputs":           map[string]interface{}{"query": "SELECT 1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/call", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("POST /v1/tools/call status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /v1/audit status = %d", rec.Code)
	}

	// Wrong method on a known path.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools/call", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/tools/call status = %d, want 405", rec.Code)
	}
}

func TestServerRequiresAPIKey(t *testing.T) {
	dispatcher := &fakeDispatcher{resp: &service.Response{RequestID: "r1", Status: audit.StatusAllowed}}
	verifier := &stubVerifier{keys: map[string]string{"dg_good": "U007ADMIN"}}
	handler := testServer(dispatcher, WithAPIKeys(verifier, true)).Handler(nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"request_id":       "r1",
		"external_user_id": "U007ADMIN",
		"tool_name":        "run_sql",
		"inputs":           map[string]interface{}{"query": "SELECT 1"},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/call", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/call", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer dg_good")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body %s", rec.Code, rec.Body.String())
	}
}

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

func TestHealthHandler(t *testing.T) {
	hc := NewHealthChecker(&stubPinger{}, &stubPinger{}, nil, "test")
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["store"] != "ok" || resp.Checks["warehouse"] != "ok" {
		t.Errorf("response = %+v", resp)
	}

	hc = NewHealthChecker(&stubPinger{err: errors.New("connection refused")}, nil, nil, "test")
	rec = httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want 503", rec.Code)
	}
}

type stubPending struct{ n int }

func (s *stubPending) CountPending(context.Context) (int, error) { return s.n, nil }

type stubFailures struct{ n int64 }

func (s *stubFailures) Failures() int64 { return s.n }

type stubCache struct{ n int }

func (s *stubCache) CacheSize() int { return s.n }

func TestMetricsCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, &stubPending{n: 3}, &stubFailures{n: 2}, &stubCache{n: 41})
	m.RequestsTotal.WithLabelValues("tools", "ok").Inc()
	m.PolicyDecisions.WithLabelValues("DENY").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) > 0 {
			metric := mf.GetMetric()[0]
			switch {
			case metric.GetGauge() != nil:
				got[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				got[mf.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}
	if got["datagate_pending_approvals"] != 3 {
		t.Errorf("pending_approvals = %v", got["datagate_pending_approvals"])
	}
	if got["datagate_audit_write_failures_total"] != 2 {
		t.Errorf("audit_write_failures_total = %v", got["datagate_audit_write_failures_total"])
	}
	if got["datagate_decision_cache_entries"] != 41 {
		t.Errorf("decision_cache_entries = %v", got["datagate_decision_cache_entries"])
	}
	if got["datagate_requests_total"] != 1 {
		t.Errorf("requests_total = %v", got["datagate_requests_total"])
	}
}
