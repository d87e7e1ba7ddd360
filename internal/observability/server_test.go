package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/hubd/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdminHealthzAndStatus(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{
		Logger: testlog.Logger(t),
		Status: func() any {
			return map[string]any{"state": "connected"}
		},
	})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body["state"] != "connected" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestAdminStatusWithoutProvider(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{Logger: testlog.Logger(t)})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAdminServesMetrics(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{Addr: "127.0.0.1:0", Logger: testlog.Logger(t)})
	if err := a.Start(); err != nil {
		t.Fatalf("start admin: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	RecordAttempt("connected")
	resp, err := http.Get("http://" + a.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(raw), "hubd_supervisor_attempts_total") {
		t.Fatalf("metrics output missing attempts counter")
	}
}

func TestAdminCORSAllowsConfiguredOrigin(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{
		Logger:      testlog.Logger(t),
		CORSOrigins: []string{" http://dash.local "},
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestAdminStatusRequiresToken(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{
		Logger: testlog.Logger(t),
		Token:  "s3cret",
		Status: func() any { return map[string]any{"state": "idle"} },
	})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestAdminUnmatchedRoutesShareOneLabel(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(AdminConfig{Logger: testlog.Logger(t)})
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, unmatchedRoute, "404"))
	for _, path := range []string{"/nope", "/wp-admin", "/nope/again"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, unmatchedRoute, "404")); got != before+3 {
		t.Fatalf("expected %v unmatched requests, got %v", before+3, got)
	}
}
