package ops_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/torotorokou/sanbou-app-sub002/internal/ops"
	"github.com/torotorokou/sanbou-app-sub002/internal/testutil"
)

func TestRouter_Probes(t *testing.T) {
	t.Parallel()

	s := testutil.NewTestDB(t)
	srv := httptest.NewServer(ops.NewRouter(s.Store))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	s := testutil.NewTestDB(t)
	srv := httptest.NewServer(ops.NewRouter(s.Store))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "forecast_jobs_enqueued_total") {
		t.Error("metrics output missing forecast_jobs_enqueued_total")
	}
}
