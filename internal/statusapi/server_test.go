package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeelkantaria/gelclient/internal/pool"
	"github.com/jeelkantaria/gelclient/internal/query"
)

// fakePool implements Pool directly, sidestepping a real connection.
type fakePool struct {
	stats      pool.Stats
	executeErr error
}

func (f *fakePool) Stats() pool.Stats { return f.stats }

func (f *fakePool) Execute(ctx context.Context, req query.Request) ([]any, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return nil, nil
}

func newTestServer(p Pool) (*Server, *httptest.Server) {
	reg := prometheus.NewRegistry()
	s := New(p, reg)
	s.pingTimeout = 200 * time.Millisecond

	r := http.NewServeMux()
	r.HandleFunc("/healthz", s.healthzHandler)
	ts := httptest.NewServer(r)
	return s, ts
}

func TestHealthzReportsReadyWhenPoolHasConnections(t *testing.T) {
	_, ts := newTestServer(&fakePool{stats: pool.Stats{Active: 1}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ready" {
		t.Fatalf("status field = %q, want ready", body["status"])
	}
}

func TestHealthzPingsWhenPoolIsEmpty(t *testing.T) {
	_, ts := newTestServer(&fakePool{stats: pool.Stats{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (a fresh pool can still dial one)", resp.StatusCode)
	}
}

func TestHealthzReportsUnavailableWhenDialFails(t *testing.T) {
	_, ts := newTestServer(&fakePool{executeErr: errors.New("dial refused")})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	counter.Inc()
	reg.MustRegister(counter)

	s := New(&fakePool{stats: pool.Stats{Active: 1}}, reg)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer s.Stop(context.Background())

	if s.Addr() == "" {
		t.Fatal("Addr() empty after Start()")
	}
}
