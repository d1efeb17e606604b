package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/observability"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer((&Server{}).Router())
	defer ts.Close()

	code, body := getJSON(t, ts.URL+"/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, body)
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	srv := &Server{Checks: map[string]Pinger{"history": history.NewMemoryStore(true)}}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := getJSON(t, ts.URL+"/readyz")
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("unexpected ready response %d %v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["history"] != "ok" {
		t.Fatalf("unexpected checks %v", checks)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	srv := &Server{Checks: map[string]Pinger{
		"history": history.NewMemoryStore(true),
		"state":   pingFunc(func(context.Context) error { return errors.New("database is closed") }),
	}}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := getJSON(t, ts.URL+"/readyz")
	if code != http.StatusServiceUnavailable || body["status"] != "unavailable" {
		t.Fatalf("unexpected ready response %d %v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["state"] != "database is closed" || checks["history"] != "ok" {
		t.Fatalf("unexpected checks %v", checks)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsWith(reg, "parley")
	m.ChunkSent()

	srv := &Server{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "parley_chunks_sent_total 1") {
		t.Fatalf("expected chunk counter in metrics output:\n%s", data)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := httptest.NewServer((&Server{}).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Server{}).ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("unexpected error %v", err)
	}
}
