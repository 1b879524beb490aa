package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
)

var (
	okPing   = func(context.Context) error { return nil }
	failPing = func(context.Context) error { return errors.New("unreachable") }
)

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://localhost"+path, nil))
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return w.Code, body
}

func TestHealthzDependencyChecks(t *testing.T) {
	tests := []struct {
		name   string
		db     func(context.Context) error
		rpc    func(context.Context) error
		code   int
		status string
	}{
		{"healthy", okPing, okPing, http.StatusOK, "ok"},
		{"db down", failPing, okPing, http.StatusServiceUnavailable, "degraded"},
		{"rpc down", okPing, failPing, http.StatusServiceUnavailable, "degraded"},
		{"no checks", nil, nil, http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, Handler(Checker{DBPing: tt.db, RPCPing: tt.rpc}), "/healthz")
			if code != tt.code || body["status"] != tt.status {
				t.Fatalf("got %d %v, want %d %s", code, body, tt.code, tt.status)
			}
			if tt.db == nil {
				if _, ok := body["db"]; ok {
					t.Fatalf("skipped check reported: %v", body)
				}
			}
		})
	}
}

func TestHealthzFeedState(t *testing.T) {
	snap := feed.Snapshot{IsLoadingInitial: true, IsLoadingTotal: true, State: feed.StateLoading}
	h := Handler(Checker{Feed: func() feed.Snapshot { return snap }})

	code, body := get(t, h, "/healthz")
	if code != http.StatusOK || body["feed"] != "loading" {
		t.Fatalf("loading feed: %d %v", code, body)
	}
	if _, ok := body["total"]; ok {
		t.Fatalf("total reported before first count: %v", body)
	}

	snap = feed.Snapshot{State: feed.StatePartial, StoreSize: 25, Total: 30}
	_, body = get(t, h, "/healthz")
	if body["feed"] != "partial" || body["store_size"] != float64(25) || body["total"] != float64(30) {
		t.Fatalf("partial feed: %v", body)
	}
}

func TestReadyz(t *testing.T) {
	loading := true
	h := Handler(Checker{Feed: func() feed.Snapshot { return feed.Snapshot{IsLoadingInitial: loading} }})

	if code, body := get(t, h, "/readyz"); code != http.StatusServiceUnavailable || body["status"] != "loading" {
		t.Fatalf("expected not ready: %d %v", code, body)
	}
	loading = false
	if code, _ := get(t, h, "/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := Serve("127.0.0.1:0", Checker{})
	if err := Shutdown(srv, 2*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
