package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
)

const checkTimeout = 3 * time.Second

// Checker bundles the checks behind /healthz and /readyz. Nil checks are skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	Feed    func() feed.Snapshot
}

// Report is the /healthz body.
type Report struct {
	Status    string  `json:"status"`
	DB        string  `json:"db,omitempty"`
	RPC       string  `json:"rpc,omitempty"`
	Feed      string  `json:"feed,omitempty"`
	StoreSize int     `json:"store_size,omitempty"`
	Total     *uint64 `json:"total,omitempty"`
}

func status(ctx context.Context, ping func(context.Context) error) string {
	if err := ping(ctx); err != nil {
		return "fail"
	}
	return "ok"
}

// Check runs every configured check. Failing db or rpc checks degrade the
// report; a feed still loading history does not.
func (c Checker) Check(ctx context.Context) Report {
	rep := Report{Status: "ok"}
	if c.DBPing != nil {
		rep.DB = status(ctx, c.DBPing)
	}
	if c.RPCPing != nil {
		rep.RPC = status(ctx, c.RPCPing)
	}
	if rep.DB == "fail" || rep.RPC == "fail" {
		rep.Status = "degraded"
	}
	if c.Feed != nil {
		snap := c.Feed()
		rep.Feed = string(snap.State)
		if snap.IsLoadingInitial {
			rep.Feed = string(feed.StateLoading)
		}
		rep.StoreSize = snap.StoreSize
		if !snap.IsLoadingTotal {
			total := snap.Total
			rep.Total = &total
		}
	}
	return rep
}

// Handler serves /healthz (liveness plus dependency checks) and /readyz
// (ready once the feed has absorbed its first batch).
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		rep := checker.Check(ctx)
		code := http.StatusOK
		if rep.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker.Feed != nil && checker.Feed().IsLoadingInitial {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Serve starts the health server in the background.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: checkTimeout,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown stops srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
