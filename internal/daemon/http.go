package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// httpServer serves the metrics and health endpoints of a running daemon.
type httpServer struct {
	srv  *http.Server
	addr string
}

func newHTTPServer(listen string, d *Daemon) (*httpServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/runs", d.handleRuns)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityFatal, "failed to bind metrics endpoint")
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s := &httpServer{srv: srv, addr: ln.Addr().String()}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics endpoint failed", logfields.Error(err))
		}
	}()
	slog.Info("Metrics endpoint listening", slog.String("addr", s.addr))
	return s, nil
}

// Addr returns the bound listen address.
func (s *httpServer) Addr() string { return s.addr }

func (s *httpServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastRunErr string `json:"last_run_error,omitempty"`
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	d.lastMu.Lock()
	resp := healthResponse{
		Status:     "ok",
		StartedAt:  d.startedAt.Format(time.RFC3339),
		LastRunErr: d.lastRunErr,
	}
	if !d.lastRunAt.IsZero() {
		resp.LastRunAt = d.lastRunAt.Format(time.RFC3339)
	}
	d.lastMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write health response", logfields.Error(err))
	}
}

func (d *Daemon) handleRuns(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	runs, err := d.store.ListRuns(r.Context(), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		slog.Error("Failed to write runs response", logfields.Error(err))
	}
}
