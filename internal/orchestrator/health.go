package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"wxorc/internal/store"
)

// healthServer exposes GET /health (JSON snapshot) and GET /metrics
// (Prometheus exposition).
type healthServer struct {
	sup *Supervisor
	log *slog.Logger
	srv *http.Server
}

func newHealthServer(sup *Supervisor, log *slog.Logger) *healthServer {
	return &healthServer{sup: sup, log: log.With("component", "orchestrator.health")}
}

// instanceHealth is one entry of the /health response's instance list.
// It reports only that the instance is configured; it carries no live
// connection state.
type instanceHealth struct {
	InstanceID string `json:"instance_id"`
	Configured bool   `json:"configured"`
}

type listenerHealth struct {
	InstanceID  string `json:"instance_id"`
	ChatName    string `json:"chat_name"`
	Status      string `json:"status"`
	ManualAdded bool   `json:"manual_added"`
}

// errorRecord mirrors metrics.RecentError for the JSON snapshot; kept
// as its own type so the wire shape doesn't change if metrics.RecentError
// ever grows internal-only fields.
type errorRecord struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

type snapshot struct {
	Instances     []instanceHealth `json:"instances"`
	Listeners     []listenerHealth `json:"listeners"`
	Platforms     []string         `json:"platforms"`
	RecentErrors  []errorRecord    `json:"recent_errors"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

var startedAt = time.Now()

// Snapshot assembles the read-only health view: the configured
// instances (without connection state), per-listener activity, live
// platform ids, and the recent-error ring buffer. Per-platform call
// counts are not in the snapshot; they are exposed only on /metrics.
func (s *Supervisor) Snapshot(ctx context.Context) (*snapshot, error) {
	out := &snapshot{UptimeSeconds: time.Since(startedAt).Seconds()}

	for _, id := range s.Instances.List() {
		out.Instances = append(out.Instances, instanceHealth{InstanceID: id, Configured: true})
	}

	listeners, err := s.Store.Listeners.ListListeners(ctx, store.ListFilter{})
	if err == nil {
		for _, l := range listeners {
			out.Listeners = append(out.Listeners, listenerHealth{
				InstanceID: l.InstanceID, ChatName: l.ChatName, Status: l.Status, ManualAdded: l.ManualAdded,
			})
		}
	}

	out.Platforms = s.Platforms.IDs()

	for _, e := range s.Metrics.RecentErrors() {
		out.RecentErrors = append(out.RecentErrors, errorRecord{Time: e.Time, Component: e.Component, Message: e.Message})
	}

	return out, nil
}

func (h *healthServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", h.sup.Metrics.Handler())

	h.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("health server stopped", "error", err)
		}
	}()
	h.log.Info("health/metrics server listening", "addr", addr)
	return nil
}

func (h *healthServer) Stop(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sup.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
