// Package status serves health and state of the supervised children over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/CZERTAINLY/supervisor/internal/service"
)

const serviceName = "supervisor"

// Source provides the current state of children, *service.Set implements it.
type Source interface {
	Snapshot() []service.ChildState
}

type Server struct {
	runID   string
	started time.Time
	source  Source
	now     func() time.Time
}

func New(runID string, source Source) *Server {
	return &Server{
		runID:   runID,
		started: time.Now(),
		source:  source,
		now:     time.Now,
	}
}

type HealthResponse struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	RunID         string  `json:"run_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Children      int     `json:"children"`
	Running       int     `json:"running"`
	Timestamp     int64   `json:"timestamp"`
}

type StatusResponse struct {
	RunID    string               `json:"run_id"`
	Children []service.ChildState `json:"children"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /status", s.status)
	return mux
}

// health is degraded once every launched child exited
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	states := s.source.Snapshot()
	running := 0
	for _, st := range states {
		if st.Running {
			running++
		}
	}

	now := s.now()
	resp := HealthResponse{
		Status:        "healthy",
		Service:       serviceName,
		RunID:         s.runID,
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Children:      len(states),
		Running:       running,
		Timestamp:     now.Unix(),
	}
	code := http.StatusOK
	if len(states) > 0 && running == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, code, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, StatusResponse{
		RunID:    s.runID,
		Children: s.source.Snapshot(),
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(ctx, "writing status response", "error", err)
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, the listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "status endpoint listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if srvErr := <-errCh; srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
		return errors.Join(err, srvErr)
	}
	return err
}
