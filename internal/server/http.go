package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/telemetry"
	"github.com/kimhsiao/notesync/internal/transport"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string           `json:"status"`
	Service  string           `json:"service"`
	Revision int64            `json:"revision"`
	Sessions int              `json:"sessions"`
	Clients  int64            `json:"clients"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Router returns the HTTP surface of the server: the health check and the
// sync websocket endpoint.
func (s *Server) Router(opts transport.Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/sync", transport.ServeWS(s, opts))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Service: "notesync-server", Sessions: s.Sessions()}

	rev, err := s.CurrentRevision(r.Context())
	if err != nil {
		logging.Error("Health check failed", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Service: resp.Service})
		return
	}
	resp.Revision = rev
	clients, err := s.Clients(r.Context())
	if err != nil {
		logging.Warn("Failed to count clients", map[string]interface{}{"error": err.Error()})
	}
	resp.Clients = clients
	resp.Counters = telemetry.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per HTTP request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request",
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
	})
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
