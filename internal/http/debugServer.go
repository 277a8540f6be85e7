package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// StateFunc returns a JSON-encodable view of the running client.
type StateFunc func(ctx context.Context) (any, error)

type DebugServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewDebugServer(addr string, metrics http.Handler, state StateFunc) *DebugServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /debug/state", stateHandler(state))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if addr == "" {
		addr = "localhost:9090"
	}

	return &DebugServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func stateHandler(state StateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		v, err := state(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("failed to encode state", "error", err)
		}
	}
}

func (s *DebugServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *DebugServer) Start() error {
	slog.Info("debug server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *DebugServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
