package runloop

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ralph/internal/logx"
	"ralph/internal/metrics"
)

// Server exposes the optional /status and /metrics HTTP surface named
// in spec.md §4.G, gated behind an argon2-derived bearer token.
type Server struct {
	httpServer *http.Server
	logger     *logx.Logger
}

// ServerConfig parameterizes the status/metrics HTTP surface.
type ServerConfig struct {
	Addr       string
	Auth       *TokenAuth
	StatusFile *StatusFile
	Metrics    *metrics.Recorder
}

// NewServer builds a Server. It does not start listening until
// ListenAndServe is called.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		data, err := readStatusFileRaw(cfg.StatusFile)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = cfg.Auth.Middleware(mux)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: logx.NewLogger("runloop"),
	}
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func readStatusFileRaw(sf *StatusFile) ([]byte, error) {
	if sf == nil {
		return nil, fmt.Errorf("no status file configured")
	}
	data, err := os.ReadFile(sf.Path())
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	return data, nil
}
