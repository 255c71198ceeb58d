package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthFunc reports component state for the /health endpoint
type HealthFunc func() map[string]interface{}

// Server exposes /metrics and /health
type Server struct {
	logger *logrus.Logger
	srv    *http.Server
}

// NewServer builds the metrics HTTP server without starting it
func NewServer(logger *logrus.Logger, addr string, health HealthFunc) *Server {
	mux := http.NewServeMux()
	RegisterHandler(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.WithError(err).Debug("Failed to write health response")
		}
	})

	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens in the background. Listen errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server stopped unexpectedly")
		}
	}()

	s.logger.WithField("address", ln.Addr().String()).Info("Metrics server listening")
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
