package oauth

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// UserHeader carries the authenticated caller's ID, set by the edge
// gateway before requests reach this service.
const UserHeader = "X-Linkhub-User"

// Server exposes the linking flows over HTTP.
type Server struct {
	service *Service
	logger  *zap.Logger
}

// NewServer creates an HTTP server around the linking service.
func NewServer(service *Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{service: service, logger: logger}
}

// RegisterRoutes registers linking endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/connect/providers", s.handleProviders)
	mux.HandleFunc("/connect/providers/", s.handleProviderRoutes)
	mux.HandleFunc("/connect/integrations", s.handleIntegrations)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// StartMaintenance launches the background loop that sweeps expired
// state records and proactively refreshes expiring tokens. It stops
// when ctx is cancelled.
func (s *Server) StartMaintenance(ctx context.Context, interval time.Duration, refreshBatch int) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.service.SweepStates(ctx); err != nil {
					s.logger.Warn("state sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("swept expired states", zap.Int("count", n))
				}
				if n, err := s.service.RefreshExpiring(ctx, refreshBatch); err != nil {
					s.logger.Warn("refresh sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("refreshed expiring tokens", zap.Int("count", n))
				}
			}
		}
	}()
}
