package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service bundles the websocket fan-out and the HTTP surface for the
// auction engine.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	apiHandler        *APIHandler
	adminHandler      *AdminHandler
}

// NewService creates a gateway service around an existing connection
// manager. The manager is built first so the round engine can use it as
// its broadcast sink before the HTTP surface exists.
func NewService(cm *ConnectionManager, auction AuctionService, balances BalanceReader, authorizer Authorizer) *Service {
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, auction),
		apiHandler:        NewAPIHandler(auction, balances),
		adminHandler:      NewAdminHandler(auction, authorizer),
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting auction gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("auction gateway service stopped")
}

// RegisterRoutes registers every gateway route.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	s.adminHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the gateway service.
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "auction_gateway"
	stats["status"] = "running"
	return stats
}
