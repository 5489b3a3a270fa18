package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for tier
// subscriptions.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	auction           AuctionService
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager, auction AuctionService) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		auction:           auction,
	}
}

// HandleTierConnection handles WebSocket connections for a tier.
func (h *WebSocketHandler) HandleTierConnection(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		http.Error(w, "tier is required", http.StatusBadRequest)
		return
	}
	if !h.auction.HasTier(tier) {
		http.Error(w, "unknown tier", http.StatusNotFound)
		return
	}

	// Account comes from a query parameter; in production this would
	// come from the session collaborator.
	account := r.URL.Query().Get("account")
	if account == "" {
		account = "anonymous"
	}

	if err := h.connectionManager.UpgradeConnection(w, r, account, tier); err != nil {
		log.Error().
			Err(err).
			Str("tier", tier).
			Str("account", account).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}

	// Connection is now handled by the connection manager
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleTierConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
