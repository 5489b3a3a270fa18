package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
	"github.com/lastbid-gg/lastbid/internal/round"
)

// AuctionService is what the gateway needs from the round engine.
type AuctionService interface {
	PlaceBid(ctx context.Context, tier, bidder string) (int64, error)
	Snapshot(tier string) (models.RoundSnapshot, error)
	Snapshots() []models.RoundSnapshot
	ForceReset(tier string, potSeed int64) error
	ForceSetPot(tier string, amount int64) error
	HasTier(tier string) bool
}

// BalanceReader is what the gateway needs from the ledger.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (int64, error)
}

// Reason codes returned to bidders. Every rejected bid carries exactly
// one of these; no bidder ever sees a partial deduction.
const (
	reasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	reasonRoundNotActive    = "ROUND_NOT_ACTIVE"
	reasonRateLimited       = "RATE_LIMITED"
	reasonLedgerUnavailable = "LEDGER_UNAVAILABLE"
	reasonUnknownTier       = "UNKNOWN_TIER"
)

// APIHandler serves the REST surface: bids, tier state and balances.
type APIHandler struct {
	auction  AuctionService
	balances BalanceReader
}

func NewAPIHandler(auction AuctionService, balances BalanceReader) *APIHandler {
	return &APIHandler{auction: auction, balances: balances}
}

type bidRequest struct {
	Account string `json:"account"`
}

type bidResponse struct {
	BalanceCents int64 `json:"balance_cents"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandlePlaceBid processes POST /api/tiers/{tier}/bids.
func (h *APIHandler) HandlePlaceBid(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")

	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	balance, err := h.auction.PlaceBid(r.Context(), tier, req.Account)
	if err != nil {
		status, reason := bidErrorStatus(err)
		if status == http.StatusServiceUnavailable {
			log.Error().Err(err).Str("tier", tier).Str("account", req.Account).Msg("bid failed on ledger")
		}
		writeError(w, status, reason)
		return
	}

	writeJSON(w, http.StatusOK, bidResponse{BalanceCents: balance})
}

// bidErrorStatus maps the engine's error taxonomy to HTTP status and
// reason code.
func bidErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, reasonInsufficientFunds
	case errors.Is(err, round.ErrRoundNotActive):
		return http.StatusConflict, reasonRoundNotActive
	case errors.Is(err, round.ErrCooldownRateLimited):
		return http.StatusTooManyRequests, reasonRateLimited
	case errors.Is(err, round.ErrUnknownTier):
		return http.StatusNotFound, reasonUnknownTier
	default:
		return http.StatusServiceUnavailable, reasonLedgerUnavailable
	}
}

// HandleTierState processes GET /api/tiers/{tier}/state.
func (h *APIHandler) HandleTierState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.auction.Snapshot(r.PathValue("tier"))
	if err != nil {
		writeError(w, http.StatusNotFound, reasonUnknownTier)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleTiers processes GET /api/tiers.
func (h *APIHandler) HandleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.auction.Snapshots())
}

// HandleBalance processes GET /api/accounts/{account}/balance.
func (h *APIHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	balance, err := h.balances.Balance(r.Context(), account)
	if err != nil {
		log.Error().Err(err).Str("account", account).Msg("balance lookup failed")
		writeError(w, http.StatusServiceUnavailable, reasonLedgerUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, bidResponse{BalanceCents: balance})
}

// RegisterRoutes registers the REST routes with an HTTP mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tiers/{tier}/bids", h.HandlePlaceBid)
	mux.HandleFunc("GET /api/tiers/{tier}/state", h.HandleTierState)
	mux.HandleFunc("GET /api/tiers", h.HandleTiers)
	mux.HandleFunc("GET /api/accounts/{account}/balance", h.HandleBalance)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Error: reason})
}
