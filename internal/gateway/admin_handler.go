package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Authorizer gates privileged operations. The credential check is a
// collaborator concern; the engine itself never sees credentials.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// ErrUnauthorized is returned by authorizers for bad credentials.
var ErrUnauthorized = errors.New("unauthorized")

// TokenAuthorizer checks a shared operator token header.
type TokenAuthorizer struct {
	token string
}

func NewTokenAuthorizer(token string) *TokenAuthorizer {
	return &TokenAuthorizer{token: token}
}

func (a *TokenAuthorizer) Authorize(r *http.Request) error {
	if a.token == "" {
		return ErrUnauthorized
	}
	got := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AdminHandler serves the privileged operator endpoints.
type AdminHandler struct {
	auction    AuctionService
	authorizer Authorizer
}

func NewAdminHandler(auction AuctionService, authorizer Authorizer) *AdminHandler {
	return &AdminHandler{auction: auction, authorizer: authorizer}
}

type resetRequest struct {
	Tier     string `json:"tier"`
	PotCents int64  `json:"pot_cents"`
}

type setPotRequest struct {
	Tier        string `json:"tier"`
	AmountCents int64  `json:"amount_cents"`
}

// HandleForceReset processes POST /api/admin/reset.
func (h *AdminHandler) HandleForceReset(w http.ResponseWriter, r *http.Request) {
	if err := h.authorizer.Authorize(r); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
		return
	}

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" || req.PotCents < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	if err := h.auction.ForceReset(req.Tier, req.PotCents); err != nil {
		writeError(w, http.StatusNotFound, reasonUnknownTier)
		return
	}

	log.Warn().Str("tier", req.Tier).Int64("pot_cents", req.PotCents).Msg("admin forced reset")
	w.WriteHeader(http.StatusNoContent)
}

// HandleForceSetPot processes POST /api/admin/pot.
func (h *AdminHandler) HandleForceSetPot(w http.ResponseWriter, r *http.Request) {
	if err := h.authorizer.Authorize(r); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED")
		return
	}

	var req setPotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" || req.AmountCents < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	if err := h.auction.ForceSetPot(req.Tier, req.AmountCents); err != nil {
		writeError(w, http.StatusNotFound, reasonUnknownTier)
		return
	}

	log.Warn().Str("tier", req.Tier).Int64("amount_cents", req.AmountCents).Msg("admin forced pot override")
	w.WriteHeader(http.StatusNoContent)
}

// RegisterRoutes registers the admin routes with an HTTP mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/reset", h.HandleForceReset)
	mux.HandleFunc("POST /api/admin/pot", h.HandleForceSetPot)
}
