package httpapi

import (
	"net/http"

	"github.com/ent0n29/callroom/internal/checkout"
)

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.checkout.Checkout(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(r, "userID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user id must be a non-zero integer")
		return
	}
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.Totals(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"totals":                totals,
		"commission_percentage": s.ledger.CommissionPercentage(),
	})
}
