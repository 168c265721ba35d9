package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/callroom/internal/session"
)

type putPricingRequest struct {
	Tiers   []session.PricingTier `json:"tiers"`
	Enabled bool                  `json:"enabled"`
}

type patchPricingRequest struct {
	Enabled *bool `json:"enabled"`
}

type pricingResponse struct {
	session.Pricing
	MinPrice   int64 `json:"min_price"`
	Configured bool  `json:"configured"`
}

// handleGetPricing answers with the default disabled menu for creators that never
// configured one.
func (s *Server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := int64Param(r, "creatorID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_creator_id", "creator id must be a non-zero integer")
		return
	}
	p, err := s.pricing.Get(r.Context(), creatorID)
	switch {
	case errors.Is(err, session.ErrPricingNotFound):
		p = session.DefaultPricing(creatorID)
		respondJSON(w, http.StatusOK, pricingResponse{Pricing: p, MinPrice: p.MinPrice()})
		return
	case err != nil:
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pricingResponse{Pricing: p, MinPrice: p.MinPrice(), Configured: true})
}

func (s *Server) handlePutPricing(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := int64Param(r, "creatorID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_creator_id", "creator id must be a non-zero integer")
		return
	}
	var req putPricingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p, err := s.pricing.Save(r.Context(), session.Pricing{CreatorID: creatorID, Tiers: req.Tiers, Enabled: req.Enabled})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pricingResponse{Pricing: p, MinPrice: p.MinPrice(), Configured: true})
}

func (s *Server) handlePatchPricing(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := int64Param(r, "creatorID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_creator_id", "creator id must be a non-zero integer")
		return
	}
	var req patchPricingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	p, err := s.pricing.SetEnabled(r.Context(), creatorID, *req.Enabled)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pricingResponse{Pricing: p, MinPrice: p.MinPrice(), Configured: true})
}
