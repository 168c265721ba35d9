package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/checkout"
	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/observability"
	"github.com/ent0n29/callroom/internal/session"
	"github.com/ent0n29/callroom/internal/settlement"
	"github.com/ent0n29/callroom/internal/videocall"
)

type Orchestrator interface {
	StartSession(ctx context.Context, req videocall.StartRequest) (videocall.StartResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (session.Session, error)
	EndNow(ctx context.Context, sessionID string) (session.Session, error)
	Reconcile(ctx context.Context) (videocall.ReconcileReport, error)
}

type Checkout interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Orchestrator Orchestrator
	Pricing      *session.PricingBook
	Checkout     Checkout
	Ledger       *settlement.Ledger
	// Storage backs /readyz.
	Storage Pinger
	Backend string
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Server struct {
	orchestrator Orchestrator
	pricing      *session.PricingBook
	checkout     Checkout
	ledger       *settlement.Ledger
	storage      Pinger
	backend      string
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func New(deps Deps) *Server {
	return &Server{
		orchestrator: deps.Orchestrator,
		pricing:      deps.Pricing,
		checkout:     deps.Checkout,
		ledger:       deps.Ledger,
		storage:      deps.Storage,
		backend:      deps.Backend,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleStartSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/reconcile", s.handleReconcile)

	r.Get("/v1/pricing/{creatorID}", s.handleGetPricing)
	r.Put("/v1/pricing/{creatorID}", s.handlePutPricing)
	r.Patch("/v1/pricing/{creatorID}", s.handlePatchPricing)

	r.Post("/v1/checkout", s.handleCheckout)
	r.Get("/v1/settlement/balances/{userID}", s.handleBalance)
	r.Get("/v1/settlement/totals", s.handleTotals)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.backend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"backend": s.backend,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug().
			Str(log.FieldRequestID, middleware.GetReqID(r.Context())).
			Str("http_method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
	Refunded  bool   `json:"refunded,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps orchestration and booking errors to HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var serr *videocall.SessionError
	switch {
	case errors.As(err, &serr):
		code := "session_failed"
		if serr.Refunded {
			code = "refund_required"
		}
		respondJSON(w, http.StatusBadGateway, errorResponse{
			Error:     serr.Error(),
			Code:      code,
			SessionID: serr.SessionID,
			Refunded:  serr.Refunded,
		})
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, checkout.ErrSelfBooking),
		errors.Is(err, checkout.ErrUnknownDuration),
		errors.Is(err, checkout.ErrAmountMismatch):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, checkout.ErrPaymentRequired):
		respondError(w, http.StatusPaymentRequired, "payment_required", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrPricingNotFound):
		respondError(w, http.StatusNotFound, "pricing_not_found", err.Error())
	case errors.Is(err, videocall.ErrPricingDisabled):
		respondError(w, http.StatusConflict, "pricing_disabled", err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, session.ErrStorageUnavailable):
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		s.logger.Error().Err(err).Msg("unhandled api error")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func int64Param(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
