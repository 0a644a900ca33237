package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"loopofwork/observability/logging"
	"loopofwork/payment"
	"loopofwork/report"
)

// AdminServer exposes operator endpoints over a merchant session.
type AdminServer struct {
	merchant *payment.Merchant
	times    report.SettlementTimes
	loc      *time.Location
	logger   *slog.Logger
	router   http.Handler
}

// NewAdminServer constructs the admin router. times may be nil.
func NewAdminServer(merchant *payment.Merchant, times report.SettlementTimes, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{
		merchant: merchant,
		times:    times,
		loc:      time.UTC,
		logger:   logging.Component(logger, "admin"),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/requests", func(rr chi.Router) {
		rr.Get("/", s.handleList)
		rr.Post("/", s.handleCreate)
		rr.Get("/{id}", s.handleGet)
		rr.Delete("/{id}", s.handleRemove)
		rr.Post("/{id}/claim", s.handleClaim)
		rr.Get("/{id}/quote", s.handleQuote)
	})
	r.Get("/fees/unbound", s.handleUnboundFees)
	r.Get("/report/revenue", s.handleRevenue)
	return r
}

func (s *AdminServer) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := s.merchant.Overview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type createRequestBody struct {
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	DiscountRate string `json:"discountRate"`
	TokenID      string `json:"tokenId"`
}

func (s *AdminServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	rate := decimal.Zero
	if raw := strings.TrimSpace(body.DiscountRate); raw != "" {
		if rate, err = decimal.NewFromString(raw); err != nil {
			http.Error(w, "invalid discount rate", http.StatusBadRequest)
			return
		}
	}
	req, err := s.merchant.CreateRequest(r.Context(), payment.CreateRequestInput{
		Amount:       amount,
		Description:  body.Description,
		DiscountRate: rate,
		TokenID:      body.TokenID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *AdminServer) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.merchant.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *AdminServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.merchant.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	res, err := s.merchant.Claim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *AdminServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.merchant.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *AdminServer) handleUnboundFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.merchant.UnboundFees(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

func (s *AdminServer) handleRevenue(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.merchant.Requests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := report.Summarize(reqs, s.times, s.loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, payment.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, payment.ErrInvalidRequest), errors.Is(err, payment.ErrNoIssuerToken):
		status = http.StatusBadRequest
	case errors.Is(err, payment.ErrNotRemovable), errors.Is(err, payment.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, payment.ErrPriceUnavailable), errors.Is(err, payment.ErrNetwork):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", slog.Any("error", err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
