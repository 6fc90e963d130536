package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowledger/account"
	"escrowledger/escrow"
	"escrowledger/metrics"
)

// ledgerService is the slice of escrow.Service the handlers use.
type ledgerService interface {
	CreateEscrow(ctx context.Context, caller, buyer escrow.Identity, amount, attached int64) (uint64, error)
	ReleaseEscrow(ctx context.Context, caller escrow.Identity, id uint64) error
	CancelEscrow(ctx context.Context, caller escrow.Identity, id uint64) error
	ResolveDispute(ctx context.Context, caller escrow.Identity, id uint64, beneficiary escrow.Identity) error
	SetArbitrator(ctx context.Context, caller, arbitrator escrow.Identity) error
	Escrow(ctx context.Context, id uint64) (escrow.Record, error)
	List(ctx context.Context, filter escrow.ListFilter) ([]escrow.Record, int, error)
	Events(ctx context.Context, id uint64) ([]escrow.Event, error)
	Roles(ctx context.Context) (escrow.RoleAssignment, error)
	Deposit(ctx context.Context, caller escrow.Identity, amount int64) (int64, error)
	Withdraw(ctx context.Context, caller escrow.Identity, amount int64) (int64, error)
	Balance(ctx context.Context, owner escrow.Identity) (int64, error)
	Custody(ctx context.Context) (int64, error)
}

type accountService interface {
	Register(ctx context.Context, req account.RegisterRequest) (account.Account, error)
	Login(ctx context.Context, req account.LoginRequest) (account.LoginResult, error)
	VerifyToken(token string) (escrow.Identity, error)
}

type Server struct {
	ledger   ledgerService
	accounts accountService
	logger   *slog.Logger
	metrics  *metrics.Ledger
	limiter  *RateLimiter
	gatherer prometheus.Gatherer
	ready    func(context.Context) error
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware)
			public.With(s.metrics.Middleware("/api/accounts")).Post("/accounts", s.handleRegister)
			public.With(s.metrics.Middleware("/api/sessions")).Post("/sessions", s.handleLogin)
			public.With(s.metrics.Middleware("/api/escrows")).Get("/escrows", s.handleListEscrows)
			public.With(s.metrics.Middleware("/api/escrows/{id}")).Get("/escrows/{id}", s.handleGetEscrow)
			public.With(s.metrics.Middleware("/api/escrows/{id}/events")).Get("/escrows/{id}/events", s.handleEscrowEvents)
			public.With(s.metrics.Middleware("/api/arbitrator")).Get("/arbitrator", s.handleGetArbitrator)
			public.With(s.metrics.Middleware("/api/balances/{identity}")).Get("/balances/{identity}", s.handleBalance)
			public.With(s.metrics.Middleware("/api/custody")).Get("/custody", s.handleCustody)
		})
		api.Group(func(protected chi.Router) {
			protected.Use(s.authenticate)
			protected.Use(s.limiter.Middleware)
			protected.With(s.metrics.Middleware("/api/escrows")).Post("/escrows", s.handleCreateEscrow)
			protected.With(s.metrics.Middleware("/api/escrows/{id}/release")).Post("/escrows/{id}/release", s.handleRelease)
			protected.With(s.metrics.Middleware("/api/escrows/{id}/cancel")).Post("/escrows/{id}/cancel", s.handleCancel)
			protected.With(s.metrics.Middleware("/api/escrows/{id}/resolve")).Post("/escrows/{id}/resolve", s.handleResolve)
			protected.With(s.metrics.Middleware("/api/arbitrator")).Put("/arbitrator", s.handleSetArbitrator)
			protected.With(s.metrics.Middleware("/api/balances/deposit")).Post("/balances/deposit", s.handleDeposit)
			protected.With(s.metrics.Middleware("/api/balances/withdraw")).Post("/balances/withdraw", s.handleWithdraw)
		})
	})
	return r
}

type escrowResponse struct {
	ID          uint64  `json:"id"`
	Buyer       string  `json:"buyer"`
	Seller      string  `json:"seller"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	Beneficiary string  `json:"beneficiary,omitempty"`
	SettledBy   string  `json:"settledBy,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	SettledAt   *string `json:"settledAt,omitempty"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	resp := escrowResponse{
		ID:          rec.ID,
		Buyer:       rec.Buyer.String(),
		Seller:      rec.Seller.String(),
		Amount:      rec.Amount,
		Status:      string(rec.Status),
		Beneficiary: rec.Beneficiary.String(),
		SettledBy:   rec.SettledBy.String(),
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.SettledAt != nil {
		settled := rec.SettledAt.UTC().Format(time.RFC3339)
		resp.SettledAt = &settled
	}
	return resp
}

type eventResponse struct {
	ID          string `json:"id"`
	Op          string `json:"op"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Actor       string `json:"actor"`
	OccurredAt  string `json:"occurredAt"`
}

type assignmentResponse struct {
	Arbitrator string `json:"arbitrator"`
	AssignedBy string `json:"assignedBy"`
	AssignedAt string `json:"assignedAt"`
}

type rolesResponse struct {
	Owner      string               `json:"owner"`
	Arbitrator string               `json:"arbitrator,omitempty"`
	History    []assignmentResponse `json:"history"`
}

type balanceResponse struct {
	Identity string `json:"identity"`
	Balance  int64  `json:"balance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req account.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrInvalidParty), errors.Is(err, account.ErrWeakPassphrase):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, account.ErrDuplicateIdentity):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.internalError(w, r, "register account", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"identity":  acct.Identity.String(),
		"createdAt": acct.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req account.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     res.Token,
		"identity":  res.Account.Identity.String(),
		"expiresAt": res.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var req struct {
		Buyer  string `json:"buyer"`
		Amount int64  `json:"amount"`
		Value  int64  `json:"value"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	buyer, err := escrow.ParseIdentity(req.Buyer)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	id, err := s.ledger.CreateEscrow(r.Context(), caller, buyer, req.Amount, req.Value)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	rec, err := s.ledger.Escrow(r.Context(), id)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/escrows/"+strconv.FormatUint(id, 10))
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.Escrow(r.Context(), id)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter escrow.ListFilter
	if raw := q.Get("party"); raw != "" {
		party, err := escrow.ParseIdentity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Party = party
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = escrow.Status(strings.ToLower(raw))
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	records, total, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	items := make([]escrowResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	events, err := s.ledger.Events(r.Context(), id)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, evt := range events {
		items = append(items, eventResponse{
			ID:          evt.ID,
			Op:          string(evt.Op),
			Status:      string(evt.Status),
			Amount:      evt.Amount,
			Beneficiary: evt.Beneficiary.String(),
			Actor:       evt.Actor.String(),
			OccurredAt:  evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, caller escrow.Identity, id uint64) error {
		return s.ledger.ReleaseEscrow(ctx, caller, id)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, caller escrow.Identity, id uint64) error {
		return s.ledger.CancelEscrow(ctx, caller, id)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Beneficiary string `json:"beneficiary"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	beneficiary, err := escrow.ParseIdentity(req.Beneficiary)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	s.settle(w, r, func(ctx context.Context, caller escrow.Identity, id uint64) error {
		return s.ledger.ResolveDispute(ctx, caller, id, beneficiary)
	})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, apply func(context.Context, escrow.Identity, uint64) error) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), callerFrom(r.Context()), id); err != nil {
		s.ledgerError(w, r, err)
		return
	}
	rec, err := s.ledger.Escrow(r.Context(), id)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleSetArbitrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Arbitrator string `json:"arbitrator"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	arbitrator, err := escrow.ParseIdentity(req.Arbitrator)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	if err := s.ledger.SetArbitrator(r.Context(), callerFrom(r.Context()), arbitrator); err != nil {
		s.ledgerError(w, r, err)
		return
	}
	s.handleGetArbitrator(w, r)
}

func (s *Server) handleGetArbitrator(w http.ResponseWriter, r *http.Request) {
	roles, err := s.ledger.Roles(r.Context())
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	resp := rolesResponse{
		Owner:      roles.Owner.String(),
		Arbitrator: roles.Arbitrator.String(),
		History:    make([]assignmentResponse, 0, len(roles.History)),
	}
	for _, a := range roles.History {
		resp.History = append(resp.History, assignmentResponse{
			Arbitrator: a.Arbitrator.String(),
			AssignedBy: a.AssignedBy.String(),
			AssignedAt: a.AssignedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.fund(w, r, s.ledger.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.fund(w, r, s.ledger.Withdraw)
}

func (s *Server) fund(w http.ResponseWriter, r *http.Request, apply func(context.Context, escrow.Identity, int64) (int64, error)) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := callerFrom(r.Context())
	balance, err := apply(r.Context(), caller, req.Amount)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Identity: caller.String(), Balance: balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	identity, err := escrow.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.ledger.Balance(r.Context(), identity)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Identity: identity.String(), Balance: balance})
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	custody, err := s.ledger.Custody(r.Context())
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"custody": custody})
}

func escrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return 0, false
	}
	return id, true
}

// ledgerError maps escrow sentinels onto HTTP statuses.
func (s *Server) ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, r, "ledger operation", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.log().ErrorContext(r.Context(), action+" failed",
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
