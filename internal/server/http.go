// Package server exposes the engine over HTTP/JSON and gRPC.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"PerpMargin/internal/custody"
	"PerpMargin/internal/engine"
	"PerpMargin/internal/event"
	"PerpMargin/internal/observability"
	"PerpMargin/internal/query"
	"PerpMargin/internal/state"
	"PerpMargin/internal/store"
)

// HTTPDeps holds the collaborators the HTTP handlers need.
type HTTPDeps struct {
	Engine *engine.Engine
	Query  *query.Service
	Ledger *custody.Ledger
	Health *observability.HealthChecker
}

// HTTPServer serves the JSON API:
//
//	POST /v1/instructions      submit a signed instruction
//	POST /v1/deposits          credit external collateral to an account
//	GET  /v1/positions/{owner} position with derived valuation
//	GET  /v1/market            market state
//	GET  /v1/status            sequence and state-hash chain tip
type HTTPServer struct {
	srv  *http.Server
	addr string
	log  zerolog.Logger
}

func NewHTTPServer(addr string, deps *HTTPDeps) *HTTPServer {
	h := &handlers{
		eng:    deps.Engine,
		query:  deps.Query,
		ledger: deps.Ledger,
		log:    observability.NewLogger("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Post("/v1/instructions", h.submitInstruction)
	if deps.Ledger != nil {
		r.Post("/v1/deposits", h.submitDeposit)
	}
	r.Get("/v1/positions/{owner}", h.getPosition)
	r.Get("/v1/market", h.getMarket)
	r.Get("/v1/status", h.getStatus)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	return &HTTPServer{
		srv:  &http.Server{Addr: addr, Handler: r},
		addr: addr,
		log:  h.log,
	}
}

// Start serves until the context is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handlers struct {
	eng    *engine.Engine
	query  *query.Service
	ledger *custody.Ledger
	log    zerolog.Logger
}

type instructionRequest struct {
	Signer        string `json:"signer"`
	Signature     string `json:"signature"`
	PositionOwner string `json:"position_owner,omitempty"`
	Instruction   string `json:"instruction"`
}

type instructionResponse struct {
	Sequence  uint64                  `json:"sequence"`
	Op        string                  `json:"op"`
	StateHash string                  `json:"state_hash"`
	Position  *event.PositionSnapshot `json:"position,omitempty"`
	Market    event.MarketSnapshot    `json:"market"`
}

func (h *handlers) submitInstruction(w http.ResponseWriter, r *http.Request) {
	var body instructionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req, err := parseRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.eng.Execute(r.Context(), req)
	if err != nil {
		writeError(w, statusForEngineError(err), err)
		return
	}

	resp := instructionResponse{
		Sequence:  res.Sequence,
		Op:        res.Op.String(),
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Market: event.MarketSnapshot{
			FundingIndex:       res.Market.FundingIndex,
			FundingRatePerSlot: res.Market.FundingRatePerSlot,
			OpenInterest:       res.Market.OpenInterest,
			LastFundingSlot:    res.Market.LastFundingSlot,
			MarkPrice:          res.Market.MarkPrice,
		},
	}
	if res.Position != nil {
		resp.Position = &event.PositionSnapshot{
			Owner:            res.Position.Owner.String(),
			BaseAmount:       res.Position.BaseAmount,
			Collateral:       res.Position.Collateral,
			LastFundingIndex: res.Position.LastFundingIndex,
			EntryPrice:       res.Position.EntryPrice,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

func (h *handlers) submitDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	owner, err := state.ParsePrincipal(body.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}
	if body.Amount == 0 {
		writeError(w, http.StatusBadRequest, errors.New("amount must be positive"))
		return
	}

	account := custody.UserAccount(owner)
	if err := h.ledger.Deposit(r.Context(), account, body.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   owner.String(),
		"balance": h.ledger.Balance(account),
	})
}

func (h *handlers) getPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := state.ParsePrincipal(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}

	view, err := h.query.Position(r.Context(), owner)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("position not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) getMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.query.Market(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("market not initialized"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	tip := h.eng.ChainTip()
	writeJSON(w, http.StatusOK, map[string]any{
		"sequence":  h.eng.Sequence(),
		"chain_tip": hex.EncodeToString(tip[:]),
	})
}

func parseRequest(body instructionRequest) (engine.Request, error) {
	var req engine.Request

	signer, err := state.ParsePrincipal(body.Signer)
	if err != nil {
		return req, fmt.Errorf("signer: %w", err)
	}
	req.Signer = signer

	if body.PositionOwner != "" {
		owner, err := state.ParsePrincipal(body.PositionOwner)
		if err != nil {
			return req, fmt.Errorf("position_owner: %w", err)
		}
		req.PositionOwner = owner
	}

	req.Signature, err = hex.DecodeString(body.Signature)
	if err != nil {
		return req, fmt.Errorf("signature: %w", err)
	}
	req.Data, err = hex.DecodeString(body.Instruction)
	if err != nil {
		return req, fmt.Errorf("instruction: %w", err)
	}
	return req, nil
}

// statusForEngineError maps engine rejections onto HTTP statuses.
func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidPayload), errors.Is(err, engine.ErrInvalidOpcode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMissingSignature):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrOwnershipMismatch), errors.Is(err, engine.ErrAddressMismatch):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrNotLiquidatable),
		errors.Is(err, engine.ErrNoExposure),
		errors.Is(err, engine.ErrInvalidTimeline),
		errors.Is(err, engine.ErrArithmeticOverflow),
		errors.Is(err, engine.ErrArithmeticUnderflow),
		errors.Is(err, custody.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
