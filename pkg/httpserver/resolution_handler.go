package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/circuitbreaker"
	"github.com/mselser95/pool-settler/internal/settlement"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Resolver triggers resolution runs. *settlement.Orchestrator implements it.
type Resolver interface {
	RunResolution(ctx context.Context, poolID uint64) (*settlement.Result, error)
}

// Claimer moves reconciled bets to Claimed. *reconcile.Reconciler implements it.
type Claimer interface {
	Claim(ctx context.Context, betID string, txRef string) error
}

// RecordReader reads mirror rows for the status endpoint.
type RecordReader interface {
	LoadPool(ctx context.Context, id uint64) (*types.Pool, error)
	LoadResolution(ctx context.Context, poolID uint64) (*types.ResolutionRecord, error)
	LoadBetsForPool(ctx context.Context, poolID uint64) ([]types.Bet, error)
}

// BreakerStatus exposes circuit breaker state.
type BreakerStatus interface {
	GetStatus() circuitbreaker.Status
}

// ResolutionHandler serves the pool resolution API.
type ResolutionHandler struct {
	resolver Resolver
	claimer  Claimer
	records  RecordReader
	breaker  BreakerStatus
	logger   *zap.Logger
}

// NewResolutionHandler creates a new resolution handler. claimer and breaker
// may be nil.
func NewResolutionHandler(resolver Resolver, records RecordReader, claimer Claimer, breaker BreakerStatus, logger *zap.Logger) *ResolutionHandler {
	return &ResolutionHandler{
		resolver: resolver,
		claimer:  claimer,
		records:  records,
		breaker:  breaker,
		logger:   logger,
	}
}

// Routes mounts the handler's endpoints on r.
func (h *ResolutionHandler) Routes(r chi.Router) {
	r.Get("/api/pools/{id}/resolution", h.HandleGetResolution)
	r.Post("/api/pools/{id}/resolve", h.HandleResolve)
	if h.claimer != nil {
		r.Post("/api/bets/{id}/claim", h.HandleClaim)
	}
	if h.breaker != nil {
		r.Get("/api/breaker", h.HandleBreaker)
	}
}

// ResolutionResponse is the body of the status and trigger endpoints.
type ResolutionResponse struct {
	PoolID     uint64                  `json:"poolId"`
	Status     types.PoolStatus        `json:"status"`
	Result     string                  `json:"result,omitempty"`
	RunID      string                  `json:"runId,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Pool       *types.Pool             `json:"pool,omitempty"`
	Resolution *types.ResolutionRecord `json:"resolution,omitempty"`
	Bets       []types.Bet             `json:"bets,omitempty"`
	Report     any                     `json:"report,omitempty"`
}

// ClaimRequest is the body of POST /api/bets/{id}/claim.
type ClaimRequest struct {
	TxRef string `json:"txRef"`
}

// ErrorResponse represents an HTTP error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleGetResolution handles GET /api/pools/{id}/resolution.
func (h *ResolutionHandler) HandleGetResolution(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	pool, err := h.records.LoadPool(r.Context(), poolID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	rec, err := h.records.LoadResolution(r.Context(), poolID)
	switch {
	case errors.Is(err, types.ErrResolutionNotFound):
		rec = nil
	case err != nil:
		h.writeStoreError(w, err)
		return
	}

	bets, err := h.records.LoadBetsForPool(r.Context(), poolID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ResolutionResponse{
		PoolID:     poolID,
		Status:     pool.Status,
		Pool:       pool,
		Resolution: rec,
		Bets:       bets,
	})
}

// HandleResolve handles POST /api/pools/{id}/resolve. The run executes in
// the request; a halted run answers 502 with the failing step.
func (h *ResolutionHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	h.logger.Info("resolve-request-received", zap.Uint64("pool-id", poolID))

	res, err := h.resolver.RunResolution(r.Context(), poolID)
	switch {
	case errors.Is(err, types.ErrPoolNotFound):
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, types.ErrResolutionInProgress), errors.Is(err, types.ErrAlreadyFinalized):
		h.writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("resolve-request-failed", zap.Uint64("pool-id", poolID), zap.Error(err))
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := ResolutionResponse{
		PoolID: res.PoolID,
		Status: res.Status,
		Result: res.Kind.String(),
		RunID:  res.RunID,
	}
	if res.Report != nil {
		resp.Report = res.Report
	}

	status := http.StatusOK
	switch res.Kind {
	case settlement.Halted:
		status = http.StatusBadGateway
		resp.Error = res.Err().Error()
	case settlement.NotDue:
		status = http.StatusAccepted
		resp.Error = res.Err().Error()
	}

	h.writeJSON(w, status, resp)
}

// HandleClaim handles POST /api/bets/{id}/claim.
func (h *ResolutionHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "id")

	var req ClaimRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		h.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TxRef == "" {
		h.writeError(w, "missing required field: txRef", http.StatusBadRequest)
		return
	}

	err = h.claimer.Claim(r.Context(), betID, req.TxRef)
	switch {
	case errors.Is(err, types.ErrBetNotFound):
		h.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrAlreadyClaimed), errors.Is(err, types.ErrNotClaimable):
		h.writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.logger.Error("claim-request-failed", zap.String("bet-id", betID), zap.Error(err))
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleBreaker handles GET /api/breaker.
func (h *ResolutionHandler) HandleBreaker(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.breaker.GetStatus())
}

func (h *ResolutionHandler) poolID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeError(w, "invalid pool id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *ResolutionHandler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrPoolNotFound) {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.logger.Error("store-read-failed", zap.Error(err))
	h.writeError(w, "internal error", http.StatusInternalServerError)
}

// writeJSON writes a JSON response.
func (h *ResolutionHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		h.logger.Error("failed-to-encode-response", zap.Error(err))
	}
}

// writeError writes an error response.
func (h *ResolutionHandler) writeError(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
