package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mselser95/pool-settler/internal/circuitbreaker"
	"github.com/mselser95/pool-settler/internal/reconcile"
	"github.com/mselser95/pool-settler/internal/settlement"
	"github.com/mselser95/pool-settler/internal/storage"
	"github.com/mselser95/pool-settler/pkg/healthprobe"
	"github.com/mselser95/pool-settler/pkg/types"
)

type fakeResolver struct {
	result *settlement.Result
	err    error
	calls  []uint64
}

func (f *fakeResolver) RunResolution(_ context.Context, poolID uint64) (*settlement.Result, error) {
	f.calls = append(f.calls, poolID)
	return f.result, f.err
}

type fakeClaimer struct {
	err   error
	betID string
	txRef string
}

func (f *fakeClaimer) Claim(_ context.Context, betID string, txRef string) error {
	f.betID, f.txRef = betID, txRef
	return f.err
}

type fakeBreaker struct{}

func (fakeBreaker) GetStatus() circuitbreaker.Status {
	return circuitbreaker.Status{Enabled: true, LastBalance: 42}
}

type apiFixture struct {
	resolver *fakeResolver
	claimer  *fakeClaimer
	store    *storage.MemoryStorage
	server   *Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage(logger)
	resolver := &fakeResolver{}
	claimer := &fakeClaimer{}

	hc := healthprobe.New()
	hc.SetReady(true)

	server := New(&Config{
		Port:          "0",
		Logger:        logger,
		HealthChecker: hc,
		Resolutions:   NewResolutionHandler(resolver, store, claimer, fakeBreaker{}, logger),
	})

	return &apiFixture{resolver: resolver, claimer: claimer, store: store, server: server}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(strings.TrimPrefix(path, "/"), func(t *testing.T) {
			w := f.do(t, http.MethodGet, path, "")
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}

	w := f.do(t, http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleResolve_StatusMapping(t *testing.T) {
	halt := &settlement.HaltError{PoolID: 3, Step: "ResolvePool", Err: errors.New("rejected")}

	tests := []struct {
		name       string
		result     *settlement.Result
		err        error
		wantStatus int
		wantResult string
		wantError  string
	}{
		{
			name:       "completed",
			result:     &settlement.Result{PoolID: 3, Kind: settlement.Completed, Status: types.PoolWeightsFinalized, RunID: "run-1", Report: &reconcile.Report{PoolID: 3, Calculated: 2}},
			wantStatus: http.StatusOK,
			wantResult: "completed",
		},
		{
			name:       "halted",
			result:     &settlement.Result{PoolID: 3, Kind: settlement.Halted, Status: types.PoolDelegated, RunID: "run-2", Halt: halt},
			wantStatus: http.StatusBadGateway,
			wantResult: "halted",
			wantError:  halt.Error(),
		},
		{
			name:       "not-due",
			result:     &settlement.Result{PoolID: 3, Kind: settlement.NotDue, Status: types.PoolActive},
			wantStatus: http.StatusAccepted,
			wantResult: "not-due",
			wantError:  types.ErrPoolNotExpired.Error(),
		},
		{
			name:       "not-found",
			err:        fmt.Errorf("load pool 3: %w", types.ErrPoolNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "in-progress",
			err:        fmt.Errorf("pool 3: %w", types.ErrResolutionInProgress),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "already-finalized",
			err:        fmt.Errorf("pool 3: %w", types.ErrAlreadyFinalized),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "store-down",
			err:        errors.New("load resolution: connection refused"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.resolver.result, f.resolver.err = tt.result, tt.err

			w := f.do(t, http.MethodPost, "/api/pools/3/resolve", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, []uint64{3}, f.resolver.calls)

			if tt.result == nil {
				assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
				return
			}

			resp := decode[ResolutionResponse](t, w)
			assert.Equal(t, tt.wantResult, resp.Result)
			assert.Equal(t, tt.result.Status, resp.Status)
			assert.Equal(t, tt.result.RunID, resp.RunID)
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}
}

func TestHandleResolve_InvalidID(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/pools/abc/resolve", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.resolver.calls)
}

func TestHandleGetResolution(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, f.store.UpsertPool(ctx, &types.Pool{ID: 9, EndTime: end, Status: types.PoolActive}))
	require.NoError(t, f.store.UpsertBet(ctx, &types.Bet{ID: "bet-9-0", PoolID: 9, Deposit: 100, Status: types.BetActive}))

	t.Run("without-record", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/pools/9/resolution", "")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[ResolutionResponse](t, w)
		assert.Equal(t, uint64(9), resp.PoolID)
		assert.Equal(t, types.PoolActive, resp.Status)
		assert.Nil(t, resp.Resolution)
		require.Len(t, resp.Bets, 1)
		assert.Equal(t, "bet-9-0", resp.Bets[0].ID)
	})

	t.Run("with-record", func(t *testing.T) {
		rec := &types.ResolutionRecord{
			PoolID:    9,
			RunID:     "run-9",
			RunState:  types.RunHalted,
			Steps:     []types.StepResult{{Step: "DelegatePool", Error: "rejected"}},
			CreatedAt: end,
		}
		require.NoError(t, f.store.StartResolution(ctx, rec, ""))

		w := f.do(t, http.MethodGet, "/api/pools/9/resolution", "")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[ResolutionResponse](t, w)
		require.NotNil(t, resp.Resolution)
		assert.Equal(t, "run-9", resp.Resolution.RunID)
		assert.Equal(t, types.RunHalted, resp.Resolution.RunState)
		assert.Equal(t, "rejected", resp.Resolution.Step("DelegatePool").Error)
	})

	t.Run("unknown-pool", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/pools/404/resolution", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleClaim(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "claimed", body: `{"txRef":"tx-1"}`, wantStatus: http.StatusNoContent},
		{name: "missing-tx-ref", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "bad-body", body: `not json`, wantStatus: http.StatusBadRequest},
		{name: "unknown-bet", body: `{"txRef":"tx-1"}`, err: types.ErrBetNotFound, wantStatus: http.StatusNotFound},
		{name: "already-claimed", body: `{"txRef":"tx-1"}`, err: types.ErrAlreadyClaimed, wantStatus: http.StatusConflict},
		{name: "not-claimable", body: `{"txRef":"tx-1"}`, err: types.ErrNotClaimable, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.claimer.err = tt.err

			w := f.do(t, http.MethodPost, "/api/bets/bet-1-0/claim", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, "bet-1-0", f.claimer.betID)
				assert.Equal(t, "tx-1", f.claimer.txRef)
			}
		})
	}
}

func TestHandleBreaker(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/breaker", "")
	require.Equal(t, http.StatusOK, w.Code)

	status := decode[circuitbreaker.Status](t, w)
	assert.True(t, status.Enabled)
	assert.Equal(t, uint64(42), status.LastBalance)
}

func TestServer_OptionalRoutes(t *testing.T) {
	logger := zap.NewNop()
	server := New(&Config{
		Port:          "0",
		Logger:        logger,
		HealthChecker: healthprobe.New(),
		Resolutions:   NewResolutionHandler(&fakeResolver{}, storage.NewMemoryStorage(logger), nil, nil, logger),
	})

	for _, path := range []string{"/api/breaker", "/api/bets/b/claim"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	server := New(&Config{
		Port:          "0", // Random available port
		Logger:        zap.NewNop(),
		HealthChecker: healthprobe.New(),
	})

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after shutdown")
	}
}

func TestServer_Timeouts(t *testing.T) {
	server := New(&Config{
		Port:          "8080",
		Logger:        zap.NewNop(),
		HealthChecker: healthprobe.New(),
		RunTimeout:    2 * time.Minute,
	})

	assert.Equal(t, ":8080", server.server.Addr)
	assert.Equal(t, 15*time.Second, server.server.ReadTimeout)
	assert.Equal(t, 10*time.Second, server.server.ReadHeaderTimeout)
	assert.Equal(t, 2*time.Minute+5*time.Second, server.server.WriteTimeout)
	assert.Equal(t, 60*time.Second, server.server.IdleTimeout)
}
