package testutil

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/types"
)

// MockRPCServer serves one FakeChain endpoint over JSON-RPC so tests can
// drive the real RPC client against it.
type MockRPCServer struct {
	Server *httptest.Server
	client chain.Client

	mu       sync.Mutex
	requests map[string]int
	logins   int
	// RequireToken rejects requests without this bearer token with 401.
	RequireToken string
}

// NewMockRPCServer creates a new mock JSON-RPC server for endpoint of fc.
func NewMockRPCServer(fc *FakeChain, endpoint string) *MockRPCServer {
	m := &MockRPCServer{requests: make(map[string]int)}
	if endpoint == Enclave {
		m.client = fc.Enclave()
	} else {
		m.client = fc.Ledger()
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the server URL.
func (m *MockRPCServer) URL() string {
	return m.Server.URL
}

// Close shuts down the server.
func (m *MockRPCServer) Close() {
	m.Server.Close()
}

// Requests returns how many calls of method were served.
func (m *MockRPCServer) Requests(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[method]
}

type mockRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type mockOperation struct {
	Operation string `json:"operation"`
	Accounts  []struct {
		Handle   string `json:"handle"`
		Writable bool   `json:"writable"`
		Signer   bool   `json:"signer"`
	} `json:"accounts"`
	Args    map[string]any `json:"args"`
	Message string         `json:"message"`
}

// Logins returns how many sessions the auth endpoints issued.
func (m *MockRPCServer) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

// handleAuth serves the challenge/login handshake, issuing RequireToken.
func (m *MockRPCServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	var resp any
	switch r.URL.Path {
	case "/auth/challenge":
		if r.URL.Query().Get("pubkey") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp = map[string]string{"challenge": "challenge-" + r.URL.Query().Get("pubkey")}
	case "/auth/login":
		var login struct {
			PubKey    string `json:"pubkey"`
			Challenge string `json:"challenge"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&login); err != nil || login.Signature == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.logins++
		m.mu.Unlock()
		resp = map[string]any{
			"token":     m.RequireToken,
			"expiresAt": time.Now().Add(time.Hour).UnixMilli(),
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockRPCServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/auth/") {
		m.handleAuth(w, r)
		return
	}

	if m.RequireToken != "" && r.Header.Get("Authorization") != "Bearer "+m.RequireToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req mockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests[req.Method]++
	m.mu.Unlock()

	var result any
	var rpcErr error
	switch req.Method {
	case "getAccountInfo":
		result, rpcErr = m.getAccountInfo(r, req.Params)
	case "sendOperation":
		result, rpcErr = m.sendOperation(r, req.Params)
	default:
		rpcErr = &chain.RejectedError{Code: -32601, Message: "method not found"}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		code, msg := -32002, rpcErr.Error()
		var rejected *chain.RejectedError
		var unavailable *chain.UnavailableError
		switch {
		case errors.As(rpcErr, &rejected) && rejected.Code != 0:
			code, msg = rejected.Code, rejected.Message
		case errors.As(rpcErr, &unavailable):
			code = -32005
		}
		resp["error"] = map[string]any{"code": code, "message": msg}
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockRPCServer) getAccountInfo(r *http.Request, params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, &chain.RejectedError{Code: -32602, Message: "missing handle"}
	}
	var s string
	if err := json.Unmarshal(params[0], &s); err != nil {
		return nil, &chain.RejectedError{Code: -32602, Message: err.Error()}
	}
	handle, err := types.ParseHandle(s)
	if err != nil {
		return nil, &chain.RejectedError{Code: -32602, Message: err.Error()}
	}

	snap, err := m.client.FetchAccount(r.Context(), handle)
	if errors.Is(err, chain.ErrNotFound) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"context": map[string]any{"slot": snap.Slot},
		"value": map[string]any{
			"owner":    snap.Owner.String(),
			"lamports": snap.Lamports,
			"data":     map[string]any{"parsed": json.RawMessage(snap.Data)},
		},
	}, nil
}

func (m *MockRPCServer) sendOperation(r *http.Request, params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, &chain.RejectedError{Code: -32602, Message: "missing operation"}
	}
	var wire mockOperation
	if err := json.Unmarshal(params[0], &wire); err != nil {
		return nil, &chain.RejectedError{Code: -32602, Message: err.Error()}
	}
	if _, err := base64.StdEncoding.DecodeString(wire.Message); err != nil {
		return nil, &chain.RejectedError{Code: -32602, Message: "message is not base64"}
	}

	op := chain.Operation{Name: wire.Operation, Args: wire.Args}
	for _, a := range wire.Accounts {
		h, err := types.ParseHandle(a.Handle)
		if err != nil {
			return nil, &chain.RejectedError{Code: -32602, Message: err.Error()}
		}
		op.Accounts = append(op.Accounts, chain.AccountMeta{Handle: h, Writable: a.Writable, Signer: a.Signer})
	}

	confirmation, err := m.client.Submit(r.Context(), op)
	if err != nil {
		return nil, err
	}
	return map[string]any{"confirmation": confirmation}, nil
}
