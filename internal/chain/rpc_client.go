package chain

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/rpc"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mselser95/pool-settler/pkg/types"
)

const (
	methodSendOperation  = "sendOperation"
	methodGetAccountInfo = "getAccountInfo"
)

// JSON-RPC error codes the node uses for conditions that clear on their own.
const (
	codeLimitExceeded    = -32005
	codeResourceNotReady = -32004
)

// TokenSource supplies bearer tokens for an authenticated endpoint.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// RPCConfig holds configuration for an RPCClient.
type RPCConfig struct {
	Name         string // "ledger" or "enclave", used in errors, logs and metrics
	URL          string
	CallTimeout  time.Duration
	RateLimit    float64 // requests per second
	RateBurst    int
	ReadAttempts uint
	ReadBackoff  time.Duration
	Tokens       TokenSource // nil for unauthenticated endpoints
	Logger       *zap.Logger
}

// RPCClient is a Client over JSON-RPC 2.0 on HTTP.
type RPCClient struct {
	name         string
	rpc          *rpc.Client
	limiter      *rate.Limiter
	timeout      time.Duration
	readAttempts uint
	readBackoff  time.Duration
	authed       bool
	logger       *zap.Logger
}

// NewRPCClient dials the endpoint described by cfg.
func NewRPCClient(ctx context.Context, cfg *RPCConfig) (c *RPCClient, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("URL cannot be empty")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("call timeout must be positive, got %v", cfg.CallTimeout)
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if cfg.Tokens != nil {
		transport = &bearerTransport{base: transport, tokens: cfg.Tokens, endpoint: cfg.Name}
	}

	client, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		return nil, fmt.Errorf("dial %s RPC: %w", cfg.Name, err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	attempts := cfg.ReadAttempts
	if attempts == 0 {
		attempts = 1
	}

	return &RPCClient{
		name:         cfg.Name,
		rpc:          client,
		limiter:      rate.NewLimiter(limit, burst),
		timeout:      cfg.CallTimeout,
		readAttempts: attempts,
		readBackoff:  cfg.ReadBackoff,
		authed:       cfg.Tokens != nil,
		logger:       cfg.Logger.With(zap.String("endpoint", cfg.Name)),
	}, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

// Submit signs op and sends it. Submits are never retried here: the caller
// decides whether re-issuing is safe.
func (c *RPCClient) Submit(ctx context.Context, op Operation) (string, error) {
	envelope, err := encodeOperation(op)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", op.Name, err)
	}

	var raw json.RawMessage
	err = c.call(ctx, op.Name, &raw, methodSendOperation, envelope)
	if err != nil {
		return "", err
	}

	confirmation, err := decodeConfirmation(raw)
	if err != nil {
		return "", &RejectedError{Endpoint: c.name, Op: op.Name, Message: err.Error()}
	}

	c.logger.Debug("operation-confirmed",
		zap.String("op", op.Name),
		zap.String("confirmation", confirmation))

	return confirmation, nil
}

// FetchAccount reads an account, retrying transient failures with backoff.
func (c *RPCClient) FetchAccount(ctx context.Context, handle types.Handle) (*Snapshot, error) {
	fetch := func() (*Snapshot, error) {
		var raw json.RawMessage
		err := c.call(ctx, methodGetAccountInfo, &raw, methodGetAccountInfo,
			handle.String(), map[string]string{"encoding": "jsonParsed"})
		if err != nil {
			return nil, err
		}
		return decodeAccountInfo(handle, raw)
	}

	snapshot, err := retry.DoWithData(fetch,
		retry.Context(ctx),
		retry.Attempts(c.readAttempts),
		retry.Delay(c.readBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("fetch-account-retry",
				zap.String("handle", handle.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// call performs one JSON-RPC request under the rate limit and call timeout,
// classifying failures. A refused session token is invalidated by the
// transport and the request is re-sent once with a fresh token.
func (c *RPCClient) call(ctx context.Context, op string, result interface{}, method string, args ...interface{}) error {
	err := c.callOnce(ctx, op, result, method, args...)

	var auth *AuthError
	if c.authed && errors.As(err, &auth) {
		c.logger.Info("session-token-refused", zap.String("op", op), zap.Int("status", auth.Status))
		err = c.callOnce(ctx, op, result, method, args...)
	}

	return err
}

func (c *RPCClient) callOnce(ctx context.Context, op string, result interface{}, method string, args ...interface{}) error {
	err := c.limiter.Wait(ctx)
	if err != nil {
		return &UnavailableError{Endpoint: c.name, Op: op, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err = c.rpc.CallContext(callCtx, result, method, args...)
	CallDuration.WithLabelValues(c.name, method).Observe(time.Since(start).Seconds())

	if err != nil {
		classified := c.classify(op, err)
		CallsTotal.WithLabelValues(c.name, method, resultLabel(classified)).Inc()
		return classified
	}

	CallsTotal.WithLabelValues(c.name, method, "ok").Inc()
	return nil
}

// classify maps transport and protocol errors onto the chain error taxonomy.
func (c *RPCClient) classify(op string, err error) error {
	var session *SessionError
	if errors.As(err, &session) {
		return session
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return &AuthError{Endpoint: c.name, Status: httpErr.StatusCode}
		case httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError:
			return &UnavailableError{Endpoint: c.name, Op: op, Err: err}
		default:
			return &RejectedError{Endpoint: c.name, Op: op, Code: httpErr.StatusCode, Message: string(httpErr.Body)}
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if code == codeLimitExceeded || code == codeResourceNotReady {
			return &UnavailableError{Endpoint: c.name, Op: op, Err: err}
		}
		return &RejectedError{Endpoint: c.name, Op: op, Code: code, Message: rpcErr.Error()}
	}

	// Deadline, cancellation, connection and decode failures.
	return &UnavailableError{Endpoint: c.name, Op: op, Err: err}
}

func resultLabel(err error) string {
	switch {
	case IsRejected(err):
		return "rejected"
	case IsTransient(err):
		return "unavailable"
	default:
		return "error"
	}
}

type wireAccount struct {
	Handle   string `json:"handle"`
	Writable bool   `json:"writable"`
	Signer   bool   `json:"signer"`
}

type wireSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type wireMessage struct {
	Operation string         `json:"operation"`
	Accounts  []wireAccount  `json:"accounts"`
	Args      map[string]any `json:"args"`
}

type wireOperation struct {
	wireMessage
	Message    string          `json:"message"`
	Signatures []wireSignature `json:"signatures"`
}

// encodeOperation builds the signed sendOperation envelope. Every signer
// signs the same canonical message bytes.
func encodeOperation(op Operation) (*wireOperation, error) {
	if op.Name == "" {
		return nil, errors.New("operation name cannot be empty")
	}

	msg := wireMessage{
		Operation: op.Name,
		Accounts:  make([]wireAccount, 0, len(op.Accounts)),
		Args:      op.Args,
	}
	for _, meta := range op.Accounts {
		msg.Accounts = append(msg.Accounts, wireAccount{
			Handle:   meta.Handle.String(),
			Writable: meta.Writable,
			Signer:   meta.Signer,
		})
	}
	if msg.Args == nil {
		msg.Args = map[string]any{}
	}

	message, err := gojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	signatures := make([]wireSignature, 0, len(op.Signers))
	for _, signer := range op.Signers {
		sig, err := signer.Sign(message)
		if err != nil {
			return nil, fmt.Errorf("sign with %s: %w", signer.PublicKey(), err)
		}
		signatures = append(signatures, wireSignature{
			Signer:    signer.PublicKey().String(),
			Signature: base58.Encode(sig),
		})
	}

	return &wireOperation{
		wireMessage: msg,
		Message:     base64.StdEncoding.EncodeToString(message),
		Signatures:  signatures,
	}, nil
}
