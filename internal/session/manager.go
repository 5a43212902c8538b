// Package session obtains and caches enclave session tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/pkg/cache"
)

// ErrEnclaveUnreachable is returned when authentication attempts are
// exhausted. It ends the current run, not the process.
var ErrEnclaveUnreachable = errors.New("enclave unreachable")

// ManagerConfig holds configuration for a Manager.
type ManagerConfig struct {
	Keypair        *Keypair
	Authenticator  Authenticator
	Cache          cache.Cache[Token]
	MaxAttempts    uint
	InitialBackoff time.Duration
	ExpirySkew     time.Duration // tokens this close to expiry are treated as expired
	Logger         *zap.Logger
	Now            func() time.Time
}

// Manager hands out a cached session token, re-authenticating when the
// cached token is expired or has been refused.
type Manager struct {
	keypair  *Keypair
	auth     Authenticator
	cache    cache.Cache[Token]
	key      string
	attempts uint
	backoff  time.Duration
	skew     time.Duration
	logger   *zap.Logger
	now      func() time.Time

	// serializes authentication so concurrent callers share one handshake
	mu sync.Mutex
}

// NewManager creates a session manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Keypair == nil {
		return nil, errors.New("keypair cannot be nil")
	}

	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator cannot be nil")
	}

	if cfg.Cache == nil {
		return nil, errors.New("cache cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		keypair:  cfg.Keypair,
		auth:     cfg.Authenticator,
		cache:    cfg.Cache,
		key:      "enclave-session:" + cfg.Keypair.PublicKey().String(),
		attempts: attempts,
		backoff:  cfg.InitialBackoff,
		skew:     cfg.ExpirySkew,
		logger:   cfg.Logger,
		now:      now,
	}, nil
}

// Token returns a valid bearer token value.
func (m *Manager) Token(ctx context.Context) (string, error) {
	tok, err := m.Session(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Session returns the cached token or authenticates for a new one.
func (m *Manager) Session(ctx context.Context) (Token, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have authenticated while we waited.
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	tok, err := retry.DoWithData(
		func() (Token, error) {
			AuthAttemptsTotal.Inc()
			return m.auth.Authenticate(ctx, m.keypair)
		},
		retry.Context(ctx),
		retry.Attempts(m.attempts),
		retry.Delay(m.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			AuthFailuresTotal.Inc()
			m.logger.Warn("enclave-auth-retry",
				zap.Uint("attempt", n+1),
				zap.Uint("max-attempts", m.attempts),
				zap.Error(err))
		}))
	if err != nil {
		m.logger.Error("enclave-auth-exhausted", zap.Uint("attempts", m.attempts), zap.Error(err))
		return Token{}, fmt.Errorf("%w: %w", ErrEnclaveUnreachable, err)
	}

	ttl := tok.ExpiresAt.Sub(m.now()) - m.skew
	if ttl > 0 {
		m.cache.Set(m.key, tok, ttl)
	}

	m.logger.Info("enclave-session-established",
		zap.String("pubkey", m.keypair.PublicKey().String()),
		zap.Time("expires-at", tok.ExpiresAt))

	return tok, nil
}

// Invalidate drops token from the cache if it is still the cached one.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.cache.Get(m.key)
	if !ok || cached.Value != token {
		return
	}

	m.cache.Delete(m.key)
	InvalidationsTotal.Inc()
	m.logger.Info("enclave-session-invalidated")
}

func (m *Manager) cached() (Token, bool) {
	tok, ok := m.cache.Get(m.key)
	if !ok {
		return Token{}, false
	}
	if !m.now().Add(m.skew).Before(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

// Context is the per-run session state passed to the orchestrator: the fee
// payer that signs ledger operations and the enclave session.
type Context struct {
	Payer   *Keypair
	Enclave *Manager
}
