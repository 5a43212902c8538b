package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/internal/lock"
	"github.com/mselser95/pool-settler/internal/reconcile"
	"github.com/mselser95/pool-settler/internal/session"
	"github.com/mselser95/pool-settler/internal/settlement"
	"github.com/mselser95/pool-settler/internal/storage"
	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/cache"
	"github.com/mselser95/pool-settler/pkg/config"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Components are the wired services shared by the long-running app and the
// one-shot commands.
type Components struct {
	Store        storage.Store
	Ledger       *chain.RPCClient
	Enclave      *chain.RPCClient
	Payer        *session.Keypair
	Sessions     *session.Manager
	Deriver      *address.Deriver
	Delegation   types.Handle
	Locker       lock.Locker
	Reconciler   *reconcile.Reconciler
	Orchestrator *settlement.Orchestrator

	tokens *cache.RistrettoCache[session.Token]
	redis  *redis.Client
	logger *zap.Logger
}

// NewComponents builds every settlement service from cfg. On error nothing
// is left open.
func NewComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	err = cfg.RequireChain()
	if err != nil {
		return nil, err
	}

	c := &Components{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	program, err := types.ParseHandle(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse PROGRAM_ID: %w", err)
	}
	c.Deriver = address.NewDeriver(program)

	c.Delegation, err = types.ParseHandle(cfg.DelegationProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse DELEGATION_PROGRAM_ID: %w", err)
	}

	var validator types.Handle
	if cfg.EnclaveValidator != "" {
		validator, err = types.ParseHandle(cfg.EnclaveValidator)
		if err != nil {
			return nil, fmt.Errorf("parse ENCLAVE_VALIDATOR: %w", err)
		}
	}

	c.Payer, err = session.ParseKeypair(cfg.PayerSecretKey)
	if err != nil {
		return nil, fmt.Errorf("parse PAYER_SECRET_KEY: %w", err)
	}

	c.Store, err = setupStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("setup storage: %w", err)
	}

	c.Locker, c.redis, err = setupLocker(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("setup locker: %w", err)
	}

	c.tokens, err = cache.NewRistrettoCache[session.Token](&cache.RistrettoConfig{
		Name:        "enclave-session",
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup session cache: %w", err)
	}

	c.Sessions, err = setupSessions(cfg, logger, c.Payer, c.tokens)
	if err != nil {
		return nil, fmt.Errorf("setup sessions: %w", err)
	}

	c.Ledger, err = chain.NewRPCClient(ctx, rpcConfig(cfg, "ledger", cfg.LedgerRPCURL, nil, logger))
	if err != nil {
		return nil, fmt.Errorf("setup ledger client: %w", err)
	}

	c.Enclave, err = chain.NewRPCClient(ctx, rpcConfig(cfg, "enclave", cfg.EnclaveRPCURL, c.Sessions, logger))
	if err != nil {
		return nil, fmt.Errorf("setup enclave client: %w", err)
	}

	c.Reconciler, err = reconcile.New(&reconcile.Config{
		Store:   c.Store,
		Ledger:  c.Ledger,
		Deriver: c.Deriver,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup reconciler: %w", err)
	}

	var oracle settlement.OracleSource
	if cfg.OracleFeed != "" {
		feed, parseErr := types.ParseHandle(cfg.OracleFeed)
		if parseErr != nil {
			return nil, fmt.Errorf("parse ORACLE_FEED: %w", parseErr)
		}
		oracle = settlement.NewFeedOracle(c.Ledger, feed)
	}

	c.Orchestrator, err = settlement.New(&settlement.Config{
		Store:             c.Store,
		Ledger:            c.Ledger,
		Enclave:           c.Enclave,
		Session:           &session.Context{Payer: c.Payer, Enclave: c.Sessions},
		Deriver:           c.Deriver,
		Reconciler:        c.Reconciler,
		Locker:            c.Locker,
		Oracle:            oracle,
		DelegationProgram: c.Delegation,
		EnclaveValidator:  validator,
		BatchSize:         cfg.BetBatchSize,
		MaxAttempts:       uint(cfg.StepMaxAttempts),
		InitialBackoff:    cfg.StepInitialBackoff,
		MaxBackoff:        cfg.StepMaxBackoff,
		StaleAfter:        cfg.StaleRunThreshold,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup orchestrator: %w", err)
	}

	return c, nil
}

func setupStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.StorageMode == "postgres" {
		pgStorage, err := storage.NewPostgresStorage(&storage.PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPass,
			Database: cfg.PostgresDB,
			SSLMode:  cfg.PostgresSSL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create postgres storage: %w", err)
		}

		err = pgStorage.EnsureSchema(ctx)
		if err != nil {
			_ = pgStorage.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return pgStorage, nil
	}

	return storage.NewMemoryStorage(logger), nil
}

// setupLocker selects the run lease: Redis when configured, otherwise an
// in-process lease that only guards a single replica.
func setupLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.Locker, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	err := rdb.Ping(ctx).Err()
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	return lock.NewRedisLocker(rdb, "poolsettler:", logger), rdb, nil
}

func setupSessions(
	cfg *config.Config,
	logger *zap.Logger,
	payer *session.Keypair,
	tokens *cache.RistrettoCache[session.Token],
) (*session.Manager, error) {
	auth, err := session.NewHTTPAuthenticator(cfg.EnclaveAuthURL, cfg.RPCCallTimeout)
	if err != nil {
		return nil, err
	}

	return session.NewManager(&session.ManagerConfig{
		Keypair:        payer,
		Authenticator:  auth,
		Cache:          tokens,
		MaxAttempts:    uint(cfg.SessionMaxAttempts),
		InitialBackoff: cfg.SessionInitialBackoff,
		ExpirySkew:     cfg.SessionExpirySkew,
		Logger:         logger,
	})
}

func rpcConfig(cfg *config.Config, name, url string, tokens chain.TokenSource, logger *zap.Logger) *chain.RPCConfig {
	return &chain.RPCConfig{
		Name:         name,
		URL:          url,
		CallTimeout:  cfg.RPCCallTimeout,
		RateLimit:    cfg.RPCRateLimit,
		RateBurst:    cfg.RPCRateBurst,
		ReadAttempts: 3,
		ReadBackoff:  cfg.StepInitialBackoff,
		Tokens:       tokens,
		Logger:       logger,
	}
}

// Ping checks the store and, when configured, Redis.
func (c *Components) Ping(ctx context.Context) error {
	var errs []error
	if c.Store != nil {
		if err := c.Store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every resource the components hold. It is safe on a
// partially built value.
func (c *Components) Close() {
	if c.Ledger != nil {
		c.Ledger.Close()
	}
	if c.Enclave != nil {
		c.Enclave.Close()
	}
	if c.tokens != nil {
		c.tokens.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("redis-close-error", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Error("storage-close-error", zap.Error(err))
		}
	}
}
