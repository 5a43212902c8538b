package app

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.logger.Info("application-starting",
		zap.String("storage-mode", a.cfg.StorageMode),
		zap.String("ledger-rpc", a.cfg.LedgerRPCURL),
		zap.String("enclave-rpc", a.cfg.EnclaveRPCURL),
		zap.Bool("scheduler", a.scheduler != nil),
		zap.String("log-level", a.cfg.LogLevel))

	a.Start()

	a.logger.Info("application-ready",
		zap.String("http-addr", ":"+a.cfg.HTTPPort),
		zap.String("payer", a.components.Payer.PublicKey().String()))

	// Wait for shutdown signal
	return a.waitForShutdown()
}

// Start launches every background component and marks the app ready.
func (a *App) Start() {
	a.wg.Add(1)
	go a.runHTTPServer()

	// Give HTTP server a moment to start
	time.Sleep(100 * time.Millisecond)

	// The breaker checks once synchronously so the first tick sees a real gate.
	if a.breaker != nil {
		a.breaker.Start(a.ctx)
	}

	if a.scheduler != nil {
		a.wg.Add(1)
		go a.runScheduler()
	}

	a.healthChecker.SetReady(true)
}

func (a *App) runHTTPServer() {
	defer a.wg.Done()
	err := a.httpServer.Start()
	if err != nil {
		a.logger.Error("http-server-error", zap.Error(err))
	}
}

func (a *App) runScheduler() {
	defer a.wg.Done()
	err := a.scheduler.Run(a.ctx)
	if err != nil && !errors.Is(err, a.ctx.Err()) {
		a.logger.Error("scheduler-error", zap.Error(err))
	}
}

func (a *App) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.Info("shutdown-signal-received", zap.String("signal", sig.String()))
	case <-a.ctx.Done():
		a.logger.Info("context-cancelled")
	}

	return a.Shutdown()
}
