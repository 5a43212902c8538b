// Package app wires the settlement services into a long-running process.
package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/circuitbreaker"
	"github.com/mselser95/pool-settler/internal/scheduler"
	"github.com/mselser95/pool-settler/pkg/config"
	"github.com/mselser95/pool-settler/pkg/healthprobe"
	"github.com/mselser95/pool-settler/pkg/httpserver"
)

// App is the main application orchestrator.
type App struct {
	cfg           *config.Config
	logger        *zap.Logger
	healthChecker *healthprobe.HealthChecker
	httpServer    *httpserver.Server
	components    *Components
	breaker       *circuitbreaker.BalanceCircuitBreaker // nil when disabled
	scheduler     *scheduler.Service                    // nil when disabled
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Options holds application options.
type Options struct {
	DisableScheduler bool // serve the API only; runs start on request
}
