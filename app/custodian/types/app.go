package types

import (
	"context"
	"net/http"
	"time"

	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/canopy-network/custodyx/pkg/redis"
	"github.com/canopy-network/custodyx/pkg/session"
	"github.com/canopy-network/custodyx/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type App struct {
	// Ledger backend (memory or postgres)
	Store ledger.Store

	// Chain access
	Chain    chain.Client
	Receipts chain.ReceiptReader

	// Transfer pipeline
	Engine     *transfer.Engine
	Reconciler *transfer.Reconciler

	// Identity boundary
	Sessions *session.Manager

	// Metrics registry served on /metrics
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Redis Client (optional, for transfer events)
	RedisClient *redis.Client

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server

	ReconcileOnStart bool
}

// Start serves HTTP until ctx is cancelled, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	if a.ReconcileOnStart && a.Reconciler != nil {
		a.reconcile(ctx)
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.RedisClient != nil {
		a.Logger.Info("closing redis connection")
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}

	if a.Store != nil {
		a.Logger.Info("closing ledger store")
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close ledger store", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

func (a *App) reconcile(ctx context.Context) {
	report, err := a.Reconciler.Run(ctx)
	if err != nil {
		a.Logger.Error("Startup reconciliation failed", zap.Error(err))
		return
	}
	a.Logger.Info("Startup reconciliation finished",
		zap.Int("open", len(report.Intents)),
		zap.Int("committed", report.Count(transfer.OutcomeCommitted)),
		zap.Int("released", report.Count(transfer.OutcomeReleased)),
		zap.Int("in_flight", report.Count(transfer.OutcomeInFlight)),
		zap.Int("needs_review", report.Count(transfer.OutcomeNeedsReview)),
		zap.Int("errors", report.Count(transfer.OutcomeError)),
	)
}
