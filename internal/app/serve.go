package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callroom/internal/log"
)

// Serve runs the HTTP API, the automation client and the expiry scheduler until ctx is
// done. Active sessions are reconciled before the scheduler starts.
func (b *BuildResult) Serve(ctx context.Context) error {
	logger := log.WithComponent("app")

	// the client outlives the scheduler so teardowns already in flight can finish
	clientDone := make(chan error, 1)
	go func() { clientDone <- b.Client.Run(context.WithoutCancel(ctx)) }()
	defer func() {
		b.Client.Close()
		<-clientDone
	}()

	httpServer := &http.Server{
		Addr:              b.Config.BindAddr,
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", b.Config.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if _, err := b.Orchestrator.Reconcile(gctx); err != nil {
			// the first sweep retries whatever reconciliation missed
			logger.Error().Err(err).Str(log.FieldEvent, "reconcile.failed").Msg("startup reconciliation failed")
		}
		return b.Orchestrator.Scheduler().Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}
