package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/checkout"
	"github.com/ent0n29/callroom/internal/config"
	"github.com/ent0n29/callroom/internal/httpapi"
	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/observability"
	"github.com/ent0n29/callroom/internal/session"
	"github.com/ent0n29/callroom/internal/settlement"
	"github.com/ent0n29/callroom/internal/videocall"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *videocall.Orchestrator
	Client       *automation.Client
	Checkout     *checkout.Service
	Settlement   *settlement.Ledger
	Pricing      *session.PricingBook
	Metrics      *observability.Metrics
	// Backend names the session store in use: postgres, sqlite or memory.
	Backend string

	// Cleanup should be called on shutdown to release external resources (DB, gateway, tracer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "callroom"})
	logger := log.WithComponent("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tracing, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "callroom",
		Exporter:     cfg.TracingExporter,
		Endpoint:     cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	closers = append(closers, func() error { return tracing.Shutdown(context.Background()) })

	sessionStore, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	closers = append(closers, sessionStore.Close)

	settlementStore, err := settlement.NewStore(ctx, cfg.DatabaseURL, settlementPath(cfg.SQLitePath))
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("settlement store init failed: %w", err)
	}
	closers = append(closers, settlementStore.Close)

	ledger, err := settlement.NewLedger(settlementStore, cfg.CommissionPercentage, log.WithComponent("settlement"))
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	platform, err := newPlatform(cfg)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	if c, ok := platform.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	client := automation.NewClient(platform, automation.ClientConfig{
		CallsPerSecond:    cfg.AutomationCallsPerSec,
		MaxAttempts:       cfg.AutomationMaxAttempts,
		MaxRateLimitWaits: cfg.AutomationMaxRateWaits,
		MaxRateLimitWait:  cfg.AutomationMaxRateWait,
		BackoffBase:       cfg.AutomationBackoffBase,
		BackoffCap:        cfg.AutomationBackoffCap,
		CallTimeout:       cfg.AutomationRequestTimeout,
	}, log.WithComponent("automation"), metrics)

	registry := session.NewRegistry(sessionStore, log.WithComponent("session"))
	pricing := session.NewPricingBook(sessionStore)

	orchestrator, err := videocall.NewOrchestrator(videocall.Config{
		GracePeriod:       cfg.GracePeriod,
		SweepInterval:     cfg.SweepInterval,
		PendingStaleAfter: cfg.PendingStaleAfter,
		BotUserID:         cfg.AutomationBotUserID,
	}, videocall.Deps{
		Registry: registry,
		Ledger:   session.NewRoomLedger(sessionStore),
		Client:   client,
		Refunds:  ledger,
		Logger:   log.WithComponent("videocall"),
		Metrics:  metrics,
	})
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	checkoutSvc := checkout.NewService(pricing, orchestrator, ledger, log.WithComponent("checkout"))
	backend := session.Backend(sessionStore)

	api := httpapi.New(httpapi.Deps{
		Orchestrator: orchestrator,
		Pricing:      pricing,
		Checkout:     checkoutSvc,
		Ledger:       ledger,
		Storage:      registry,
		Backend:      backend,
		Metrics:      metrics,
		Logger:       log.WithComponent("httpapi"),
	})

	logger.Info().
		Str("backend", backend).
		Str("automation_mode", cfg.AutomationMode).
		Bool("tracing", cfg.TracingEnabled).
		Msg("callroom built")

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Client:       client,
		Checkout:     checkoutSvc,
		Settlement:   ledger,
		Pricing:      pricing,
		Metrics:      metrics,
		Backend:      backend,
		Cleanup:      closeAll,
	}, nil
}

func newPlatform(cfg config.Config) (automation.Platform, error) {
	switch cfg.AutomationMode {
	case "mock":
		return automation.NewMockPlatform(), nil
	case "gateway":
		p, err := automation.NewGatewayPlatform(cfg.AutomationGatewayURL, cfg.AutomationGatewayToken, log.WithComponent("gateway"))
		if err != nil {
			return nil, fmt.Errorf("automation gateway init failed: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("invalid AUTOMATION_MODE: %q", cfg.AutomationMode)
	}
}

// settlementPath keeps settlement rows in a sibling SQLite file so each store owns its schema.
func settlementPath(sessionPath string) string {
	if sessionPath == "" {
		return ""
	}
	return sessionPath + ".settlement"
}
