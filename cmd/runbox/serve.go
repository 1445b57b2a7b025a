package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/gateway/natsapi"
	"github.com/jkaninda/runbox/internal/janitor"
	"github.com/jkaninda/runbox/internal/ratelimit"
)

const shutdownTimeout = 30 * time.Second

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, and the NATS listener when enabled",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that
	// `runbox --listen addr` and `runbox serve --listen addr` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. 127.0.0.1:8088)")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd, "")
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.HTTP.ListenAddr = listenAddr
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Readiness checks.
	health := sc.Obs.Health
	health.AddExecutorChecks(sc.Executor)
	if sc.Journal != nil {
		health.AddCheck("journal", sc.Journal.Ping)
	}

	metrics := sc.Obs.MetricsOrNil()

	// Janitor.
	if cfg.Janitor.Enabled {
		opts := []janitor.Option{
			janitor.WithReapedObserver(metrics.ObserveReaped),
			janitor.WithActiveExecutions(sc.Engine.Active),
		}
		retention := time.Duration(0)
		if sc.Journal != nil {
			opts = append(opts, janitor.WithJournal(sc.Journal))
			retention = cfg.Journal.Retention()
		}
		j, err := janitor.New(sc.Runtime, sc.Workspaces, janitor.Config{
			Schedule:  cfg.Janitor.Schedule,
			MaxAge:    cfg.Janitor.MaxAge(),
			Retention: retention,
		}, logger, opts...)
		if err != nil {
			return err
		}
		stopJanitor := j.Start(ctx)
		defer stopJanitor()
	}

	var gateways []gateway.Gateway

	// HTTP API.
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.HTTP.ListenAddr,
		EnableDocs:    cfg.HTTP.EnableDocs,
		APIKeys:       cfg.HTTP.APIKeys,
		HealthChecker: health,
		Metrics:       metrics,
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	gwCfg.Tracer = sc.Obs.TracerOrNil()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
		Burst:             cfg.HTTP.RateLimit.Burst,
	})
	httpGateway := httpapi.NewGateway(gwCfg, sc.Service, limiter, logger)
	if sc.Journal != nil {
		httpGateway.WithJournal(sc.Journal)
	}
	gateways = append(gateways, httpGateway)

	// NATS listener.
	if cfg.NATS != nil && cfg.NATS.Enabled {
		gateways = append(gateways, natsapi.NewListener(natsapi.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, sc.Service, metrics, logger))
	}

	return serveGateways(ctx, logger, gateways)
}

// serveGateways runs every gateway until ctx is done or one of them fails,
// then stops them all within shutdownTimeout.
func serveGateways(ctx context.Context, logger *slog.Logger, gateways []gateway.Gateway) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func() { errCh <- gw.Start(ctx) }()
	}

	var first error
	select {
	case first = <-errCh:
		if first != nil {
			logger.Error("gateway failed", slog.String("error", first.Error()))
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	for _, gw := range gateways {
		if err := gw.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("stopping gateway", slog.String("error", err.Error()))
		}
	}
	cancel()
	return first
}
