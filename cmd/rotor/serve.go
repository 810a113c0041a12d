package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tfkr-ae/rotor"
	"github.com/tfkr-ae/rotor/api"
	"github.com/tfkr-ae/rotor/core"
	"github.com/tfkr-ae/rotor/db"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/filestore"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/provider/apigateway"
	"github.com/tfkr-ae/rotor/provision"
	"github.com/tfkr-ae/rotor/rotation"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *rotor.Config) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	conn, err := db.New(cfg.Path(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database : %w", err)
	}
	repo := db.NewRepo(conn)

	var routes domain.RouteRepository = repo
	if cfg.Persistence == rotor.PersistenceYAML {
		routes = filestore.New(cfg.Path(cfg.RoutesFile))
	}

	var collector *metrics.Collector
	if cfg.Metrics {
		collector = metrics.NewCollector()
	}

	registry := rotation.NewRegistry(
		rotation.WithStore(routes),
		rotation.WithLogger(logger),
		rotation.WithMetrics(collector),
	)
	if err := registry.Load(); err != nil {
		logger.Warn("starting with an empty route registry", "error", err)
	}

	proxy, err := rotor.New(
		rotor.WithConfig(cfg),
		rotor.WithLogger(logger),
		rotor.WithMetrics(collector),
		rotor.WithRegistry(registry),
		rotor.WithRepo(repo),
		rotor.WithDefaultModifiers(),
		rotor.WithTLS(),
	)
	if err != nil {
		repo.Close()
		return err
	}
	defer repo.Close()

	apiOptions := []api.Option{
		api.WithStore(repo),
		api.WithMetrics(collector),
		api.WithLogger(logger),
		api.WithRegions(func() []string { return cfg.Regions }),
		api.WithDefaultStage(cfg.DefaultStage),
	}
	if orchestrator := newOrchestrator(ctx, cfg, logger, proxy, registry, repo, collector); orchestrator != nil {
		apiOptions = append(apiOptions, api.WithProvisioner(orchestrator))
	}

	admin := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           api.New(registry, apiOptions...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l, err := proxy.GetListener(cfg.ListenAddress, cfg.ListenPort)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	go func() {
		errs <- proxy.Serve(l)
	}()
	go func() {
		logger.Info("admin api listening", "address", cfg.AdminAddress)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("serving admin api : %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errs:
		logger.Error("server stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown", "error", err)
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown", "error", err)
	}
	return serveErr
}

// newOrchestrator wires the API Gateway provider. It returns nil when the AWS
// configuration cannot be loaded, leaving rotation of existing routes running.
func newOrchestrator(ctx context.Context, cfg *rotor.Config, logger *slog.Logger, proxy *rotor.Proxy, registry *rotation.Registry, repo *db.Repository, collector *metrics.Collector) *provision.Orchestrator {
	awsCfg, err := apigateway.LoadConfig(ctx, cfg.AWS.Credentials)
	if err != nil {
		logger.Warn("provisioning disabled", "error", err)
		return nil
	}

	provider := apigateway.New(awsCfg,
		apigateway.WithRateLimit(cfg.AWS.RequestsPerSecond, cfg.AWS.Burst),
		apigateway.WithDefaultStage(cfg.DefaultStage),
		apigateway.WithLogger(logger),
	)
	if len(cfg.Regions) > 0 {
		verifyCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
		if err := provider.Verify(verifyCtx, cfg.Regions[0]); err != nil {
			logger.Warn("aws credentials could not be verified", "error", err)
		}
		cancel()
	}

	return provision.New(provider, registry,
		provision.WithInventory(repo),
		provision.WithStageValidator(provision.NewStageValidator(cfg.StageDenyList)),
		provision.WithMaxWorkers(cfg.MaxWorkers),
		provision.WithTimeout(cfg.ProviderTimeout),
		provision.WithLogger(logger),
		provision.WithMetrics(collector),
		provision.WithReportHandler(func(report *provision.Report) {
			level := "INFO"
			if report.FailureCount() > 0 {
				level = "WARN"
			}
			if err := proxy.WriteLog(level, report.Summary(), core.LogWithBatchID(report.ID)); err != nil {
				logger.Warn("recording batch report", "error", err)
			}
		}),
	)
}
