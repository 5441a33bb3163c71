package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/butlerdotdev/butler-registry/internal/background"
	"github.com/butlerdotdev/butler-registry/internal/config"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/platform"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
	"github.com/butlerdotdev/butler-registry/pkg/artifact"
	"github.com/butlerdotdev/butler-registry/pkg/byoc"
	"github.com/butlerdotdev/butler-registry/pkg/cascade"
	"github.com/butlerdotdev/butler-registry/pkg/dag"
	"github.com/butlerdotdev/butler-registry/pkg/environment"
	"github.com/butlerdotdev/butler-registry/pkg/expiry"
	"github.com/butlerdotdev/butler-registry/pkg/governance"
	"github.com/butlerdotdev/butler-registry/pkg/module"
	"github.com/butlerdotdev/butler-registry/pkg/notify"
	"github.com/butlerdotdev/butler-registry/pkg/policy"
	"github.com/butlerdotdev/butler-registry/pkg/registryproto"
	"github.com/butlerdotdev/butler-registry/pkg/runqueue"
	"github.com/butlerdotdev/butler-registry/pkg/variableset"
	"github.com/butlerdotdev/butler-registry/pkg/version"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting butler-registry",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry()

	s := store.NewPostgresStore(db)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, s, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, s, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, s *store.PostgresStore, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(cfg, logger, s, rdb, metricsReg)

	queue := background.NewQueue(ctx, logger, 4, 256)
	defer queue.Close()

	resolver := policy.NewResolver(s)
	gate := policy.NewGate(s, resolver)
	cascadeMgr := cascade.NewManager(logger, s, queue)
	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	// /v1 requires a registry API token (breg_...); every handler mounted
	// below runs behind it.
	srv.APIRouter.Use(byoc.RegistryAuth(s))

	artifactHandler := artifact.NewHandler(logger, s)
	srv.APIRouter.Mount("/artifacts", artifactHandler.Routes())

	versionHandler := version.NewHandler(logger, s, cascadeMgr, notifier, queue)
	srv.APIRouter.Mount("/artifacts/{ns}/{name}/versions", versionHandler.ArtifactVersionsRoutes())
	srv.APIRouter.Mount("/versions/{id}", versionHandler.VersionRoutes())

	environmentHandler := environment.NewHandler(logger, s)
	srv.APIRouter.Mount("/environments", environmentHandler.Routes())

	moduleHandler := module.NewHandler(logger, s)
	srv.APIRouter.Mount("/environments/{envID}/modules", moduleHandler.EnvironmentModulesRoutes())
	srv.APIRouter.Mount("/modules/{id}", moduleHandler.ModuleRoutes())
	srv.APIRouter.Mount("/environments/{envID}/dependencies", moduleHandler.DependenciesRoutes())
	srv.APIRouter.Mount("/modules/{id}/dependencies", moduleHandler.ModuleDependenciesRoutes())
	srv.APIRouter.Mount("/modules/{id}/variables", moduleHandler.ModuleVariablesRoutes())

	variablesetHandler := variableset.NewHandler(logger, s)
	srv.APIRouter.Mount("/cloud-integrations", variablesetHandler.CloudIntegrationsRoutes())
	srv.APIRouter.Mount("/variable-sets", variablesetHandler.VariableSetsRoutes())
	srv.APIRouter.Mount("/environments/{envID}/bindings", variablesetHandler.EnvironmentBindingsRoutes())
	srv.APIRouter.Mount("/modules/{id}/bindings", variablesetHandler.ModuleBindingsRoutes())

	policyHandler := policy.NewHandler(logger, s)
	srv.APIRouter.Mount("/policies", policyHandler.Routes())

	policyArtifactHandler := policy.NewArtifactHandler(s)
	srv.APIRouter.Get("/artifacts/{ns}/{name}/effective-policy", policyArtifactHandler.HandleEffectivePolicy)
	srv.APIRouter.Get("/artifacts/{ns}/{name}/evaluations", policyArtifactHandler.HandleEvaluations)

	runqueueHandler := runqueue.NewHandler(logger, s)
	srv.APIRouter.Mount("/environments/{envID}/modules/{moduleID}/runs", runqueueHandler.ModuleRunsRoutes())
	srv.APIRouter.Mount("/module-runs/{id}", runqueueHandler.RunRoutes())

	dagHandler := dag.NewHandler(logger, s)
	srv.APIRouter.Mount("/environments/{envID}/runs", dagHandler.EnvironmentRunsRoutes())
	srv.APIRouter.Mount("/environment-runs/{id}", dagHandler.RunRoutes())

	stalenessAfter, err := time.ParseDuration(cfg.RunConfirmationTimeout)
	if err != nil {
		return fmt.Errorf("parsing RUN_CONFIRMATION_TIMEOUT %q: %w", cfg.RunConfirmationTimeout, err)
	}
	governanceHandler := governance.NewHandler(logger, s, stalenessAfter)
	srv.APIRouter.Mount("/governance", governanceHandler.Routes())

	// /byoc authenticates per-run via a callback token (brce_...), minted
	// when a run is claimed — never a registry API token.
	byocHandler := byoc.NewHandler(logger, s)
	srv.BYOCRouter.Mount("/modules/{moduleID}", byocHandler.ClaimRoutes())
	srv.BYOCRouter.Mount("/runs/{id}", byocHandler.RunRoutes())

	// Registry wire protocols (.well-known, modules.v1, providers.v1, Helm,
	// OCI) are unauthenticated — they're what an unmodified Terraform CLI,
	// `helm repo add`, and an OCI client speak natively.
	registryprotoHandler := registryproto.NewHandler(logger, s, gate, queue)
	registryprotoHandler.Mount(srv.Router)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, s *store.PostgresStore, rdb *redis.Client) error {
	logger.Info("worker started")

	planTimeout, err := time.ParseDuration(cfg.RunConfirmationTimeout)
	if err != nil {
		return fmt.Errorf("parsing RUN_CONFIRMATION_TIMEOUT %q: %w", cfg.RunConfirmationTimeout, err)
	}
	sweepInterval, err := time.ParseDuration(cfg.ExpirySweepInterval)
	if err != nil {
		return fmt.Errorf("parsing EXPIRY_SWEEP_INTERVAL %q: %w", cfg.ExpirySweepInterval, err)
	}

	// environmentRunTTL and policyRetention are fixed constants; no
	// environment variable sets them.
	const environmentRunTTL = 72 * time.Hour
	const policyRetention = 90 * 24 * time.Hour

	sweeper := expiry.NewSweeper(logger, s, rdb, planTimeout, environmentRunTTL, policyRetention)
	sweeper.Run(ctx, sweepInterval)
	return nil
}
