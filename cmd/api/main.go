// Package main is the entry point for the static IP API server.
//
// It loads configuration, connects the pgx pool, wires the repositories,
// services, and external adapters (cloud provisioner, node agent gateway,
// CloudWatch metrics, SQS replenish trigger), builds the HTTP server with the
// core chassis (middleware, routing, health checks), and starts listening.
//
// In local mode (APP_ENV=local) the external adapters are replaced with
// in-process stubs so the full API runs against nothing but a database.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"staticip/internal/alloc"
	"staticip/internal/api/handlers"
	"staticip/internal/config"
	"staticip/internal/core"
	"staticip/internal/db"
	"staticip/internal/external"
	"staticip/internal/plans"
	"staticip/internal/portforward"
	"staticip/internal/queue"
	"staticip/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("static IP API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	// Repositories. The pgx pool satisfies db.DBTX directly; transactional
	// paths go through the TxRunner instead.
	poolRepo := db.NewPoolEntryRepository(pool, logger)
	subRepo := db.NewSubscriptionRepository(pool, logger)
	allocRepo := db.NewAllocationRepository(pool)
	ruleRepo := db.NewRuleRepository(pool)
	addonRepo := db.NewAddonRepository(pool)
	nodeRepo := db.NewNodeRepository(pool)
	txRunner := db.NewPoolTxRunner(pool)

	// External adapters: stubs in local mode, HTTP clients elsewhere.
	var (
		provisioner external.CloudProvisioner
		agent       external.NodeAgent
		metrics     external.MetricsEmitter
		replenish   *queue.ReplenishTrigger
	)
	if cfg.Environment == "local" {
		logger.Info("local mode: using stub external adapters")
		provisioner = external.NewStubProvisioner(logger)
		agent = external.NewStubNodeAgent(logger)
		metrics = external.NewStubMetricsEmitter(logger)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		endpointOpt := func(endpoint string) func(o *cloudwatch.Options) {
			return func(o *cloudwatch.Options) {
				if endpoint != "" {
					o.BaseEndpoint = aws.String(endpoint)
				}
			}
		}
		cwClient := cloudwatch.NewFromConfig(awsCfg, endpointOpt(cfg.AWS.EndpointURL))
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})

		metrics = external.NewCloudWatchMetrics(cwClient, logger)
		replenish = queue.NewReplenishTrigger(sqsClient, cfg.AWS, logger)
		provisioner = external.NewProvisionerClient(
			&http.Client{Timeout: cfg.Provisioner.Timeout},
			external.ProvisionerClientConfig{
				BaseURL: cfg.Provisioner.BaseURL,
				APIKey:  cfg.Provisioner.APIKey.Unmask(),
				Logger:  logger,
			},
		)
		agent = external.NewNodeAgentClient(
			&http.Client{Timeout: cfg.NodeAgent.Timeout},
			external.NodeAgentClientConfig{
				GatewayURL: cfg.NodeAgent.GatewayURL,
				AuthToken:  cfg.NodeAgent.AuthToken.Unmask(),
				Logger:     logger,
			},
		)
	}

	// Domain services.
	catalog := plans.NewStaticCatalog()
	subSvc := subscription.NewService(subRepo, addonRepo, catalog, nil, logger)
	pfSvc := portforward.NewService(txRunner, ruleRepo, addonRepo, allocRepo, agent, metrics, nil, logger)

	coordinatorDeps := alloc.Deps{
		DB:             pool,
		Tx:             txRunner,
		Pool:           poolRepo,
		Subs:           subRepo,
		Allocs:         allocRepo,
		Rules:          ruleRepo,
		Nodes:          nodeRepo,
		Provisioner:    provisioner,
		Agent:          agent,
		Metrics:        metrics,
		Logger:         logger,
		ReplenishFloor: cfg.Pool.ReplenishFloor,
	}
	if replenish != nil && replenish.Enabled() {
		coordinatorDeps.Replenish = replenish
	}
	coordinator := alloc.NewCoordinator(coordinatorDeps)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, pool, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.UseBaseMiddleware()
	srv.MountHealth()

	subHandler := handlers.NewSubscriptionHandler(subSvc, logger)
	allocHandler := handlers.NewAllocationHandler(coordinator, logger)
	pfHandler := handlers.NewPortForwardHandler(pfSvc, logger)

	srv.Router().Route("/v1", func(r chi.Router) {
		r.Use(core.UserIdentity)
		subHandler.Mount(r)
		allocHandler.Mount(r)
		pfHandler.Mount(r)
	})

	// Internal surface for node agents (usage reporting). Fronted by the
	// private load balancer, not the public API gateway, so no user identity.
	srv.Router().Route("/internal", func(r chi.Router) {
		pfHandler.MountInternal(r)
	})

	return runHTTPServer(srv, cfg, logger)
}

// newDBPool builds a tuned pgx connection pool and verifies connectivity
// before the server starts accepting traffic.
func newDBPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbCfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
