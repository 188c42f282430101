// Package main is the entrypoint for the Sweeper Lambda function.
//
// The Sweeper runs on an EventBridge schedule and flags expired subscriptions
// and expired port-forward addons. Expiry only changes status; teardown of the
// allocations behind an expired subscription is a separate operational
// concern handled through the normal release path.
//
// Set RUN_LOCAL=true to execute a single sweep as a one-shot CLI instead of
// starting the Lambda runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"staticip/internal/db"
	"staticip/internal/plans"
	"staticip/internal/subscription"
)

// SweeperInput allows the EventBridge rule (or an operator invoking the
// function manually) to pass options. Currently empty but kept as the event
// type so the schema can grow without breaking the trigger.
type SweeperInput struct{}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Sweeper Lambda initializing (cold start)")

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	subRepo := db.NewSubscriptionRepository(pool, logger)
	addonRepo := db.NewAddonRepository(pool)
	svc := subscription.NewService(subRepo, addonRepo, plans.NewStaticCatalog(), nil, logger)

	handler := newHandler(svc, logger)

	logger.Info("Sweeper Lambda initialized")

	if os.Getenv("RUN_LOCAL") == "true" {
		result, err := handler(ctx, SweeperInput{})
		if err != nil {
			logger.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(result)
		return
	}

	lambda.Start(handler)
}

// newHandler creates the Lambda handler function that runs one sweep pass.
func newHandler(svc *subscription.Service, logger *slog.Logger) func(ctx context.Context, input SweeperInput) (string, error) {
	return func(ctx context.Context, _ SweeperInput) (string, error) {
		logger.InfoContext(ctx, "sweep pass starting")

		result, err := svc.SweepExpired(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "sweep pass failed",
				"subscriptions_expired_before_error", result.SubscriptionsExpired,
				"error", err,
			)
			return "", fmt.Errorf("expiry sweep failed: %w", err)
		}

		summary := fmt.Sprintf("sweep complete: %d subscriptions expired, %d addons expired",
			result.SubscriptionsExpired, result.AddonsExpired)
		logger.InfoContext(ctx, summary,
			"subscriptions_expired", result.SubscriptionsExpired,
			"addons_expired", result.AddonsExpired,
		)
		return summary, nil
	}
}
