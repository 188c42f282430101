// Package main is the entrypoint for the Pool Worker Lambda function.
//
// The Pool Worker consumes replenishment messages from SQS. Each message asks
// for a region's free IP pool to be restocked up to a floor; the worker
// re-reads the live pool depth before provisioning, so duplicate or stale
// messages are cheap no-ops.
//
// This file handles dependency wiring (Cold Start) and delegates the
// provisioning logic to internal/alloc (Replenisher.ReplenishRegion).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"staticip/internal/alloc"
	"staticip/internal/db"
	"staticip/internal/external"
	"staticip/internal/queue"
)

// Handler holds the dependencies for the pool worker Lambda handler.
type Handler struct {
	replenisher *alloc.Replenisher
	logger      *slog.Logger
}

// Handle processes an SQS event containing one or more replenish messages.
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS can retry them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage handles a single replenish job.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg queue.ReplenishMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal replenish message, dropping",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure - do not retry (return nil to ACK).
		return nil
	}

	logger := h.logger.With(
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
		"region", msg.Region,
		"floor", msg.Floor,
	)
	logger.InfoContext(ctx, "processing replenish job")

	provisioned, err := h.replenisher.ReplenishRegion(ctx, msg.Region, msg.Floor)
	if err != nil {
		logger.ErrorContext(ctx, "replenish job failed",
			"provisioned_before_error", provisioned,
			"error", err,
		)
		return fmt.Errorf("replenishing %s: %w", msg.Region, err)
	}

	logger.InfoContext(ctx, "replenish job complete", "provisioned", provisioned)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Pool Worker Lambda initializing (cold start)")

	ctx := context.Background()

	databaseURL := os.Getenv("DATABASE_URL")
	provisionerURL := os.Getenv("PROVISIONER_URL")
	provisionerKey := os.Getenv("PROVISIONER_API_KEY")

	maxPerJob := 0
	if raw := os.Getenv("POOL_MAX_PER_JOB"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			logger.Error("invalid POOL_MAX_PER_JOB", "value", raw, "error", err)
			os.Exit(1)
		}
		maxPerJob = n
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	cwClient := cloudwatch.NewFromConfig(awsCfg)
	metrics := external.NewCloudWatchMetrics(cwClient, logger)

	// Stub provisioner when no API key is configured (development/testing
	// mode), mirroring the local-mode behavior of the API server.
	var provisioner external.CloudProvisioner
	if provisionerKey == "" {
		logger.Warn("PROVISIONER_API_KEY not set, using stub provisioner")
		provisioner = external.NewStubProvisioner(logger)
	} else {
		provisioner = external.NewProvisionerClient(
			&http.Client{Timeout: 30 * time.Second},
			external.ProvisionerClientConfig{
				BaseURL: provisionerURL,
				APIKey:  provisionerKey,
				Logger:  logger,
			},
		)
	}

	replenisher := alloc.NewReplenisher(alloc.ReplenisherDeps{
		DB:          pool,
		Pool:        db.NewPoolEntryRepository(pool, logger),
		Nodes:       db.NewNodeRepository(pool),
		Provisioner: provisioner,
		Metrics:     metrics,
		Logger:      logger,
		MaxPerJob:   maxPerJob,
	})

	handler := &Handler{replenisher: replenisher, logger: logger}

	logger.Info("Pool Worker Lambda initialized", "max_per_job", maxPerJob)

	// Local mode: read JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local integration testing without the RIE.
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(ctx, sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		return
	}

	lambda.Start(handler.Handle)
}
