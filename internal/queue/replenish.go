// Package queue provides the SQS-based producer for pool replenishment jobs
// consumed by the pool worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"staticip/internal/config"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReplenishMessage asks the pool worker to provision enough public IPs in a
// region to bring the free-entry count back up to the floor. The worker
// re-reads the live count, so a stale or duplicate message over-provisions by
// at most the burst that raced it.
type ReplenishMessage struct {
	JobID     string    `json:"job_id"`
	TraceID   string    `json:"trace_id"`
	Region    string    `json:"region"`
	Floor     int       `json:"floor"`
	Requested time.Time `json:"requested"`
}

// ReplenishTrigger publishes ReplenishMessages to the pool replenishment
// queue. Publication is best-effort from the caller's perspective: a claim
// that drains the pool still succeeds even when the trigger fails.
type ReplenishTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReplenishTrigger creates a ReplenishTrigger reading the queue URL from
// the AWS config.
func NewReplenishTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ReplenishTrigger {
	return &ReplenishTrigger{
		client:   client,
		queueURL: awsCfg.ReplenishQueueURL,
		logger:   logger,
	}
}

// Enabled reports whether a queue is configured. Deployments without a
// replenishment queue simply never publish.
func (t *ReplenishTrigger) Enabled() bool {
	return t.queueURL != ""
}

// RequestReplenish enqueues a replenishment job for the region. reason is
// attached as a message attribute for operator triage ("claim_drained_pool",
// "scheduled_audit").
func (t *ReplenishTrigger) RequestReplenish(ctx context.Context, region string, floor int, reason string) error {
	if !t.Enabled() {
		return nil
	}

	msg := ReplenishMessage{
		JobID:     fmt.Sprintf("replenish_%s", uuid.New().String()),
		TraceID:   uuid.New().String(),
		Region:    region,
		Floor:     floor,
		Requested: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReplenishMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ReplenishMessage to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "replenish message sent",
		"queue_url", t.queueURL,
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
		"region", region,
		"floor", floor,
		"reason", reason,
	)

	return nil
}
