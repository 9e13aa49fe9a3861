// Package queue provides the SQS-based task dispatcher that hands sync work
// to the background workers.
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

	"billcore/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Dispatcher serializes task envelopes and sends them to the task queue. It
// is the single choke point for enqueueing work, so every message carries the
// same envelope shape and attributes.
type Dispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDispatcher creates a new Dispatcher for the given queue URL.
func NewDispatcher(client SQSSender, queueURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// DispatchSyncContacts enqueues a full contact reconciliation over the window.
func (d *Dispatcher) DispatchSyncContacts(ctx context.Context, syncJobID string, w types.Window) error {
	return d.send(ctx, types.TaskSyncContacts, syncJobID, map[string]any{
		"after":  w.After.UTC().Format(time.RFC3339),
		"before": w.Before.UTC().Format(time.RFC3339),
	})
}

// DispatchCountContacts enqueues a recount for one project and day.
func (d *Dispatcher) DispatchCountContacts(ctx context.Context, syncJobID, projectID string, day time.Time) error {
	return d.send(ctx, types.TaskCountContacts, syncJobID, map[string]any{
		"project_id": projectID,
		"day":        day.UTC().Format(time.RFC3339),
	})
}

// DispatchRetroactiveSync enqueues a historical backfill for one project.
func (d *Dispatcher) DispatchRetroactiveSync(ctx context.Context, syncJobID, projectID string, w types.Window) error {
	return d.send(ctx, types.TaskRetroactiveSync, syncJobID, map[string]any{
		"project_id": projectID,
		"after":      w.After.UTC().Format(time.RFC3339),
		"before":     w.Before.UTC().Format(time.RFC3339),
	})
}

// send builds the envelope, serializes it, and dispatches to SQS.
func (d *Dispatcher) send(ctx context.Context, kind types.TaskKind, syncJobID string, payload map[string]any) error {
	envelope := types.TaskEnvelope{
		TaskID:     uuid.NewString(),
		Kind:       kind,
		SyncJobID:  syncJobID,
		RequestID:  types.GetRequestID(ctx),
		EnqueuedAt: time.Now().UTC(),
		Payload:    payload,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal task envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(kind)),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send task to %s: %w", d.queueURL, err)
	}

	d.logger.InfoContext(ctx, "task dispatched",
		"queue_url", d.queueURL,
		"task_id", envelope.TaskID,
		"kind", string(kind),
		"sync_job_id", syncJobID,
	)

	return nil
}
