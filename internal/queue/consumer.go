package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"billcore/internal/types"
)

// SQSReceiver abstracts the SQS operations the consumer needs.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// TaskHandler executes one task envelope. A nil return deletes the message;
// an error leaves it on the queue for redelivery after the visibility timeout.
type TaskHandler interface {
	HandleTask(ctx context.Context, env types.TaskEnvelope) error
}

// Consumer long-polls the task queue and fans each received batch out to the
// handler. Messages that fail to parse are deleted rather than retried, since
// redelivery cannot fix a malformed body.
type Consumer struct {
	client      SQSReceiver
	queueURL    string
	handler     TaskHandler
	logger      *slog.Logger
	concurrency int
}

// NewConsumer creates a Consumer. Concurrency bounds how many messages from a
// batch are processed at once; it defaults to 4.
func NewConsumer(client SQSReceiver, queueURL string, handler TaskHandler, logger *slog.Logger, concurrency int) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		handler:     handler,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run polls until ctx is cancelled. Receive errors are logged and retried
// after a short pause so a transient SQS outage does not kill the worker.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "task consumer started", "queue_url", c.queueURL)

	for {
		if err := ctx.Err(); err != nil {
			c.logger.InfoContext(ctx, "task consumer stopping")
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "failed to receive messages", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if len(out.Messages) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for _, msg := range out.Messages {
			g.Go(func() error {
				c.processMessage(gctx, msg.Body, msg.ReceiptHandle, msg.MessageId)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// processMessage parses and executes one message, deleting it when the
// handler succeeds or the body is unusable.
func (c *Consumer) processMessage(ctx context.Context, body, receiptHandle, messageID *string) {
	if body == nil || receiptHandle == nil {
		return
	}

	var env types.TaskEnvelope
	if err := json.Unmarshal([]byte(*body), &env); err != nil {
		c.logger.ErrorContext(ctx, "failed to parse task envelope",
			"message_id", aws.ToString(messageID),
			"error", err,
		)
		c.delete(ctx, receiptHandle, messageID)
		return
	}

	if env.RequestID != "" {
		ctx = types.WithRequestID(ctx, env.RequestID)
	}

	c.logger.InfoContext(ctx, "processing task",
		"task_id", env.TaskID,
		"kind", string(env.Kind),
		"sync_job_id", env.SyncJobID,
	)

	if err := c.handler.HandleTask(ctx, env); err != nil {
		c.logger.ErrorContext(ctx, "task processing failed",
			"task_id", env.TaskID,
			"kind", string(env.Kind),
			"sync_job_id", env.SyncJobID,
			"error", err,
		)
		// Leave the message for redelivery.
		return
	}

	c.delete(ctx, receiptHandle, messageID)
}

func (c *Consumer) delete(ctx context.Context, receiptHandle, messageID *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to delete message",
			"message_id", aws.ToString(messageID),
			"error", err,
		)
	}
}
