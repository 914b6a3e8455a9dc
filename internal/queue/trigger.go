// Package queue publishes operator notifications to SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"autopilot/internal/config"
	"autopilot/internal/types"
)

// EventFilePublishFailed is the event attribute of terminal file failures.
const EventFilePublishFailed = "file_publish_failed"

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// FailureMessage is the body of a failure notification.
type FailureMessage struct {
	Event   string                  `json:"event"`
	TraceID string                  `json:"traceId"`
	Failure types.FileFailureRecord `json:"failure"`
}

// FailureNotifier sends terminal file failures to the operator queue.
// It satisfies monitor.FailureNotifier.
type FailureNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewFailureNotifier returns nil when no queue is configured; the monitor
// treats a nil notifier as disabled.
func NewFailureNotifier(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *FailureNotifier {
	if awsCfg.FailureQueueURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureNotifier{client: client, queueURL: awsCfg.FailureQueueURL, logger: logger}
}

// NotifyFileFailure enqueues one failure record.
func (n *FailureNotifier) NotifyFileFailure(ctx context.Context, rec types.FileFailureRecord) error {
	msg := FailureMessage{
		Event:   EventFilePublishFailed,
		TraceID: types.GetRequestID(ctx),
		Failure: rec,
	}
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal failure message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventFilePublishFailed),
			},
			"channel_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.ChannelID),
			},
		},
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamNotification,
			fmt.Sprintf("failed to send failure notification to %s", n.queueURL), err)
	}

	n.logger.InfoContext(ctx, "failure notification sent",
		"queue_url", n.queueURL,
		"trace_id", msg.TraceID,
		"channel_id", rec.ChannelID,
		"file_name", rec.FileName,
	)
	return nil
}
