package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"autopilot/internal/config"
	"autopilot/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/autopilot-failures"

func failureRecord() types.FileFailureRecord {
	return types.FileFailureRecord{
		OwnerID:   "owner-1",
		ChannelID: "chan-1",
		Source:    "file_publish",
		FileName:  "a.mp4",
		Error:     "All platforms failed: youtube: rejected",
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewFailureNotifier_DisabledWithoutQueue(t *testing.T) {
	if n := NewFailureNotifier(&mockSQSSender{}, config.AWSConfig{}, nil); n != nil {
		t.Error("expected nil notifier without a queue url")
	}
}

func TestNotifyFileFailure_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	n := NewFailureNotifier(mock, config.AWSConfig{FailureQueueURL: testQueueURL}, nil)

	ctx := types.WithRequestID(context.Background(), "req-7")
	if err := n.NotifyFileFailure(ctx, failureRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}
	if got := *call.MessageAttributes["event"].StringValue; got != EventFilePublishFailed {
		t.Errorf("expected event attribute %q, got %q", EventFilePublishFailed, got)
	}
	if got := *call.MessageAttributes["channel_id"].StringValue; got != "chan-1" {
		t.Errorf("expected channel_id attribute chan-1, got %q", got)
	}

	var msg FailureMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &msg); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if msg.TraceID != "req-7" {
		t.Errorf("expected trace id from context, got %q", msg.TraceID)
	}
	if msg.Failure.FileName != "a.mp4" || msg.Failure.OwnerID != "owner-1" {
		t.Errorf("unexpected failure payload: %+v", msg.Failure)
	}
}

func TestNotifyFileFailure_GeneratesTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	n := NewFailureNotifier(mock, config.AWSConfig{FailureQueueURL: testQueueURL}, nil)

	if err := n.NotifyFileFailure(context.Background(), failureRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var msg FailureMessage
	_ = json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg)
	if msg.TraceID == "" {
		t.Error("expected a generated trace id")
	}
}

func TestNotifyFileFailure_SendError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("access denied")}
	n := NewFailureNotifier(mock, config.AWSConfig{FailureQueueURL: testQueueURL}, nil)

	err := n.NotifyFileFailure(context.Background(), failureRecord())
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamNotification {
		t.Fatalf("expected upstream notification error, got %v", err)
	}
}
