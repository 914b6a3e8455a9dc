package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchMetrics_RecordOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", nil)

	m.RecordOutcome(context.Background(), ComponentFile, ResultTerminal)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != DefaultNamespace {
		t.Errorf("expected namespace %q, got %q", DefaultNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != MetricOutcome {
		t.Errorf("expected metric %q, got %q", MetricOutcome, *datum.MetricName)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, DimComponent, ComponentFile)
	assertDimension(t, datum.Dimensions, DimResult, ResultTerminal)
}

func TestCloudWatchMetrics_RecordTick(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "AutopilotTest", nil)

	m.RecordTick(context.Background(), "schedule_tick", map[string]int{"fired": 2, "duplicates": 1}, 1500*time.Millisecond)

	if len(cw.calls) != 1 {
		t.Fatalf("expected a single batched call, got %d", len(cw.calls))
	}
	data := cw.calls[0].MetricData
	if len(data) != 3 {
		t.Fatalf("expected 3 datums (2 counters + duration), got %d", len(data))
	}
	// Counters are sorted by name.
	assertDimension(t, data[0].Dimensions, DimCounter, "duplicates")
	assertDimension(t, data[1].Dimensions, DimCounter, "fired")
	if *data[1].Value != 2 {
		t.Errorf("expected fired=2, got %f", *data[1].Value)
	}
	if *data[2].MetricName != MetricTickDuration || *data[2].Value != 1500 {
		t.Errorf("unexpected duration datum: %s=%f", *data[2].MetricName, *data[2].Value)
	}
	assertDimension(t, data[2].Dimensions, DimTick, "schedule_tick")
}

func TestCloudWatchMetrics_ErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchMetrics(cw, "", nil)

	// Must not panic or block.
	m.RecordOutcome(context.Background(), ComponentDelayedTask, ResultFailed)
	m.RecordTick(context.Background(), "file_tick", nil, time.Second)

	if len(cw.calls) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(cw.calls))
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(Noop); !ok {
		t.Error("nil metrics should become Noop")
	}
	cw := NewCloudWatchMetrics(&mockCloudWatchClient{}, "", nil)
	if OrNoop(cw) != Metrics(cw) {
		t.Error("non-nil metrics should be returned unchanged")
	}
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, want string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != want {
				t.Errorf("dimension %s: expected %q, got %q", name, want, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}
