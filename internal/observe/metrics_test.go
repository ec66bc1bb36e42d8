package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value, or the first data point when key is empty.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%q", name, key, value)
	return 0
}

func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCallLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallStarted(ctx)
	m.CallStarted(ctx)
	m.CallEnded(ctx, "completed", 42*time.Second)
	m.CallEnded(ctx, "error", 0)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "avabridge.active_calls", "", ""); got != 0 {
		t.Errorf("active calls = %d, want 0", got)
	}
	if got := sumWhere(t, rm, "avabridge.calls", "outcome", "completed"); got != 1 {
		t.Errorf("completed calls = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "avabridge.calls", "outcome", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}
	if got := histCount(t, rm, "avabridge.call.duration"); got != 1 {
		t.Errorf("call duration samples = %d, want 1 (zero duration skipped)", got)
	}
}

func TestCallCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommit(ctx, CommitEndpointVAD)
	m.RecordCommit(ctx, CommitEndpointVAD)
	m.RecordCommit(ctx, CommitForced)
	m.RecordResponse(ctx)
	m.RecordBargeIn(ctx)
	m.RecordBargeIn(ctx)
	m.RecordRealtimeError(ctx, "")
	m.RecordNotification(ctx, "ok")
	m.RecordBreakerTransition(ctx, "profile-http", "open")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"avabridge.commits", "reason", "vad", 2},
		{"avabridge.commits", "reason", "forced", 1},
		{"avabridge.responses", "", "", 1},
		{"avabridge.barge_ins", "", "", 2},
		{"avabridge.realtime.errors", "code", "unknown", 1},
		{"avabridge.notifications", "status", "ok", 1},
		{"avabridge.breaker.transitions", "to", "open", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.value, func(t *testing.T) {
			if got := sumWhere(t, rm, tt.name, tt.key, tt.value); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRealtimeConnect(ctx, 120*time.Millisecond, "ok")
	m.RecordSummary(ctx, 2*time.Second, "ok")
	m.RecordSummary(ctx, time.Second, "error")

	rm := collect(t, reader)
	if got := histCount(t, rm, "avabridge.realtime.connect.duration"); got != 1 {
		t.Errorf("connect samples = %d, want 1", got)
	}
	if got := histCount(t, rm, "avabridge.summary.duration"); got != 2 {
		t.Errorf("summary samples = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
