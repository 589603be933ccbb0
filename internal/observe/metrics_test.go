package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// sumValue returns the value of the Sum data point carrying key=value.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"runeforge.pass.duration", m.PassDuration},
		{"runeforge.hook.duration", m.HookDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.0012)
		tc.h.Record(ctx, 0.034)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordElement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordElement(ctx, "FlatModifier", false)
	m.RecordElement(ctx, "FlatModifier", false)
	m.RecordElement(ctx, "GrantItem", false)
	m.RecordElement(ctx, "FlatModifier", true)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "runeforge.rule_elements.applied", "key", "FlatModifier"); got != 2 {
		t.Errorf("applied FlatModifier = %d, want 2", got)
	}
	if got := sumValue(t, rm, "runeforge.rule_elements.applied", "key", "GrantItem"); got != 1 {
		t.Errorf("applied GrantItem = %d, want 1", got)
	}
	if got := sumValue(t, rm, "runeforge.rule_elements.ignored", "key", "FlatModifier"); got != 1 {
		t.Errorf("ignored FlatModifier = %d, want 1", got)
	}
}

func TestRecordStoreBatch(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreBatch(ctx, "create", "ok")
	m.RecordStoreBatch(ctx, "create", "ok")
	m.RecordStoreBatch(ctx, "create", "error")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "runeforge.store.batches", "status", "ok"); got != 2 {
		t.Errorf("ok batches = %d, want 2", got)
	}
	if got := sumValue(t, rm, "runeforge.store.batches", "status", "error"); got != 1 {
		t.Errorf("failed batches = %d, want 1", got)
	}
}

func TestGrantAndDeletionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.GrantsCreated.Add(ctx, 3)
	m.DeletionsRestricted.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "runeforge.grants.created", "", ""); got != 3 {
		t.Errorf("grants created = %d, want 3", got)
	}
	if got := sumValue(t, rm, "runeforge.deletions.restricted", "", ""); got != 1 {
		t.Errorf("deletions restricted = %d, want 1", got)
	}
}

func TestRecordHook(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordHook(context.Background(), "preCreate", 0.002)

	rm := collect(t, reader)
	met := findMetric(rm, "runeforge.hook.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if v, ok := hist.DataPoints[0].Attributes.Value("hook"); !ok || v.AsString() != "preCreate" {
		t.Errorf("hook attribute = %v", v)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActivePasses.Add(ctx, 1)
	m.ActivePasses.Add(ctx, 1)
	m.ActivePasses.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "runeforge.active_passes", "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetricsIsShared(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
