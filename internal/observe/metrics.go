// Package observe wires Runeforge into OpenTelemetry. It owns the metric
// instruments recorded by recomputation passes and the HTTP surface, the
// tracer used around lifecycle hooks, correlation-aware loggers, and the
// request middleware of the serve command.
//
// [InitProvider] installs a meter provider backed by the Prometheus exporter
// so the serve command can expose /metrics. Code without an explicit
// [Metrics] falls back to [DefaultMetrics]; tests build their own through
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Runeforge metrics.
const meterName = "github.com/MrWong99/runeforge"

// Metrics groups the instruments Runeforge records. The instruments are safe
// for concurrent use.
type Metrics struct {
	// PassDuration tracks the duration of one recomputation pass.
	PassDuration metric.Float64Histogram

	// HookDuration tracks lifecycle hook latency. Use with attribute:
	//   attribute.String("hook", ...)
	HookDuration metric.Float64Histogram

	// Counters.

	// ElementsApplied counts rule elements that ran their preparation hook.
	// Use with attribute:
	//   attribute.String("key", ...)
	ElementsApplied metric.Int64Counter

	// ElementsIgnored counts rule elements that were ignored in a pass.
	// Use with attribute:
	//   attribute.String("key", ...)
	ElementsIgnored metric.Int64Counter

	// GrantsCreated counts items created through grants.
	GrantsCreated metric.Int64Counter

	// DeletionsRestricted counts deletions cancelled by a restrict grant.
	DeletionsRestricted metric.Int64Counter

	// StoreBatches counts batches submitted to the document store. Use with
	// attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	StoreBatches metric.Int64Counter

	// ActivePasses tracks the number of recomputation passes in flight.
	ActivePasses metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with the route pattern
	// as "path" and the response code as "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// in-process work that rarely exceeds a few hundred milliseconds.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics registers every instrument on a meter obtained from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PassDuration, err = m.Float64Histogram("runeforge.pass.duration",
		metric.WithDescription("Duration of a rule element recomputation pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HookDuration, err = m.Float64Histogram("runeforge.hook.duration",
		metric.WithDescription("Latency of document lifecycle hooks by hook name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ElementsApplied, err = m.Int64Counter("runeforge.rule_elements.applied",
		metric.WithDescription("Total rule elements applied by key."),
	); err != nil {
		return nil, err
	}
	if met.ElementsIgnored, err = m.Int64Counter("runeforge.rule_elements.ignored",
		metric.WithDescription("Total rule elements ignored by key."),
	); err != nil {
		return nil, err
	}
	if met.GrantsCreated, err = m.Int64Counter("runeforge.grants.created",
		metric.WithDescription("Total items created through grants."),
	); err != nil {
		return nil, err
	}
	if met.DeletionsRestricted, err = m.Int64Counter("runeforge.deletions.restricted",
		metric.WithDescription("Total item deletions cancelled by a restrict grant."),
	); err != nil {
		return nil, err
	}
	if met.StoreBatches, err = m.Int64Counter("runeforge.store.batches",
		metric.WithDescription("Total document store batches by operation and status."),
	); err != nil {
		return nil, err
	}

	if met.ActivePasses, err = m.Int64UpDownCounter("runeforge.active_passes",
		metric.WithDescription("Number of recomputation passes in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("runeforge.http.request.duration",
		metric.WithDescription("Latency of HTTP requests served by runeforge serve, by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments registered on the global meter provider.
// They are created once, on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: register default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordElement records an applied or ignored rule element.
func (m *Metrics) RecordElement(ctx context.Context, key string, ignored bool) {
	opt := metric.WithAttributes(attribute.String("key", key))
	if ignored {
		m.ElementsIgnored.Add(ctx, 1, opt)
		return
	}
	m.ElementsApplied.Add(ctx, 1, opt)
}

// RecordStoreBatch records a document store batch with the standard
// attribute set.
func (m *Metrics) RecordStoreBatch(ctx context.Context, op, status string) {
	m.StoreBatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordHook records the latency of one lifecycle hook.
func (m *Metrics) RecordHook(ctx context.Context, hook string, seconds float64) {
	m.HookDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("hook", hook)))
}
