package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	OperationKey = "operation"
	MemoryIDKey  = "memory.id"

	OperationSave      = "save"
	OperationSaveDirty = "save_dirty"
	OperationRestore   = "restore"
)

type Metrics struct {
	PublishesMetric   metric.Int64Counter
	GenerationsMetric metric.Int64UpDownCounter
	DrainMetric       metric.Int64Histogram
	DirtyPagesMetric  metric.Int64Histogram
	DumpMetric        metric.Int64Histogram
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("guest-memory.metrics")

	publishes, err := meter.Int64Counter("guest_memory.topology.publishes",
		metric.WithDescription("Total memory topologies published"),
		metric.WithUnit("{topology}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get publishes metric: %w", err)
	}

	generations, err := meter.Int64UpDownCounter("guest_memory.topology.generations",
		metric.WithDescription("Memory topology generations that are published or still pinned by readers"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get generations metric: %w", err)
	}

	drain, err := meter.Int64Histogram("guest_memory.topology.drain",
		metric.WithDescription("Time until a retired topology was released by all readers"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get drain metric: %w", err)
	}

	dirtyPages, err := meter.Int64Histogram("guest_memory.dirty.pages",
		metric.WithDescription("Dirty pages collected per drain"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get dirty pages metric: %w", err)
	}

	dump, err := meter.Int64Histogram("guest_memory.dump",
		metric.WithDescription("Time spent saving or restoring guest memory"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get dump metric: %w", err)
	}

	return Metrics{
		PublishesMetric:   publishes,
		GenerationsMetric: generations,
		DrainMetric:       drain,
		DirtyPagesMetric:  dirtyPages,
		DumpMetric:        dump,
	}, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails.
		panic(err)
	}

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Milliseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
