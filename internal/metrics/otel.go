package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MetricActiveWatches   = "treewatch.watches.active"
	MetricRawEvents       = "treewatch.events.raw"
	MetricFilteredEvents  = "treewatch.events.filtered"
	MetricEmittedEvents   = "treewatch.events.emitted"
	MetricReconciliations = "treewatch.reconciliations"
	MetricStartFailures   = "treewatch.watches.start_failures"
)

// RegisterOTel exposes the registry through observable instruments on meter.
// The returned registration must be unregistered when the meter is retired.
func RegisterOTel(meter metric.Meter, registry *Registry) (metric.Registration, error) {
	if meter == nil {
		return nil, errors.New("meter is required")
	}
	if registry == nil {
		registry = Default
	}

	active, err := meter.Int64ObservableGauge(MetricActiveWatches,
		metric.WithDescription("Live native watch handles"))
	if err != nil {
		return nil, err
	}
	raw, err := meter.Int64ObservableCounter(MetricRawEvents,
		metric.WithDescription("Raw native events received"))
	if err != nil {
		return nil, err
	}
	filtered, err := meter.Int64ObservableCounter(MetricFilteredEvents,
		metric.WithDescription("Raw events discarded by path filters"))
	if err != nil {
		return nil, err
	}
	emitted, err := meter.Int64ObservableCounter(MetricEmittedEvents,
		metric.WithDescription("Classified change events delivered"))
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64ObservableCounter(MetricReconciliations,
		metric.WithDescription("Debounced reconciliation passes"))
	if err != nil {
		return nil, err
	}
	startFailures, err := meter.Int64ObservableCounter(MetricStartFailures,
		metric.WithDescription("Native watches that failed to start"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := registry.Snapshot()
		observer.ObserveInt64(active, snapshot.ActiveWatches)
		observer.ObserveInt64(raw, snapshot.RawEvents)
		observer.ObserveInt64(filtered, snapshot.FilteredEvents)
		observer.ObserveInt64(reconciliations, snapshot.Reconciliations)
		observer.ObserveInt64(startFailures, snapshot.StartFailures)
		for change, count := range snapshot.Emitted {
			observer.ObserveInt64(emitted, count, metric.WithAttributes(attribute.String("change", change)))
		}
		return nil
	}, active, raw, filtered, emitted, reconciliations, startFailures)
}
