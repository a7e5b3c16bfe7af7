package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds process-wide watcher and event bus counters.
type Registry struct {
	activeWatches   atomic.Int64
	rawEvents       atomic.Int64
	filteredEvents  atomic.Int64
	reconciliations atomic.Int64
	startFailures   atomic.Int64
	fatalErrors     atomic.Int64
	emitted         sync.Map
	busPublished    sync.Map
	busDropped      sync.Map
	busSubscribers  sync.Map
}

// Snapshot is a point-in-time copy of the watcher counters.
type Snapshot struct {
	ActiveWatches   int64
	RawEvents       int64
	FilteredEvents  int64
	Reconciliations int64
	StartFailures   int64
	FatalErrors     int64
	Emitted         map[string]int64
}

type subscriberCounts struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) AddActiveWatches(delta int64) {
	if r == nil {
		return
	}
	r.activeWatches.Add(delta)
}

func (r *Registry) IncRawEvent() {
	if r == nil {
		return
	}
	r.rawEvents.Add(1)
}

func (r *Registry) IncFiltered() {
	if r == nil {
		return
	}
	r.filteredEvents.Add(1)
}

func (r *Registry) IncReconciliation() {
	if r == nil {
		return
	}
	r.reconciliations.Add(1)
}

func (r *Registry) IncStartFailure() {
	if r == nil {
		return
	}
	r.startFailures.Add(1)
}

func (r *Registry) IncFatal() {
	if r == nil {
		return
	}
	r.fatalErrors.Add(1)
}

// IncEmitted counts one delivered change event of the given kind.
func (r *Registry) IncEmitted(change string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(change) == "" {
		change = "unknown"
	}
	counter(&r.emitted, change).Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.busPublished, busKey(bus, eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.busDropped, busKey(bus, eventType)).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.busSubscribers.LoadOrStore(bus, &subscriberCounts{})
	counts := value.(*subscriberCounts)
	counts.filtered.Store(int64(filtered))
	counts.unfiltered.Store(int64(unfiltered))
}

// Snapshot copies the current watcher counters.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		ActiveWatches:   r.activeWatches.Load(),
		RawEvents:       r.rawEvents.Load(),
		FilteredEvents:  r.filteredEvents.Load(),
		Reconciliations: r.reconciliations.Load(),
		StartFailures:   r.startFailures.Load(),
		FatalErrors:     r.fatalErrors.Load(),
		Emitted:         make(map[string]int64),
	}
	r.emitted.Range(func(key, value any) bool {
		snapshot.Emitted[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeGauge(writer, "treewatch_active_watches", "Live native watch handles", r.activeWatches.Load())
	writeCounter(writer, "treewatch_raw_events_total", "Raw native events received", r.rawEvents.Load())
	writeCounter(writer, "treewatch_filtered_events_total", "Raw events discarded by path filters", r.filteredEvents.Load())
	writeCounter(writer, "treewatch_reconciliations_total", "Debounced reconciliation passes", r.reconciliations.Load())
	writeCounter(writer, "treewatch_start_failures_total", "Native watches that failed to start", r.startFailures.Load())
	writeCounter(writer, "treewatch_fatal_errors_total", "Watchers aborted by unexpected errors", r.fatalErrors.Load())

	writeHelp(writer, "treewatch_events_emitted_total", "Classified change events delivered")
	fmt.Fprintln(writer, "# TYPE treewatch_events_emitted_total counter")
	for _, change := range sortedKeys(&r.emitted) {
		fmt.Fprintf(writer, "treewatch_events_emitted_total{change=%s} %d\n", formatLabel(change), counter(&r.emitted, change).Load())
	}

	writeHelp(writer, "treewatch_bus_events_published_total", "Events published on internal buses")
	fmt.Fprintln(writer, "# TYPE treewatch_bus_events_published_total counter")
	for _, key := range sortedKeys(&r.busPublished) {
		bus, eventType := splitBusKey(key)
		fmt.Fprintf(writer, "treewatch_bus_events_published_total{bus=%s,type=%s} %d\n", formatLabel(bus), formatLabel(eventType), counter(&r.busPublished, key).Load())
	}

	writeHelp(writer, "treewatch_bus_events_dropped_total", "Events dropped for slow bus subscribers")
	fmt.Fprintln(writer, "# TYPE treewatch_bus_events_dropped_total counter")
	for _, key := range sortedKeys(&r.busDropped) {
		bus, eventType := splitBusKey(key)
		fmt.Fprintf(writer, "treewatch_bus_events_dropped_total{bus=%s,type=%s} %d\n", formatLabel(bus), formatLabel(eventType), counter(&r.busDropped, key).Load())
	}

	writeHelp(writer, "treewatch_bus_subscribers", "Current bus subscribers")
	fmt.Fprintln(writer, "# TYPE treewatch_bus_subscribers gauge")
	for _, bus := range sortedKeys(&r.busSubscribers) {
		value, _ := r.busSubscribers.Load(bus)
		counts := value.(*subscriberCounts)
		fmt.Fprintf(writer, "treewatch_bus_subscribers{bus=%s,filtered=\"true\"} %d\n", formatLabel(bus), counts.filtered.Load())
		fmt.Fprintf(writer, "treewatch_bus_subscribers{bus=%s,filtered=\"false\"} %d\n", formatLabel(bus), counts.unfiltered.Load())
	}

	return nil
}

func counter(values *sync.Map, key string) *atomic.Int64 {
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, value any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func busKey(bus, eventType string) string {
	if bus == "" {
		bus = "event_bus"
	}
	if eventType == "" {
		eventType = "unknown"
	}
	return bus + "\x00" + eventType
}

func splitBusKey(key string) (string, string) {
	bus, eventType, _ := strings.Cut(key, "\x00")
	return bus, eventType
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
