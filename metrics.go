package vitalsync

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordMutation records a caller-initiated mutation and whether it was
	// applied remotely or queued locally
	RecordMutation(op string, remote bool)

	// RecordQueueDepth records the pending-operation queue depth
	RecordQueueDepth(depth int)

	// RecordDrain records how many operations a drain applied and how long it took
	RecordDrain(applied int, d time.Duration)

	// RecordFallback records a read served from cache or built-in fallback data
	RecordFallback(collection, reason string)

	// RecordDrainErrors records drain failures by reason
	RecordDrainErrors(reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordMutation(op string, remote bool)    {}
func (*NoOpMetricsCollector) RecordQueueDepth(depth int)               {}
func (*NoOpMetricsCollector) RecordDrain(applied int, d time.Duration) {}
func (*NoOpMetricsCollector) RecordFallback(collection, reason string) {}
func (*NoOpMetricsCollector) RecordDrainErrors(reason string)          {}
