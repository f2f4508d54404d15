package metrics

// Metric names recorded by the worker and health packages.
const (
	RecordsClaimed   = "flowq_records_claimed_total"
	RecordsCompleted = "flowq_records_completed_total"
	RecordsFailed    = "flowq_records_failed_total"
	OrphansRecovered = "flowq_orphans_recovered_total"
	BatchDuration    = "flowq_batch_duration_seconds"
	QueueDepth       = "flowq_queue_depth"
)

// RegisterWorkerMetrics sets up the flowq metric set on the given backend.
// Call once at startup before the worker runs.
func RegisterWorkerMetrics(m Metrics) {
	m.RegisterWithLabels(RecordsClaimed, "Counter",
		"Records claimed from the queue", []string{"flow"})
	m.RegisterWithLabels(RecordsCompleted, "Counter",
		"Records processed to completed", []string{"flow"})
	m.RegisterWithLabels(RecordsFailed, "Counter",
		"Records processed to failed", []string{"flow"})
	m.RegisterWithLabels(OrphansRecovered, "Counter",
		"Records reset to pending by orphan recovery", []string{"flow"})
	m.RegisterWithLabels(BatchDuration, "Histogram",
		"Wall time to drain one claimed batch", []string{"flow"})
	m.RegisterWithLabels(QueueDepth, "Gauge",
		"Backlog (pending + processing) per flow", []string{"flow"})
}
