// Package metrics provides an abstract interface for recording metrics.
// The Metrics interface is the foundation for backend implementations such
// as the Prometheus-based one in this package; components receive the
// interface so tests can substitute a no-op.
//
// Key functionalities:
//   - Register: define and set up new metrics.
//   - Record: record values for standard metrics.
//   - RegisterWithLabels: create new metrics with associated labels.
//   - RecordWithLabels: record values for labeled metrics.
package metrics

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
	RegisterWithLabels(name, metricType, help string, labels []string)
	RecordWithLabels(name string, value float64, labelValues ...string)
}

// Nop discards every metric. Used where metrics are optional.
type Nop struct{}

func (Nop) Register(name, metricType, help string)                             {}
func (Nop) Record(name string, value float64)                                  {}
func (Nop) RegisterWithLabels(name, metricType, help string, labels []string)  {}
func (Nop) RecordWithLabels(name string, value float64, labelValues ...string) {}
