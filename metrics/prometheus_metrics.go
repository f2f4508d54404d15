package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface with Prometheus as the
// backend. It stores mappings for the metric types flowq records (Counter,
// Gauge, Histogram) and their labeled vector counterparts.
type PrometheusMetrics struct {
	registerer    prometheus.Registerer
	counters      map[string]prometheus.Counter
	counterVecs   map[string]*prometheus.CounterVec
	gauges        map[string]prometheus.Gauge
	gaugeVecs     map[string]*prometheus.GaugeVec
	histograms    map[string]prometheus.Histogram
	histogramVecs map[string]*prometheus.HistogramVec
	customBuckets map[string][]float64
}

// NewPrometheusMetrics creates a PrometheusMetrics registering against the
// default registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsWithRegisterer allows injecting a registry, which
// tests use to avoid duplicate-registration panics across cases.
func NewPrometheusMetricsWithRegisterer(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		registerer:    reg,
		counters:      make(map[string]prometheus.Counter),
		counterVecs:   make(map[string]*prometheus.CounterVec),
		gauges:        make(map[string]prometheus.Gauge),
		gaugeVecs:     make(map[string]*prometheus.GaugeVec),
		histograms:    make(map[string]prometheus.Histogram),
		histogramVecs: make(map[string]*prometheus.HistogramVec),
		customBuckets: make(map[string][]float64),
	}
}

// SetCustomBuckets sets custom bucket thresholds for a histogram; it must be
// called before Register for the same name.
func (p *PrometheusMetrics) SetCustomBuckets(name string, buckets []float64) {
	p.customBuckets[name] = buckets
}

// Register creates and registers a new metric of the given type ('Counter',
// 'Gauge' or 'Histogram'). Histograms use custom buckets if set, default
// buckets otherwise.
func (p *PrometheusMetrics) Register(name, metricType, help string) {
	switch metricType {
	case "Counter":
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.registerer.MustRegister(counter)
		p.counters[name] = counter
	case "Gauge":
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		p.registerer.MustRegister(gauge)
		p.gauges[name] = gauge
	case "Histogram":
		buckets, ok := p.customBuckets[name]
		if !ok {
			buckets = prometheus.DefBuckets
		}
		histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
		p.registerer.MustRegister(histogram)
		p.histograms[name] = histogram
	default:
		log.Printf("Error: Attempted to register unknown metric type '%s' with name '%s'", metricType, name)
	}
}

// Record updates the value of an unlabeled metric: Add for counters, Set for
// gauges, Observe for histograms.
func (p *PrometheusMetrics) Record(name string, value float64) {
	if counter, ok := p.counters[name]; ok {
		counter.Add(value)
		return
	}
	if gauge, ok := p.gauges[name]; ok {
		gauge.Set(value)
		return
	}
	if histogram, ok := p.histograms[name]; ok {
		histogram.Observe(value)
	}
}

// RegisterWithLabels is Register for labeled metrics (CounterVec, GaugeVec,
// HistogramVec).
func (p *PrometheusMetrics) RegisterWithLabels(name, metricType, help string, labels []string) {
	switch metricType {
	case "Counter":
		counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		p.registerer.MustRegister(counterVec)
		p.counterVecs[name] = counterVec
	case "Gauge":
		gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		p.registerer.MustRegister(gaugeVec)
		p.gaugeVecs[name] = gaugeVec
	case "Histogram":
		buckets, ok := p.customBuckets[name]
		if !ok {
			buckets = prometheus.DefBuckets
		}
		histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
		p.registerer.MustRegister(histogramVec)
		p.histogramVecs[name] = histogramVec
	default:
		log.Printf("Error: Attempted to register unknown metric type '%s' with name '%s'", metricType, name)
	}
}

// RecordWithLabels updates a labeled metric; labelValues must match the
// order and arity given at registration.
func (p *PrometheusMetrics) RecordWithLabels(name string, value float64, labelValues ...string) {
	if counterVec, ok := p.counterVecs[name]; ok {
		counterVec.WithLabelValues(labelValues...).Add(value)
		return
	}
	if gaugeVec, ok := p.gaugeVecs[name]; ok {
		gaugeVec.WithLabelValues(labelValues...).Set(value)
		return
	}
	if histogramVec, ok := p.histogramVecs[name]; ok {
		histogramVec.WithLabelValues(labelValues...).Observe(value)
	}
}
