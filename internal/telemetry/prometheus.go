package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusCollector exposes a MetricsCollector as Prometheus metrics.
// Counters become counters, gauges become gauges, and each timer becomes a
// pair of gauges (average and p95 in seconds). Names are prefixed with the
// namespace and dots are replaced by underscores.
type PrometheusCollector struct {
	metrics   *MetricsCollector
	namespace string
}

// NewPrometheusCollector wraps metrics for registration with a Prometheus registry.
func NewPrometheusCollector(metrics *MetricsCollector, namespace string) *PrometheusCollector {
	return &PrometheusCollector{metrics: metrics, namespace: namespace}
}

// Describe sends no descriptors, which makes this an unchecked collector:
// the metric set grows as new counters and timers are recorded.
func (c *PrometheusCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	for _, name := range sortedKeys(s.Counters) {
		desc := prometheus.NewDesc(c.metricName(name, "total"), "Counter "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(s.Counters[name]))
	}
	for _, name := range sortedKeys(s.Gauges) {
		desc := prometheus.NewDesc(c.metricName(name, ""), "Gauge "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.Gauges[name])
	}
	for _, name := range sortedKeys(s.Timers) {
		t := s.Timers[name]
		avg := prometheus.NewDesc(c.metricName(name, "avg_seconds"), "Average of the latest samples of "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(avg, prometheus.GaugeValue, t.Average.Seconds())
		p95 := prometheus.NewDesc(c.metricName(name, "p95_seconds"), "95th percentile of the latest samples of "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(p95, prometheus.GaugeValue, t.P95.Seconds())
	}
	for _, name := range sortedKeys(s.Timestamps) {
		desc := prometheus.NewDesc(c.metricName(name, "timestamp_seconds"), "Unix time of the latest "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(s.Timestamps[name].UnixNano())/1e9)
	}
}

func (c *PrometheusCollector) metricName(name, suffix string) string {
	name = strings.NewReplacer(".", "_", "-", "_").Replace(name)
	return prometheus.BuildFQName(c.namespace, "", strings.Trim(name+"_"+suffix, "_"))
}

// NewRegistry returns a registry holding the collector plus the standard
// Go runtime and process collectors.
func NewRegistry(metrics *MetricsCollector, namespace string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPrometheusCollector(metrics, namespace))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
