// Package registry implements the MetricBase/LabeledMetric model: a
// family-level registry of Counter, Gauge, and Histogram metrics whose
// children are keyed by a label-value map and expire after TTL. It
// implements prometheus.Collector directly — emitting
// prometheus.MustNewConstMetric/MustNewConstHistogram samples from its
// own child map at scrape time — rather than using
// prometheus.CounterVec/GaugeVec, because those don't expose the
// per-child last-write timestamp this package's TTL sweep needs.
package registry
