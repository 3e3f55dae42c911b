package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FamilyKind is the metric type a Family was registered with.
type FamilyKind int

const (
	// CounterKind is a monotonically non-decreasing value.
	CounterKind FamilyKind = iota
	// GaugeKind is a value that can move in either direction.
	GaugeKind
	// HistogramKind buckets observed values and tracks their sum.
	HistogramKind
)

func (k FamilyKind) String() string {
	switch k {
	case CounterKind:
		return "counter"
	case GaugeKind:
		return "gauge"
	case HistogramKind:
		return "histogram"
	default:
		return "unknown"
	}
}

// DefaultHistogramBuckets are the standard Prometheus client defaults,
// applied when a histogram column references a bucket set that is
// empty or absent from global.histograms.
var DefaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Family is one metric family: a name, help text, type, and the set of
// labeled children currently live under it. Children are created
// lazily on first write and removed by TTL sweep unless ttlExempt.
type Family struct {
	name       string
	kind       FamilyKind
	buckets    []float64 // ascending upper bounds, histogram only
	ttlExempt  bool
	labelNames []string // sorted, fixed at creation
	desc       *prometheus.Desc

	mu       sync.Mutex
	children map[string]*child
}

type child struct {
	labelValues []string // aligned with Family.labelNames
	lastUpdate  time.Time

	value float64 // counter / gauge

	bucketRaw []uint64 // histogram: len(buckets)+1, last slot is +Inf overflow
	sum       float64  // histogram
}

func newFamily(fqName, help string, kind FamilyKind, buckets []float64, ttlExempt bool, labelNames []string) *Family {
	return &Family{
		name:       fqName,
		kind:       kind,
		buckets:    buckets,
		ttlExempt:  ttlExempt,
		labelNames: labelNames,
		desc:       prometheus.NewDesc(fqName, help, labelNames, nil),
		children:   make(map[string]*child),
	}
}

// Kind returns the family's registered metric type.
func (f *Family) Kind() FamilyKind { return f.kind }

// Name returns the family's fully-qualified (prefixed) name.
func (f *Family) Name() string { return f.name }

func childKey(values []string) string {
	return strings.Join(values, "\xff")
}

// add records value against the child identified by labelValues, creating
// it if necessary, and stamps it with now. Counter and Histogram values
// must be non-negative.
func (f *Family) add(labelValues map[string]string, value float64, now time.Time) error {
	if (f.kind == CounterKind || f.kind == HistogramKind) && value < 0 {
		return fmt.Errorf("registry: negative value %v for %s %q", value, f.kind, f.name)
	}

	values := make([]string, len(f.labelNames))
	for i, name := range f.labelNames {
		values[i] = labelValues[name]
	}
	key := childKey(values)

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.children[key]
	if !ok {
		c = &child{labelValues: values}
		if f.kind == HistogramKind {
			c.bucketRaw = make([]uint64, len(f.buckets)+1)
		}
		f.children[key] = c
	}

	switch f.kind {
	case CounterKind:
		c.value += value
	case GaugeKind:
		c.value = value
	case HistogramKind:
		idx := len(f.buckets) // default: beyond every finite bucket, +Inf slot
		for i, upper := range f.buckets {
			if value <= upper {
				idx = i
				break
			}
		}
		c.bucketRaw[idx]++
		c.sum += value
	}
	c.lastUpdate = now
	return nil
}

// sweep removes children whose lastUpdate predates now-ttl. TTL-exempt
// families are never swept. Returns the number of children removed.
func (f *Family) sweep(now time.Time, ttl time.Duration) int {
	if f.ttlExempt {
		return 0
	}
	cutoff := now.Add(-ttl)

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for k, c := range f.children {
		if c.lastUpdate.Before(cutoff) {
			delete(f.children, k)
			removed++
		}
	}
	return removed
}

// collect emits one prometheus.Metric per live child onto ch.
func (f *Family) collect(ch chan<- prometheus.Metric) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.children {
		switch f.kind {
		case CounterKind:
			ch <- prometheus.MustNewConstMetric(f.desc, prometheus.CounterValue, c.value, c.labelValues...)
		case GaugeKind:
			ch <- prometheus.MustNewConstMetric(f.desc, prometheus.GaugeValue, c.value, c.labelValues...)
		case HistogramKind:
			cumulative := make(map[float64]uint64, len(f.buckets))
			var running uint64
			for i, upper := range f.buckets {
				running += c.bucketRaw[i]
				cumulative[upper] = running
			}
			total := running + c.bucketRaw[len(f.buckets)]
			ch <- prometheus.MustNewConstHistogram(f.desc, total, c.sum, cumulative, c.labelValues...)
		}
	}
}

// childCount returns the number of live children, for tests.
func (f *Family) childCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

// childSnapshot is a point-in-time copy of one child, for callers that
// need a value outside the Prometheus Collect path (the human index page).
type childSnapshot struct {
	labelValues []string
	value       float64
}

func (f *Family) snapshot() []childSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]childSnapshot, 0, len(f.children))
	for _, c := range f.children {
		out = append(out, childSnapshot{labelValues: append([]string(nil), c.labelValues...), value: c.value})
	}
	return out
}

// collectOnly wraps f as a standalone prometheus.Collector, for tests
// that want to assert on a single family's exposition in isolation.
func (f *Family) collectOnly() prometheus.Collector {
	return familyCollector{f}
}

type familyCollector struct{ f *Family }

func (c familyCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.f.desc }
func (c familyCollector) Collect(ch chan<- prometheus.Metric)  { c.f.collect(ch) }
