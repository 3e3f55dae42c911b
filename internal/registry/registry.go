package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/sshmetrics/internal/columns"
)

// baseLabelNames are carried on every child of every family the registry
// creates for reserved metrics.
var baseLabelNames = []string{"environment", "host"}

// RegistryError reports a programmer-level registry misuse, such as
// re-registering a family name with a different type. It is fatal.
type RegistryError struct {
	Op   string
	Name string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Registry is the MetricBase/LabeledMetric store: a set of metric
// families, each holding label-keyed children with TTL-based expiry.
// It implements prometheus.Collector so it can be registered directly
// with a prometheus.Registry and served over promhttp.
type Registry struct {
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	families map[string]*Family

	connected    *Family
	parserErrors *Family
	linesParsed  *Family
}

// New creates a Registry with the given global name prefix and default
// child TTL, pre-populated with the three reserved families
// (parser_errors, lines_parsed, connected).
func New(prefix string, ttl time.Duration) *Registry {
	r := &Registry{
		prefix:   prefix,
		ttl:      ttl,
		now:      time.Now,
		families: make(map[string]*Family),
	}

	r.connected, _ = r.GetOrCreateFamily(columns.MetricConnected, "1 if the worker's SSH tail session is active, else 0.", GaugeKind, nil, true, baseLabelNames)
	r.parserErrors, _ = r.GetOrCreateFamily(columns.MetricParserErrors, "Total log lines that failed to parse.", CounterKind, nil, false, baseLabelNames)
	r.linesParsed, _ = r.GetOrCreateFamily(columns.MetricLinesParsed, "Total log lines parsed successfully.", CounterKind, nil, false, baseLabelNames)

	return r
}

// GetOrCreateFamily idempotently returns the Family for name, creating it
// on first call. Re-registering an existing name with a different kind
// is a RegistryError.
func (r *Registry) GetOrCreateFamily(name, help string, kind FamilyKind, buckets []float64, ttlExempt bool, labelNames []string) (*Family, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.families[name]; ok {
		if f.kind != kind {
			return nil, &RegistryError{Op: "get_or_create_family", Name: name,
				Err: fmt.Errorf("already registered as %s, cannot re-register as %s", f.kind, kind)}
		}
		return f, nil
	}

	sorted := append([]string(nil), labelNames...)
	sort.Strings(sorted)

	if kind == HistogramKind && len(buckets) == 0 {
		buckets = DefaultHistogramBuckets
	}

	fqName := name
	if r.prefix != "" {
		fqName = r.prefix + "_" + name
	}

	f := newFamily(fqName, help, kind, buckets, ttlExempt, sorted)
	r.families[name] = f
	return f, nil
}

// SetClock overrides the registry's time source. Used by tests that need
// deterministic Add/TTL behavior.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Add records value against family's child identified by labelValues.
func (r *Registry) Add(family *Family, labelValues map[string]string, value float64) error {
	return family.add(labelValues, value, r.now())
}

// IncParserErrors increments parser_errors{environment,host} by one.
func (r *Registry) IncParserErrors(environment, host string) {
	_ = r.parserErrors.add(map[string]string{"environment": environment, "host": host}, 1, r.now())
}

// IncLinesParsed increments lines_parsed{environment,host} by one.
func (r *Registry) IncLinesParsed(environment, host string) {
	_ = r.linesParsed.add(map[string]string{"environment": environment, "host": host}, 1, r.now())
}

// SetConnected sets connected{environment,host} to 1 or 0.
func (r *Registry) SetConnected(environment, host string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	_ = r.connected.add(map[string]string{"environment": environment, "host": host}, v, r.now())
}

// TargetStatus is a point-in-time summary of one worker's connection
// state, used by the optional human index page.
type TargetStatus struct {
	Environment string
	Host        string
	Connected   bool
}

// TargetStatuses returns the current connected{environment,host} state
// of every target the registry has recorded a connection event for,
// sorted by environment then host.
func (r *Registry) TargetStatuses() []TargetStatus {
	snaps := r.connected.snapshot()
	out := make([]TargetStatus, 0, len(snaps))
	for _, s := range snaps {
		// baseLabelNames is sorted at family creation: environment, host.
		out = append(out, TargetStatus{Environment: s.labelValues[0], Host: s.labelValues[1], Connected: s.value != 0})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Environment != out[j].Environment {
			return out[i].Environment < out[j].Environment
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Sweep removes every child whose last update predates now minus the
// registry's default TTL, across every non-exempt family. Returns the
// total number of children removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	families := make([]*Family, 0, len(r.families))
	for _, f := range r.families {
		families = append(families, f)
	}
	r.mu.RUnlock()

	removed := 0
	for _, f := range families {
		removed += f.sweep(now, r.ttl)
	}
	return removed
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.families {
		ch <- f.desc
	}
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	families := make([]*Family, 0, len(r.families))
	for _, f := range r.families {
		families = append(families, f)
	}
	r.mu.RUnlock()

	for _, f := range families {
		f.collect(ch)
	}
}
