package monitoring

import (
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// DefaultBuckets are latency buckets in seconds.
var DefaultBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metric is a point-in-time snapshot of one labelled series.
type Metric struct {
	Name   string
	Type   MetricType
	Help   string
	Labels map[string]string
	Value  float64

	// Histogram only. Buckets holds cumulative counts per upper bound.
	Buckets []BucketCount
	Sum     float64
	Count   uint64
}

type BucketCount struct {
	UpperBound float64
	Count      uint64
}

// MetricsRegistry hands out series keyed by name and label set. Asking for
// an existing series returns it instead of replacing it.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

type series struct {
	name   string
	help   string
	labels map[string]string
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Counter represents a monotonically increasing counter
type Counter struct {
	series
	value atomic.Uint64
}

func (mr *MetricsRegistry) Counter(name, help string, labels map[string]string) *Counter {
	key := seriesKey(name, labels)

	mr.mu.RLock()
	c, ok := mr.counters[key]
	mr.mu.RUnlock()
	if ok {
		return c
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok := mr.counters[key]; ok {
		return c
	}
	c = &Counter{series: series{name: name, help: help, labels: copyLabels(labels)}}
	mr.counters[key] = c
	return c
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

func (c *Counter) Get() float64 {
	return float64(c.value.Load())
}

// Gauge represents a value that can go up and down
type Gauge struct {
	series
	bits atomic.Uint64
}

func (mr *MetricsRegistry) Gauge(name, help string, labels map[string]string) *Gauge {
	key := seriesKey(name, labels)

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if g, ok := mr.gauges[key]; ok {
		return g
	}
	g := &Gauge{series: series{name: name, help: help, labels: copyLabels(labels)}}
	mr.gauges[key] = g
	return g
}

func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

func (g *Gauge) Get() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Histogram tracks the distribution of values
type Histogram struct {
	series
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // one per bucket plus +Inf
	sum     float64
	count   uint64
}

func (mr *MetricsRegistry) Histogram(name, help string, buckets []float64, labels map[string]string) *Histogram {
	key := seriesKey(name, labels)

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if h, ok := mr.histograms[key]; ok {
		return h
	}

	if buckets == nil {
		buckets = DefaultBuckets
	}
	h := &Histogram{
		series:  series{name: name, help: help, labels: copyLabels(labels)},
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1),
	}
	mr.histograms[key] = h
	return h
}

func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += value

	i := sort.SearchFloat64s(h.buckets, value)
	h.counts[i]++
}

func (h *Histogram) snapshot() ([]BucketCount, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]BucketCount, 0, len(h.buckets)+1)
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		out = append(out, BucketCount{UpperBound: bound, Count: cumulative})
	}
	cumulative += h.counts[len(h.buckets)]
	out = append(out, BucketCount{UpperBound: math.Inf(1), Count: cumulative})
	return out, h.sum, h.count
}

// GetAllMetrics returns every series, sorted by name and then labels.
func (mr *MetricsRegistry) GetAllMetrics() []*Metric {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	result := make([]*Metric, 0, len(mr.counters)+len(mr.gauges)+len(mr.histograms))

	for _, c := range mr.counters {
		result = append(result, &Metric{
			Name:   c.name,
			Type:   MetricTypeCounter,
			Help:   c.help,
			Labels: c.labels,
			Value:  c.Get(),
		})
	}

	for _, g := range mr.gauges {
		result = append(result, &Metric{
			Name:   g.name,
			Type:   MetricTypeGauge,
			Help:   g.help,
			Labels: g.labels,
			Value:  g.Get(),
		})
	}

	for _, h := range mr.histograms {
		buckets, sum, count := h.snapshot()
		result = append(result, &Metric{
			Name:    h.name,
			Type:    MetricTypeHistogram,
			Help:    h.help,
			Labels:  h.labels,
			Buckets: buckets,
			Sum:     sum,
			Count:   count,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return seriesKey("", result[i].Labels) < seriesKey("", result[j].Labels)
	})
	return result
}

// ServiceMetrics records the outcome of every derpme operation. It
// satisfies engine.Observer.
type ServiceMetrics struct {
	registry  *MetricsRegistry
	startTime time.Time
	version   string

	MemoryUsage    *Gauge
	GoroutineCount *Gauge
	Uptime         *Gauge
}

func NewServiceMetrics(version string) *ServiceMetrics {
	registry := NewMetricsRegistry()

	registry.Gauge("derpme_build_info", "Build information", map[string]string{
		"version":    version,
		"go_version": runtime.Version(),
	}).Set(1)

	return &ServiceMetrics{
		registry:       registry,
		startTime:      time.Now(),
		version:        version,
		MemoryUsage:    registry.Gauge("derpme_memory_usage_bytes", "Current heap allocation in bytes", nil),
		GoroutineCount: registry.Gauge("derpme_goroutines", "Current number of goroutines", nil),
		Uptime:         registry.Gauge("derpme_uptime_seconds", "Seconds since the service started", nil),
	}
}

// ObserveOperation counts the request by operation, tier and reply status
// and records its latency.
func (m *ServiceMetrics) ObserveOperation(operation, tier string, status int, duration time.Duration) {
	outcome := "success"
	if status != 1 {
		outcome = "failure"
	}

	m.registry.Counter("derpme_operations_total", "Total operations by outcome", map[string]string{
		"operation": operation,
		"tier":      tier,
		"status":    outcome,
	}).Inc()

	m.registry.Histogram("derpme_operation_duration_seconds", "Operation duration in seconds", nil, map[string]string{
		"operation": operation,
		"tier":      tier,
	}).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates system-level metrics
func (m *ServiceMetrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.MemoryUsage.Set(float64(memStats.Alloc))
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// GetRegistry returns the metrics registry
func (m *ServiceMetrics) GetRegistry() *MetricsRegistry {
	return m.registry
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
