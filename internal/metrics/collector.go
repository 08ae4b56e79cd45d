// Package metrics provides a small collector rendering Prometheus text
// exposition without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters and gauges and one latency histogram.
type Collector struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	gauges    map[string]*Gauge
	histos    map[string]*Histogram
	startTime time.Time
}

func New() *Collector {
	return &Collector{
		counters:  make(map[string]*Counter),
		gauges:    make(map[string]*Gauge),
		histos:    make(map[string]*Histogram),
		startTime: time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution in fixed buckets.
type Histogram struct {
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.bounds {
		if v <= b {
			h.buckets[i]++
		}
	}
}

// Counter returns or creates the named counter.
func (c *Collector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{help: help}
	c.counters[name] = ctr
	return ctr
}

// Gauge returns or creates the named gauge.
func (c *Collector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{help: help}
	c.gauges[name] = g
	return g
}

// Histogram returns or creates the named histogram.
func (c *Collector) Histogram(name, help string, bounds []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histos[name]; ok {
		return h
	}
	sort.Float64s(bounds)
	h := &Histogram{help: help, bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histos[name] = h
	return h
}

// Handler renders all metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP disclink_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE disclink_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "disclink_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

		c.mu.Lock()
		defer c.mu.Unlock()

		for _, name := range sortedKeys(c.counters) {
			ctr := c.counters[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, ctr.help, name, name, ctr.Value())
		}
		for _, name := range sortedKeys(c.gauges) {
			g := c.gauges[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
		}
		for _, name := range sortedKeys(c.histos) {
			h := c.histos[name]
			h.mu.Lock()
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
			for i, b := range h.bounds {
				fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", name, b, h.buckets[i])
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
			fmt.Fprintf(&sb, "%s_count %d\n%s_sum %f\n", name, h.count, name, h.sum)
			h.mu.Unlock()
		}

		fmt.Fprint(w, sb.String())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bridge is the metric set wired through the application.
type Bridge struct {
	Collector *Collector

	MessagesTotal *Counter
	PingsTotal    *Counter
	DedupedTotal  *Counter
	SendsTotal    *Counter
	RetriesTotal  *Counter
	DroppedTotal  *Counter
	QueuedGauge   *Gauge
	ClientsGauge  *Gauge
	SendLatency   *Histogram
}

// NewBridge registers the application metrics on a fresh collector.
func NewBridge() *Bridge {
	c := New()
	return &Bridge{
		Collector:     c,
		MessagesTotal: c.Counter("disclink_messages_total", "Inbound messages forwarded to clients"),
		PingsTotal:    c.Counter("disclink_pings_total", "Ping events forwarded to clients"),
		DedupedTotal:  c.Counter("disclink_deduped_total", "Inbound messages suppressed by the dedupe window"),
		SendsTotal:    c.Counter("disclink_sends_total", "Successful upstream sends"),
		RetriesTotal:  c.Counter("disclink_send_retries_total", "Send attempts retried during replay"),
		DroppedTotal:  c.Counter("disclink_sends_dropped_total", "Queued sends dropped after retry exhaustion"),
		QueuedGauge:   c.Gauge("disclink_queue_pending", "Send requests parked while upstream is down"),
		ClientsGauge:  c.Gauge("disclink_clients", "Open client connections"),
		SendLatency: c.Histogram("disclink_send_latency_seconds", "Upstream send latency in seconds",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}),
	}
}
