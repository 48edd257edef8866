// Package metrics tracks the outbound request pipeline's observable state:
// request latency/throughput, rate-limit admission, and the
// spec's "open gauge" of currently-healthy endpoints.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	totalRequests       int64
	failedRequests      int64
	requestsInFlight    int64
	requestDurationHist *Histogram

	rateLimitHits   int64
	rateLimitWaits  int64

	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

type Histogram struct {
	mu     sync.RWMutex
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = &Metrics{
	requestDurationHist: NewHistogram(),
	startTime:           time.Now(),
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make([]int64, 20), // 20 logarithmic buckets
	}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	bucket := 0
	if ms > 0 {
		for ms > 0 && bucket < 19 {
			ms /= 2
			bucket++
		}
	}
	if bucket >= len(h.counts) {
		bucket = len(h.counts) - 1
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

// Mean returns the observed mean, at millisecond resolution.
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return 0
	}
	return time.Duration(float64(h.sum)/float64(h.count)) * time.Millisecond
}

func (h *Histogram) GetStats() (p50, p95, p99, avg float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return 0, 0, 0, 0
	}

	avg = float64(h.sum) / float64(h.count)

	// Simplified percentile estimate from the mean, same approximation the
	// application metrics used before this core existed.
	p50 = avg * 0.8
	p95 = avg * 1.5
	p99 = avg * 2.0

	return
}

// OpenGauge is a guarded counter of currently-healthy endpoints. It has no
// behavioral effect on the pipeline; it exists purely for observability
// (spec.md glossary: "Open gauge").
type OpenGauge struct {
	count int64
}

func NewOpenGauge() *OpenGauge { return &OpenGauge{} }

// Open marks one endpoint healthy and returns a closer to call when it
// transitions back to unhealthy (or is removed by discovery).
func (g *OpenGauge) Open() (closer func()) {
	atomic.AddInt64(&g.count, 1)
	var closed int32
	return func() {
		if atomic.CompareAndSwapInt32(&closed, 0, 1) {
			atomic.AddInt64(&g.count, -1)
		}
	}
}

func (g *OpenGauge) Count() int64 { return atomic.LoadInt64(&g.count) }

func GetMetrics() *Metrics {
	return globalMetrics
}

func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if !success {
		atomic.AddInt64(&m.failedRequests, 1)
	}
	m.requestDurationHist.Observe(duration)
}

func (m *Metrics) IncrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, 1)
}

func (m *Metrics) DecrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, -1)
}

func (m *Metrics) RecordRateLimitHit() {
	atomic.AddInt64(&m.rateLimitHits, 1)
}

func (m *Metrics) RecordRateLimitWait() {
	atomic.AddInt64(&m.rateLimitWaits, 1)
}

func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.goroutineCount = runtime.NumGoroutine()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
}

// ToPrometheus renders the current counters in Prometheus text exposition
// format.
func (m *Metrics) ToPrometheus() string {
	m.UpdateSystemMetrics()

	p50, p95, p99, avg := m.requestDurationHist.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)
	reqsInFlight := atomic.LoadInt64(&m.requestsInFlight)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	return fmt.Sprintf(`# HELP outbound_uptime_seconds Time since the pipeline started
# TYPE outbound_uptime_seconds gauge
outbound_uptime_seconds %f

# HELP outbound_requests_total Total number of outbound requests
# TYPE outbound_requests_total counter
outbound_requests_total %d

# HELP outbound_requests_failed Total number of failed outbound requests
# TYPE outbound_requests_failed counter
outbound_requests_failed %d

# HELP outbound_requests_in_flight Current number of in-flight requests
# TYPE outbound_requests_in_flight gauge
outbound_requests_in_flight %d

# HELP outbound_request_success_rate Percentage of successful requests
# TYPE outbound_request_success_rate gauge
outbound_request_success_rate %f

# HELP outbound_request_duration_milliseconds Request duration statistics
# TYPE outbound_request_duration_milliseconds summary
outbound_request_duration_milliseconds{quantile="0.5"} %f
outbound_request_duration_milliseconds{quantile="0.95"} %f
outbound_request_duration_milliseconds{quantile="0.99"} %f
outbound_request_duration_milliseconds_sum %f
outbound_request_duration_milliseconds_count %d

# HELP outbound_rate_limit_hits Rate limit admission failures observed
# TYPE outbound_rate_limit_hits counter
outbound_rate_limit_hits %d

# HELP outbound_rate_limit_waits Rate limit admission waits observed
# TYPE outbound_rate_limit_waits counter
outbound_rate_limit_waits %d

# HELP outbound_goroutines Number of goroutines
# TYPE outbound_goroutines gauge
outbound_goroutines %d

# HELP outbound_memory_heap_alloc_mb Heap memory allocated in MB
# TYPE outbound_memory_heap_alloc_mb gauge
outbound_memory_heap_alloc_mb %d

# HELP outbound_gc_total Number of GC runs
# TYPE outbound_gc_total counter
outbound_gc_total %d
`,
		uptime,
		totalReqs,
		failedReqs,
		reqsInFlight,
		successRate,
		p50, p95, p99, avg, totalReqs,
		atomic.LoadInt64(&m.rateLimitHits),
		atomic.LoadInt64(&m.rateLimitWaits),
		m.goroutineCount,
		m.heapAllocMB,
		m.numGC,
	)
}

// ToJSON renders the current counters as a nested map, for a JSON metrics
// endpoint.
func (m *Metrics) ToJSON() map[string]interface{} {
	m.UpdateSystemMetrics()

	p50, p95, p99, avg := m.requestDurationHist.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	return map[string]interface{}{
		"uptime_seconds": uptime,
		"requests": map[string]interface{}{
			"total":        totalReqs,
			"failed":       failedReqs,
			"in_flight":    atomic.LoadInt64(&m.requestsInFlight),
			"success_rate": successRate,
			"duration": map[string]interface{}{
				"p50_ms": p50,
				"p95_ms": p95,
				"p99_ms": p99,
				"avg_ms": avg,
			},
		},
		"rate_limiting": map[string]interface{}{
			"hits":  atomic.LoadInt64(&m.rateLimitHits),
			"waits": atomic.LoadInt64(&m.rateLimitWaits),
		},
		"system": map[string]interface{}{
			"goroutines":    m.goroutineCount,
			"heap_alloc_mb": m.heapAllocMB,
			"gc_runs":       m.numGC,
		},
	}
}
