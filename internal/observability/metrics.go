package observability

import (
	"sync"
	"time"
)

// Counter names recorded by the cache and sync queue.
const (
	CounterHits          = "hits"
	CounterMisses        = "misses"
	CounterExpirations   = "expirations"
	CounterEvictions     = "evictions"
	CounterCorruptDrops  = "corrupt_drops"
	CounterWriteFailures = "write_failures"
	CounterQueueEnqueued = "queue_enqueued"
	CounterQueueReplayed = "queue_replayed"
	CounterQueueRetried  = "queue_retried"
	CounterQueueFailed   = "queue_failed"
)

// MetricPoint is a single recorded data point.
type MetricPoint struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Labels    Labels    `json:"labels,omitempty"` // e.g., {"type_tag": "aqi"}
	Timestamp time.Time `json:"timestamp"`
}

// Labels are key-value metadata on a metric.
type Labels map[string]string

// MetricsCollector collects in-memory metrics with a bounded ring of points.
type MetricsCollector struct {
	mu       sync.RWMutex
	points   []MetricPoint
	maxSize  int // Ring buffer capacity.
	counters map[string]int64
}

// NewMetricsCollector creates a collector with a max ring buffer size.
func NewMetricsCollector(maxSize int) *MetricsCollector {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MetricsCollector{
		points:   make([]MetricPoint, 0, maxSize),
		maxSize:  maxSize,
		counters: make(map[string]int64),
	}
}

// Record adds a metric data point.
func (c *MetricsCollector) Record(name string, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()

	point := MetricPoint{
		Name:      name,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}

	if len(c.points) >= c.maxSize {
		// Shift left (drop oldest).
		copy(c.points, c.points[1:])
		c.points[len(c.points)-1] = point
	} else {
		c.points = append(c.points, point)
	}
}

// Increment increments a named counter.
func (c *MetricsCollector) Increment(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
}

// IncrementBy increments a named counter by n.
func (c *MetricsCollector) IncrementBy(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Counter returns the current value of a counter.
func (c *MetricsCollector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Counters returns a copy of all counters.
func (c *MetricsCollector) Counters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Query returns metric points matching a name and optional time window.
// If since is zero, returns all points with this name.
func (c *MetricsCollector) Query(name string, since time.Time) []MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []MetricPoint
	for _, p := range c.points {
		if p.Name != name {
			continue
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		result = append(result, p)
	}
	return result
}

// HitRate returns hits / (hits + misses), or 0 when nothing was read yet.
func (c *MetricsCollector) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := c.counters[CounterHits]
	total := hits + c.counters[CounterMisses]
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
