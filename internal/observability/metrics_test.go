package observability

import (
	"testing"
	"time"
)

func TestMetricsCollector_Counters(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Increment(CounterHits)
	c.Increment(CounterHits)
	c.Increment(CounterMisses)
	c.IncrementBy(CounterEvictions, 4)

	if c.Counter(CounterHits) != 2 {
		t.Errorf("hits = %d, want 2", c.Counter(CounterHits))
	}
	if c.Counter(CounterMisses) != 1 {
		t.Errorf("misses = %d, want 1", c.Counter(CounterMisses))
	}
	if c.Counter(CounterEvictions) != 4 {
		t.Errorf("evictions = %d, want 4", c.Counter(CounterEvictions))
	}
	if c.Counter("never_touched") != 0 {
		t.Error("unknown counter not zero")
	}
}

func TestMetricsCollector_Counters_Copy(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Increment(CounterHits)

	snapshot := c.Counters()
	snapshot[CounterHits] = 999

	if c.Counter(CounterHits) != 1 {
		t.Error("Counters() exposed internal state")
	}
}

func TestMetricsCollector_RecordQuery(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Record("payload_bytes", 512, Labels{"type_tag": "aqi"})
	c.Record("payload_bytes", 1024, nil)
	c.Record("drain_duration_ms", 75, nil)

	points := c.Query("payload_bytes", time.Time{})
	if len(points) != 2 {
		t.Fatalf("len = %d, want 2", len(points))
	}
	if points[0].Value != 512 || points[1].Value != 1024 {
		t.Errorf("values = %v, %v", points[0].Value, points[1].Value)
	}
	if points[0].Labels["type_tag"] != "aqi" {
		t.Errorf("labels = %v", points[0].Labels)
	}
}

func TestMetricsCollector_RingBounded(t *testing.T) {
	c := NewMetricsCollector(10)

	for i := 0; i < 25; i++ {
		c.Record("n", float64(i), nil)
	}

	points := c.Query("n", time.Time{})
	if len(points) != 10 {
		t.Fatalf("len = %d, want 10", len(points))
	}
	// Oldest dropped, newest kept.
	if points[0].Value != 15 || points[9].Value != 24 {
		t.Errorf("window = [%v..%v], want [15..24]", points[0].Value, points[9].Value)
	}
}

func TestMetricsCollector_HitRate(t *testing.T) {
	c := NewMetricsCollector(10)

	if c.HitRate() != 0 {
		t.Errorf("HitRate with no reads = %v, want 0", c.HitRate())
	}

	c.IncrementBy(CounterHits, 3)
	c.Increment(CounterMisses)

	if got := c.HitRate(); got != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", got)
	}
}
