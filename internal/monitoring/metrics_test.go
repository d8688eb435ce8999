package monitoring

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestMetricsRegistry_Counter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := registry.Counter("test_counter", "Test counter", map[string]string{"type": "test"})
	if counter.name != "test_counter" {
		t.Errorf("Expected name 'test_counter', got '%s'", counter.name)
	}
	if counter.help != "Test counter" {
		t.Errorf("Expected help 'Test counter', got '%s'", counter.help)
	}

	counter.Inc()
	counter.Add(5)
	if counter.Get() != 6 {
		t.Errorf("Expected counter value 6, got %f", counter.Get())
	}

	again := registry.Counter("test_counter", "Test counter", map[string]string{"type": "test"})
	if again != counter {
		t.Error("Expected the same series for the same name and labels")
	}

	other := registry.Counter("test_counter", "Test counter", map[string]string{"type": "other"})
	if other == counter {
		t.Error("Expected a distinct series for different labels")
	}
	if other.Get() != 0 {
		t.Errorf("Expected initial counter value 0, got %f", other.Get())
	}
}

func TestMetricsRegistry_LabelsAreCopied(t *testing.T) {
	registry := NewMetricsRegistry()
	labels := map[string]string{"op": "get"}
	counter := registry.Counter("c", "", labels)

	labels["op"] = "set"
	if counter.labels["op"] != "get" {
		t.Errorf("Expected stored label to stay get, got %s", counter.labels["op"])
	}
}

func TestCounter_Concurrency(t *testing.T) {
	registry := NewMetricsRegistry()

	goroutines := 10
	incrementsPerGoroutine := 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				registry.Counter("concurrent_counter", "Concurrent counter", nil).Inc()
			}
		}()
	}
	wg.Wait()

	expected := float64(goroutines * incrementsPerGoroutine)
	if got := registry.Counter("concurrent_counter", "", nil).Get(); got != expected {
		t.Errorf("Expected counter value %f, got %f", expected, got)
	}
}

func TestGauge_Operations(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := registry.Gauge("test_gauge", "Test gauge", nil)

	gauge.Set(42.5)
	if gauge.Get() != 42.5 {
		t.Errorf("Expected gauge value 42.5, got %f", gauge.Get())
	}

	gauge.Set(-3)
	if gauge.Get() != -3 {
		t.Errorf("Expected gauge value -3, got %f", gauge.Get())
	}
}

func TestHistogram_Observe(t *testing.T) {
	registry := NewMetricsRegistry()
	histogram := registry.Histogram("test_histogram", "Test histogram", []float64{0.1, 0.5, 1.0}, nil)

	for _, v := range []float64{0.05, 0.1, 0.3, 0.7, 2.0} {
		histogram.Observe(v)
	}

	buckets, sum, count := histogram.snapshot()
	if count != 5 {
		t.Errorf("Expected count 5, got %d", count)
	}
	if math.Abs(sum-3.15) > 1e-9 {
		t.Errorf("Expected sum 3.15, got %f", sum)
	}

	want := []BucketCount{
		{UpperBound: 0.1, Count: 2},
		{UpperBound: 0.5, Count: 3},
		{UpperBound: 1.0, Count: 4},
		{UpperBound: math.Inf(1), Count: 5},
	}
	if len(buckets) != len(want) {
		t.Fatalf("Expected %d buckets, got %d", len(want), len(buckets))
	}
	for i := range want {
		if buckets[i] != want[i] {
			t.Errorf("Bucket %d = %+v, want %+v", i, buckets[i], want[i])
		}
	}
}

func TestHistogram_DefaultBuckets(t *testing.T) {
	registry := NewMetricsRegistry()
	histogram := registry.Histogram("h", "", nil, nil)

	if len(histogram.buckets) != len(DefaultBuckets) {
		t.Errorf("Expected %d default buckets, got %d", len(DefaultBuckets), len(histogram.buckets))
	}
}

func TestGetAllMetrics_Sorted(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Gauge("b_gauge", "", nil)
	registry.Counter("a_counter", "", map[string]string{"op": "set"})
	registry.Counter("a_counter", "", map[string]string{"op": "get"})
	registry.Histogram("c_hist", "", nil, nil)

	metrics := registry.GetAllMetrics()
	if len(metrics) != 4 {
		t.Fatalf("Expected 4 metrics, got %d", len(metrics))
	}

	names := []string{"a_counter", "a_counter", "b_gauge", "c_hist"}
	for i, name := range names {
		if metrics[i].Name != name {
			t.Errorf("Metric %d = %s, want %s", i, metrics[i].Name, name)
		}
	}
	if metrics[0].Labels["op"] != "get" {
		t.Errorf("Expected get series first, got %s", metrics[0].Labels["op"])
	}
}

func TestServiceMetrics_ObserveOperation(t *testing.T) {
	metrics := NewServiceMetrics("test")

	metrics.ObserveOperation("get", "volatile", 1, 2*time.Millisecond)
	metrics.ObserveOperation("get", "volatile", 1, 3*time.Millisecond)
	metrics.ObserveOperation("get", "volatile", 0, time.Millisecond)
	metrics.ObserveOperation("lset", "persistent", 1, time.Millisecond)

	registry := metrics.GetRegistry()

	success := registry.Counter("derpme_operations_total", "", map[string]string{
		"operation": "get", "tier": "volatile", "status": "success",
	})
	if success.Get() != 2 {
		t.Errorf("Expected 2 successful gets, got %f", success.Get())
	}

	failure := registry.Counter("derpme_operations_total", "", map[string]string{
		"operation": "get", "tier": "volatile", "status": "failure",
	})
	if failure.Get() != 1 {
		t.Errorf("Expected 1 failed get, got %f", failure.Get())
	}

	_, _, count := registry.Histogram("derpme_operation_duration_seconds", "", nil, map[string]string{
		"operation": "get", "tier": "volatile",
	}).snapshot()
	if count != 3 {
		t.Errorf("Expected 3 get observations, got %d", count)
	}
}

func TestServiceMetrics_UpdateSystemMetrics(t *testing.T) {
	metrics := NewServiceMetrics("test")
	metrics.UpdateSystemMetrics()

	if metrics.MemoryUsage.Get() <= 0 {
		t.Error("Expected memory usage to be positive")
	}
	if metrics.GoroutineCount.Get() <= 0 {
		t.Error("Expected goroutine count to be positive")
	}
}
