// Package metrics wraps prometheus/client_golang with collectors for
// allocator occupancy, quota in-flight bytes, tracker throughput, and
// MemoryManager queue depth.
// Components never read these values back (spec.md §9's "interval and
// resource-monitor sinks"); the package's only consumer-facing
// capability is Sink, a narrow push interface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AllocatorAvailableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themis_allocator_available_bytes",
		Help: "Bytes remaining in the allocator's byte budget.",
	})

	AllocatorOutstandingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themis_allocator_outstanding_requests",
		Help: "Number of allocation requests currently blocked.",
	})

	AllocatorDeadlocksResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_allocator_deadlocks_resolved_total",
		Help: "Total number of requests resolved by the disk-backed deadlock resolver.",
	})

	AllocationWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_allocation_wait_seconds",
		Help:    "Time an allocation request spent blocked before being granted.",
		Buckets: prometheus.DefBuckets,
	})

	QuotaInFlightBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_quota_in_flight_bytes",
		Help: "Bytes currently in flight for a named quota.",
	}, []string{"quota"})

	TrackerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_tracker_queue_depth",
		Help: "Pending work units queued for a stage.",
	}, []string{"stage"})

	TrackerWorkUnitsProcessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_tracker_work_units_processed_total",
		Help: "Cumulative work units dequeued and processed by a stage, as last observed.",
	}, []string{"stage"})

	TrackerRuntimeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_tracker_runtime_seconds",
		Help:    "Wall time from spawn to all-workers-completed for a stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	MembenchQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_membench_queue_depth",
		Help: "Blocked requests pending under a MemoryManager wake policy.",
	}, []string{"policy", "queue"})

	MembenchBlockSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_membench_block_seconds",
		Help:    "Time a MemoryManager request spent blocked before being serviced.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		AllocatorAvailableBytes,
		AllocatorOutstandingRequests,
		AllocatorDeadlocksResolved,
		AllocationWaitSeconds,
		QuotaInFlightBytes,
		TrackerQueueDepth,
		TrackerWorkUnitsProcessed,
		TrackerRuntimeSeconds,
		MembenchQueueDepth,
		MembenchBlockSeconds,
	)
}

// Timer measures an elapsed duration for later observation into a
// histogram, the way a request-latency or allocation-wait timer is
// used throughout the runtime.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer running now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration reports the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration into a histogram
// vector under the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Sink is the narrow push-only capability components publish
// snapshots through; the core never reads a value back. The allocator
// pushes through ObserveAllocator when Allocator.PublishSnapshot is
// called, and the MemoryManager pushes on every Get and Put. No
// component pushes on a timer, and nothing in the core calls
// ObserveQuota or ObserveTracker.
type Sink interface {
	ObserveAllocator(availableBytes uint64, outstandingRequests int)
	ObserveQuota(name string, inFlightBytes uint64)
	ObserveTracker(stage string, queueDepth int, processed uint64)
	ObserveMembench(policy string, lowQueueDepth, highQueueDepth int)
	ObserveMembenchBlock(d time.Duration)
}

// PrometheusSink is the default Sink implementation, publishing to the
// package-level collectors above.
type PrometheusSink struct{}

func (PrometheusSink) ObserveAllocator(availableBytes uint64, outstandingRequests int) {
	AllocatorAvailableBytes.Set(float64(availableBytes))
	AllocatorOutstandingRequests.Set(float64(outstandingRequests))
}

func (PrometheusSink) ObserveQuota(name string, inFlightBytes uint64) {
	QuotaInFlightBytes.WithLabelValues(name).Set(float64(inFlightBytes))
}

func (PrometheusSink) ObserveTracker(stage string, queueDepth int, processed uint64) {
	TrackerQueueDepth.WithLabelValues(stage).Set(float64(queueDepth))
	TrackerWorkUnitsProcessed.WithLabelValues(stage).Set(float64(processed))
}

func (PrometheusSink) ObserveMembench(policy string, lowQueueDepth, highQueueDepth int) {
	MembenchQueueDepth.WithLabelValues(policy, "low").Set(float64(lowQueueDepth))
	MembenchQueueDepth.WithLabelValues(policy, "high").Set(float64(highQueueDepth))
}

func (PrometheusSink) ObserveMembenchBlock(d time.Duration) {
	MembenchBlockSeconds.Observe(d.Seconds())
}
