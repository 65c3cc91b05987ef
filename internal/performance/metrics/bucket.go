package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucketStore stores time-bucketed metrics in a ring buffer.
//
// Interval counters are updated lock-free; the ring itself is guarded by
// a mutex that is only taken when a bucket is cut or read.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int
	count      int
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	currentRequests atomic.Int64
	currentFailures atomic.Int64
}

// NewTimeBucketStore creates a store retaining at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// RecordRequest adds one request to the current interval.
func (tbs *TimeBucketStore) RecordRequest(success bool) {
	tbs.currentRequests.Add(1)
	if !success {
		tbs.currentFailures.Add(1)
	}
}

// CreateBucket cuts the current interval into a new bucket.
func (tbs *TimeBucketStore) CreateBucket(
	totalRequests, totalSuccesses, totalFailures, totalBytes int64,
	latencies LatencyPercentiles,
	activeVUs int,
	phase Phase,
) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()

	intervalRequests := tbs.currentRequests.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)

	seconds := now.Sub(tbs.lastBucketTime).Seconds()
	if seconds <= 0 {
		seconds = 1.0
	}

	errorRate := 0.0
	if intervalRequests > 0 {
		errorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	bucket := &TimeBucket{
		Timestamp:         now,
		TotalRequests:     totalRequests,
		TotalSuccesses:    totalSuccesses,
		TotalFailures:     totalFailures,
		TotalBytes:        totalBytes,
		IntervalRequests:  intervalRequests,
		IntervalRPS:       float64(intervalRequests) / seconds,
		IntervalErrorRate: errorRate,
		LatencyMin:        latencies.Min,
		LatencyMax:        latencies.Max,
		LatencyP50:        latencies.P50,
		LatencyP90:        latencies.P90,
		LatencyP95:        latencies.P95,
		LatencyP99:        latencies.P99,
		ActiveVUs:         activeVUs,
		Phase:             phase,
	}

	tbs.buckets[tbs.head] = bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return bucket
}

// GetBuckets returns all buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}

// GetRecentBuckets returns up to n most recent buckets, oldest first.
func (tbs *TimeBucketStore) GetRecentBuckets(n int) []*TimeBucket {
	all := tbs.GetBuckets()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// CalculateSteadyStateRPS averages IntervalRPS over steady-phase buckets.
// It returns the average and the number of buckets it was computed from.
func (tbs *TimeBucketStore) CalculateSteadyStateRPS() (float64, int) {
	var sum float64
	n := 0
	for _, b := range tbs.GetBuckets() {
		if b.Phase == PhaseSteady {
			sum += b.IntervalRPS
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// Reset discards all buckets.
func (tbs *TimeBucketStore) Reset() {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	tbs.buckets = make([]*TimeBucket, tbs.maxBuckets)
	tbs.head = 0
	tbs.count = 0
	tbs.lastBucketTime = time.Now()
	tbs.currentRequests.Store(0)
	tbs.currentFailures.Store(0)
}
