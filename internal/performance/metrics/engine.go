// Package metrics aggregates request outcomes from all virtual users into
// rolling latency, throughput and error statistics.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"
)

// maxErrorKinds bounds the number of distinct (task, message) pairs kept.
const maxErrorKinds = 100

// Engine collects and aggregates performance metrics using HDR histograms.
//
// Record may be called from any number of goroutines. Counters use atomic
// operations; histograms and the status/error maps are guarded by short
// mutexes held only for the update itself. Outcomes may arrive in any
// timestamp order.
type Engine struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	tasks   map[string]*taskEntry
	tasksMu sync.RWMutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalBytes      atomic.Int64

	statusCodes map[int]int64
	errors      map[errorKey]int64
	firstSample time.Time
	lastSample  time.Time
	detailMu    sync.Mutex

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	// phaseMu also guards startTime, which Reset rewrites.
	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange
	startTime    time.Time

	reporters   []Reporter
	reportersMu sync.RWMutex

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	logger *zap.Logger
	config EngineConfig
}

type taskEntry struct {
	mu       sync.Mutex
	hist     *hdrhistogram.Histogram
	requests atomic.Int64
	failures atomic.Int64
}

type errorKey struct {
	task    string
	message string
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the interval for time-series buckets and
	// reporter pushes (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int

	// TopErrors caps the number of error entries in a snapshot (default: 10)
	TopErrors int

	// Logger receives reporter failures. Nil disables logging.
	Logger *zap.Logger
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
		TopErrors:        10,
	}
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine and starts its
// background emitter. Zero config fields take their defaults.
func NewEngineWithConfig(config EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}
	if config.TopErrors <= 0 {
		config.TopErrors = def.TopErrors
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		latencyHist:   hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		tasks:         make(map[string]*taskEntry),
		statusCodes:   make(map[int]int64),
		errors:        make(map[errorKey]int64),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		logger:        logger.With(zap.String("component", "metrics")),
		config:        config,
	}

	engine.emitterWg.Add(1)
	go engine.runEmitter()

	return engine
}

// AddReporter registers a sink that receives a snapshot on every bucket
// interval and once more when the engine stops.
func (e *Engine) AddReporter(r Reporter) {
	if r == nil {
		return
	}
	e.reportersMu.Lock()
	e.reporters = append(e.reporters, r)
	e.reportersMu.Unlock()
}

// Record adds one outcome to the aggregates.
func (e *Engine) Record(o Outcome) {
	latencyMicros := e.clamp(o.Latency.Microseconds())

	e.latencyHistMu.Lock()
	e.latencyHist.RecordValue(latencyMicros)
	e.latencyHistMu.Unlock()

	if o.Task != "" {
		entry := e.taskEntry(o.Task)
		entry.mu.Lock()
		entry.hist.RecordValue(latencyMicros)
		entry.mu.Unlock()
		entry.requests.Add(1)
		if !o.Success {
			entry.failures.Add(1)
		}
	}

	e.totalRequests.Add(1)
	e.totalBytes.Add(o.Bytes)
	if o.Success {
		e.successRequests.Add(1)
	} else {
		e.failedRequests.Add(1)
	}

	e.recordDetail(o)
	e.bucketStore.RecordRequest(o.Success)
}

func (e *Engine) clamp(v int64) int64 {
	if v < e.config.HistogramMin {
		return e.config.HistogramMin
	}
	if v > e.config.HistogramMax {
		return e.config.HistogramMax
	}
	return v
}

func (e *Engine) taskEntry(name string) *taskEntry {
	e.tasksMu.RLock()
	entry, ok := e.tasks[name]
	e.tasksMu.RUnlock()
	if ok {
		return entry
	}

	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	if entry, ok = e.tasks[name]; ok {
		return entry
	}
	entry = &taskEntry{
		hist: hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs),
	}
	e.tasks[name] = entry
	return entry
}

func (e *Engine) recordDetail(o Outcome) {
	e.detailMu.Lock()
	defer e.detailMu.Unlock()

	if o.StatusCode != 0 {
		e.statusCodes[o.StatusCode]++
	}

	if !o.Success && o.Error != "" {
		key := errorKey{task: o.Task, message: o.Error}
		if _, ok := e.errors[key]; ok || len(e.errors) < maxErrorKinds {
			e.errors[key]++
		}
	}

	if !o.Timestamp.IsZero() {
		if e.firstSample.IsZero() || o.Timestamp.Before(e.firstSample) {
			e.firstSample = o.Timestamp
		}
		if o.Timestamp.After(e.lastSample) {
			e.lastSample = o.Timestamp
		}
	}
}

// SetPhase updates the current test phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// SetActiveVUs updates the active VU count.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// TotalRequests returns the number of recorded outcomes.
func (e *Engine) TotalRequests() int64 {
	return e.totalRequests.Load()
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
			e.publish()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(
		e.totalRequests.Load(),
		e.successRequests.Load(),
		e.failedRequests.Load(),
		e.totalBytes.Load(),
		e.GetLatencyPercentiles(),
		e.GetActiveVUs(),
		e.GetPhase(),
	)
}

func (e *Engine) publish() {
	e.reportersMu.RLock()
	reporters := make([]Reporter, len(e.reporters))
	copy(reporters, e.reporters)
	e.reportersMu.RUnlock()

	if len(reporters) == 0 {
		return
	}

	snapshot := e.GetSnapshot()
	for _, r := range reporters {
		if err := r.Report(snapshot); err != nil {
			e.logger.Warn("reporter failed", zap.Error(err))
		}
	}
}

// GetLatencyPercentiles returns current latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latencyStats := histStats(e.latencyHist)
	e.latencyHistMu.Unlock()

	start := e.started()
	elapsed := time.Since(start)
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()

	overallRPS := 0.0
	if elapsed.Seconds() > 0 {
		overallRPS = float64(totalReqs) / elapsed.Seconds()
	}

	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()
	rps := overallRPS
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	snapshot := &Snapshot{
		TotalRequests:   totalReqs,
		SuccessRequests: e.successRequests.Load(),
		FailedRequests:  failedReqs,
		TotalBytes:      e.totalBytes.Load(),
		Latency:         latencyStats,
		RPS:             rps,
		SteadyStateRPS:  steadyRPS,
		ErrorRate:       errorRate,
		ActiveVUs:       e.GetActiveVUs(),
		CurrentPhase:    e.GetPhase(),
		Tasks:           e.GetTaskStats(),
		Elapsed:         elapsed,
		StartTime:       start,
		Timestamp:       time.Now(),
	}

	e.detailMu.Lock()
	snapshot.StatusCodes = make(map[int]int64, len(e.statusCodes))
	for code, n := range e.statusCodes {
		snapshot.StatusCodes[code] = n
	}
	snapshot.Errors = topErrors(e.errors, e.config.TopErrors)
	snapshot.FirstSample = e.firstSample
	snapshot.LastSample = e.lastSample
	e.detailMu.Unlock()

	return snapshot
}

func topErrors(m map[errorKey]int64, limit int) []ErrorStat {
	if len(m) == 0 {
		return nil
	}
	out := make([]ErrorStat, 0, len(m))
	for k, n := range m {
		out = append(out, ErrorStat{Task: k.task, Message: k.message, Occurrences: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetTaskStats returns per-task statistics.
func (e *Engine) GetTaskStats() map[string]TaskStats {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	result := make(map[string]TaskStats, len(e.tasks))
	for name, entry := range e.tasks {
		entry.mu.Lock()
		lat := histStats(entry.hist)
		entry.mu.Unlock()

		requests := entry.requests.Load()
		failures := entry.failures.Load()
		rate := 0.0
		if requests > 0 {
			rate = float64(failures) / float64(requests)
		}
		result[name] = TaskStats{
			Name:      name,
			Requests:  requests,
			Failures:  failures,
			ErrorRate: rate,
			Latency:   lat,
		}
	}
	return result
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// Stop stops the emitter, emits a final bucket and pushes a final
// snapshot to every reporter. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()

		e.emitBucket()
		e.publish()
	})
}

// Reset resets all metrics to initial state.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.tasksMu.Lock()
	e.tasks = make(map[string]*taskEntry)
	e.tasksMu.Unlock()

	e.detailMu.Lock()
	e.statusCodes = make(map[int]int64)
	e.errors = make(map[errorKey]int64)
	e.firstSample = time.Time{}
	e.lastSample = time.Time{}
	e.detailMu.Unlock()

	e.totalRequests.Store(0)
	e.successRequests.Store(0)
	e.failedRequests.Store(0)
	e.totalBytes.Store(0)
	e.activeVUs.Store(0)

	e.bucketStore.Reset()

	e.phaseMu.Lock()
	e.currentPhase = PhaseInit
	e.phaseHistory = nil
	e.startTime = time.Now()
	e.phaseMu.Unlock()
}

func (e *Engine) started() time.Time {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.startTime
}

func histStats(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
