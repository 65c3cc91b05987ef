package metrics

import (
	"time"
)

// Phase identifies the load phase a time bucket belongs to.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Outcome is the result of one executed task, produced by a virtual user
// and consumed by the Engine.
type Outcome struct {
	// Timestamp is when the request started.
	Timestamp time.Time `json:"timestamp"`

	// Task is the behavior identifier.
	Task string `json:"task"`

	VUID       int           `json:"vuId"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode"`
	Bytes      int64         `json:"bytes"`

	// Error describes the failure, empty on success.
	Error string `json:"error,omitempty"`
}

// Reporter receives periodic aggregated snapshots.
type Reporter interface {
	Report(snapshot *Snapshot) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(snapshot *Snapshot) error

// Report calls f(snapshot).
func (f ReporterFunc) Report(snapshot *Snapshot) error {
	return f(snapshot)
}

// LatencyPercentiles is the compact latency view stored in time buckets.
type LatencyPercentiles struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// TaskStats aggregates outcomes of a single task.
type TaskStats struct {
	Name      string       `json:"name"`
	Requests  int64        `json:"requests"`
	Failures  int64        `json:"failures"`
	ErrorRate float64      `json:"errorRate"`
	Latency   LatencyStats `json:"latency"`
}

// ErrorStat counts occurrences of one failure message for one task.
type ErrorStat struct {
	Task        string `json:"task"`
	Message     string `json:"message"`
	Occurrences int64  `json:"occurrences"`
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	TotalRequests   int64                `json:"totalRequests"`
	SuccessRequests int64                `json:"successRequests"`
	FailedRequests  int64                `json:"failedRequests"`
	TotalBytes      int64                `json:"totalBytes"`
	Latency         LatencyStats         `json:"latency"`
	RPS             float64              `json:"rps"`
	SteadyStateRPS  float64              `json:"steadyStateRps"`
	ErrorRate       float64              `json:"errorRate"`
	ActiveVUs       int                  `json:"activeVUs"`
	CurrentPhase    Phase                `json:"currentPhase"`
	Tasks           map[string]TaskStats `json:"tasks,omitempty"`
	StatusCodes     map[int]int64        `json:"statusCodes,omitempty"`
	Errors          []ErrorStat          `json:"errors,omitempty"`
	FirstSample     time.Time            `json:"firstSample"`
	LastSample      time.Time            `json:"lastSample"`
	Elapsed         time.Duration        `json:"elapsed"`
	StartTime       time.Time            `json:"startTime"`
	Timestamp       time.Time            `json:"timestamp"`
}

// TimeBucket is one interval of the time series.
type TimeBucket struct {
	Timestamp         time.Time     `json:"timestamp"`
	TotalRequests     int64         `json:"totalRequests"`
	TotalSuccesses    int64         `json:"totalSuccesses"`
	TotalFailures     int64         `json:"totalFailures"`
	TotalBytes        int64         `json:"totalBytes"`
	IntervalRequests  int64         `json:"intervalRequests"`
	IntervalRPS       float64       `json:"intervalRps"`
	IntervalErrorRate float64       `json:"intervalErrorRate"`
	LatencyMin        time.Duration `json:"latencyMin"`
	LatencyMax        time.Duration `json:"latencyMax"`
	LatencyP50        time.Duration `json:"latencyP50"`
	LatencyP90        time.Duration `json:"latencyP90"`
	LatencyP95        time.Duration `json:"latencyP95"`
	LatencyP99        time.Duration `json:"latencyP99"`
	ActiveVUs         int           `json:"activeVUs"`
	Phase             Phase         `json:"phase"`
}
