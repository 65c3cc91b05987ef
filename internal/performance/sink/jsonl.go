// Package sink provides metrics.Reporter implementations that export
// aggregated snapshots outside the process.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// JSONL writes one JSON object per snapshot, one per line.
type JSONL struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	runID  string
}

type jsonlLatency struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type jsonlTask struct {
	Requests int64   `json:"requests"`
	Failures int64   `json:"failures"`
	P95Ms    float64 `json:"p95Ms"`
}

// jsonlRecord is one line. Latencies are in milliseconds.
type jsonlRecord struct {
	RunID       string               `json:"runId,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	ElapsedSec  float64              `json:"elapsedSec"`
	Phase       metrics.Phase        `json:"phase"`
	ActiveVUs   int                  `json:"activeVUs"`
	Requests    int64                `json:"requests"`
	Failures    int64                `json:"failures"`
	Bytes       int64                `json:"bytes"`
	RPS         float64              `json:"rps"`
	ErrorRate   float64              `json:"errorRate"`
	LatencyMs   jsonlLatency         `json:"latencyMs"`
	Tasks       map[string]jsonlTask `json:"tasks,omitempty"`
	StatusCodes map[int]int64        `json:"statusCodes,omitempty"`
}

// NewJSONL writes to w. runID, if set, is stamped on every line.
func NewJSONL(w io.Writer, runID string) *JSONL {
	return &JSONL{enc: json.NewEncoder(w), runID: runID}
}

// CreateJSONL truncates or creates path and writes to it. Close the
// returned sink when the run is over.
func CreateJSONL(path, runID string) (*JSONL, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	s := NewJSONL(f, runID)
	s.closer = f
	return s, nil
}

// Report implements metrics.Reporter.
func (s *JSONL) Report(snapshot *metrics.Snapshot) error {
	rec := jsonlRecord{
		RunID:      s.runID,
		Timestamp:  snapshot.Timestamp,
		ElapsedSec: snapshot.Elapsed.Seconds(),
		Phase:      snapshot.CurrentPhase,
		ActiveVUs:  snapshot.ActiveVUs,
		Requests:   snapshot.TotalRequests,
		Failures:   snapshot.FailedRequests,
		Bytes:      snapshot.TotalBytes,
		RPS:        snapshot.RPS,
		ErrorRate:  snapshot.ErrorRate,
		LatencyMs: jsonlLatency{
			Min:  ms(snapshot.Latency.Min),
			Mean: ms(snapshot.Latency.Mean),
			P50:  ms(snapshot.Latency.P50),
			P90:  ms(snapshot.Latency.P90),
			P95:  ms(snapshot.Latency.P95),
			P99:  ms(snapshot.Latency.P99),
			Max:  ms(snapshot.Latency.Max),
		},
		StatusCodes: snapshot.StatusCodes,
	}
	if len(snapshot.Tasks) > 0 {
		rec.Tasks = make(map[string]jsonlTask, len(snapshot.Tasks))
		for name, ts := range snapshot.Tasks {
			rec.Tasks[name] = jsonlTask{
				Requests: ts.Requests,
				Failures: ts.Failures,
				P95Ms:    ms(ts.Latency.P95),
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

// Close closes the underlying file, if CreateJSONL opened one.
func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var _ metrics.Reporter = (*JSONL)(nil)
