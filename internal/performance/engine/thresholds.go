package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Task       string `json:"task,omitempty"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// EvaluateThresholds checks every configured threshold against snapshot.
// Task thresholds are evaluated in task name order.
func EvaluateThresholds(t *config.ThresholdsConfig, snapshot *metrics.Snapshot) []ThresholdResult {
	if t == nil || snapshot == nil {
		return nil
	}

	var results []ThresholdResult
	for _, expr := range t.HTTPReqDuration {
		results = append(results, evaluate(config.MetricReqDuration, "", expr, func(stat string) float64 {
			return float64(latencyStat(snapshot.Latency, stat))
		}))
	}
	for _, expr := range t.HTTPReqFailed {
		results = append(results, evaluate(config.MetricReqFailed, "", expr, func(string) float64 {
			return snapshot.ErrorRate
		}))
	}
	for _, expr := range t.HTTPReqs {
		results = append(results, evaluate(config.MetricReqs, "", expr, func(stat string) float64 {
			if stat == "count" {
				return float64(snapshot.TotalRequests)
			}
			return snapshot.RPS
		}))
	}

	for _, name := range slices.Sorted(maps.Keys(t.Tasks)) {
		ts := snapshot.Tasks[name]
		for _, expr := range t.Tasks[name] {
			results = append(results, evaluate(config.MetricTask, name, expr, func(stat string) float64 {
				switch stat {
				case "count":
					return float64(ts.Requests)
				case "rate":
					return ts.ErrorRate
				default:
					return float64(latencyStat(ts.Latency, stat))
				}
			}))
		}
	}

	return results
}

// Passed reports whether every threshold passed.
func Passed(results []ThresholdResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func evaluate(metric, task, expr string, actual func(stat string) float64) ThresholdResult {
	result := ThresholdResult{Metric: metric, Task: task, Expression: expr}

	th, err := config.ParseThreshold(metric, expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	v := actual(th.Stat)
	result.Value = th.FormatValue(v)
	result.Passed = th.Compare(v)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", th.Stat, result.Value, th.Op, th.FormatValue(th.Value))
	}
	return result
}

func latencyStat(l metrics.LatencyStats, stat string) time.Duration {
	switch stat {
	case "min":
		return l.Min
	case "max":
		return l.Max
	case "avg":
		return l.Mean
	case "med", "p50":
		return l.P50
	case "p90":
		return l.P90
	case "p95":
		return l.P95
	case "p99":
		return l.P99
	default:
		return 0
	}
}
