package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Metric names that thresholds can be attached to.
const (
	MetricReqDuration = "http_req_duration"
	MetricReqFailed   = "http_req_failed"
	MetricReqs        = "http_reqs"
	MetricTask        = "task"
)

var latencyStats = map[string]bool{
	"p50": true, "p90": true, "p95": true, "p99": true,
	"min": true, "max": true, "avg": true, "med": true,
}

var thresholdExpr = regexp.MustCompile(`^(\w+)\s*(<=|>=|==|!=|<|>)\s*(.+)$`)

// Threshold is a parsed pass/fail expression such as "p95 < 500ms".
type Threshold struct {
	Metric string
	Stat   string
	Op     string
	Value  float64

	// IsDuration is set when Value is a duration in nanoseconds.
	IsDuration bool

	Expression string
}

// ParseThreshold parses expr for the given metric.
//
// Valid formats:
//   - "p95 < 500ms"
//   - "avg < 200ms"
//   - "rate < 0.01"
//   - "count > 1000"
func ParseThreshold(metric, expr string) (Threshold, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Threshold{}, fmt.Errorf("threshold expression cannot be empty")
	}

	m := thresholdExpr.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid expression format: %s (want '<stat> <op> <value>')", expr)
	}

	t := Threshold{
		Metric:     metric,
		Stat:       m[1],
		Op:         m[2],
		Expression: expr,
	}
	raw := strings.TrimSpace(m[3])

	switch {
	case latencyStats[t.Stat] && (metric == MetricReqDuration || metric == MetricTask):
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Threshold{}, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		t.Value = float64(d)
		t.IsDuration = true
		return t, nil

	case t.Stat == "rate" && metric != MetricReqDuration,
		t.Stat == "count" && (metric == MetricReqs || metric == MetricTask):
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Threshold{}, fmt.Errorf("invalid number %q: %w", raw, err)
		}
		t.Value = v
		return t, nil
	}

	return Threshold{}, fmt.Errorf("%s does not support stat %q", metric, t.Stat)
}

// Compare reports whether actual satisfies the threshold.
func (t Threshold) Compare(actual float64) bool {
	switch t.Op {
	case "<":
		return actual < t.Value
	case "<=":
		return actual <= t.Value
	case ">":
		return actual > t.Value
	case ">=":
		return actual >= t.Value
	case "==":
		return actual == t.Value
	case "!=":
		return actual != t.Value
	default:
		return false
	}
}

// FormatValue renders v in the threshold's unit.
func (t Threshold) FormatValue(v float64) string {
	if t.IsDuration {
		return time.Duration(v).String()
	}
	if t.Stat == "count" {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
