// Package config provides configuration parsing and validation for load
// tests.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "Product API"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	  timeout: 10s
//	scenarios:
//	  shoppers:
//	    executor: constant-vus
//	    vus: 10
//	    spawnRate: 2
//	    duration: 1m
//	    waitTime: {min: 1s, max: 3s}
//	    tasks:
//	      - name: list_products
//	        weight: 3
//	        url: /products
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are global variables available to all scenarios
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Scenarios defines the user classes to run. Each scenario runs
	// independently with its own executor.
	Scenarios map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`

	// Thresholds define pass/fail criteria for metrics
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP and execution settings.
type GlobalSettings struct {
	// BaseURL is the default base URL for all requests
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ScenarioConfig defines a single user class and its load profile.
type ScenarioConfig struct {
	// Executor specifies the load generation strategy.
	// Options: "constant-vus", "ramping-vus"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (constant-vus)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m", "1h")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// SpawnRate is the maximum number of users started or stopped per
	// second. Zero spawns everyone at once.
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// MaxVUs caps the number of live users. Zero means no cap.
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages defines ramping stages (ramping-vus)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// GracefulStop is how long in-flight requests may run after the end
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// WaitTime is the pause each user takes before every task
	WaitTime *WaitTimeConfig `json:"waitTime,omitempty" yaml:"waitTime,omitempty"`

	// Variables are scenario variables; they override global variables
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Tasks are the weighted behaviors a user picks from
	Tasks []TaskConfig `json:"tasks" yaml:"tasks"`

	// Tags are custom tags for this scenario's metrics
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// WaitTimeConfig is a uniform wait range. A missing max equals min.
type WaitTimeConfig struct {
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// TaskConfig defines a weighted behavior: one HTTP request.
type TaskConfig struct {
	// Name identifies the task in metrics
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Weight is the relative selection frequency (default 1)
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// URL is absolute or relative to the base URL; supports templates
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body; supports templates
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is a request-specific timeout
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExpectStatus lists the statuses counted as success. Empty means 2xx.
	ExpectStatus []int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`

	// Extract defines variable extraction from the response
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`

	// Schema is a JSON Schema the response body must satisfy, given
	// either as a JSON string or as an inline mapping.
	Schema any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ExtractConfig defines how to extract a variable from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body", "header", "status"
	Source string `json:"source" yaml:"source"`

	// Path is the header name, or a JSON path for body
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the test.
type ThresholdsConfig struct {
	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// HTTPReqFailed thresholds for failure rate
	// e.g., ["rate < 0.01"] (less than 1% failures)
	HTTPReqFailed []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`

	// HTTPReqs thresholds for request count/rate
	// e.g., ["count > 1000", "rate > 100"]
	HTTPReqs []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`

	// Tasks holds thresholds evaluated against a single task's stats.
	// Latency metrics compare durations; "rate" is the task's failure rate
	// and "count" its request count.
	Tasks map[string][]string `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// Sequential runs scenarios one-by-one instead of parallel
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// Seed makes task selection and wait times reproducible. Zero picks
	// a random seed.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// NoVUConnectionReuse gives every VU its own HTTP client
	NoVUConnectionReuse bool `json:"noVUConnectionReuse,omitempty" yaml:"noVUConnectionReuse,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML
// strings. Bare numbers are seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.set(value.Value)
}

func (d *Duration) set(s string) error {
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
