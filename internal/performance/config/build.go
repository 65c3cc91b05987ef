package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"regexp"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/check"
	"github.com/wesleyorama2/stampede/internal/performance/template"
)

// BuildScenario compiles a scenario's tasks into a runnable
// performance.Scenario. Templates and schemas are compiled once here and
// shared by every virtual user.
func BuildScenario(name string, cfg *TestConfig) (*performance.Scenario, error) {
	sc, ok := cfg.Scenarios[name]
	if !ok || sc == nil {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}

	wait, err := buildWaitTime(sc.WaitTime)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}

	defaultHeaders := maps.Clone(cfg.Settings.Headers)
	if defaultHeaders == nil {
		defaultHeaders = make(map[string]string)
	}
	if cfg.Settings.UserAgent != "" {
		if _, set := defaultHeaders["User-Agent"]; !set {
			defaultHeaders["User-Agent"] = cfg.Settings.UserAgent
		}
	}

	tasks := make([]*performance.Task, 0, len(sc.Tasks))
	for i := range sc.Tasks {
		task, err := buildTask(fmt.Sprintf("%s.%s", name, sc.Tasks[i].Name), &sc.Tasks[i], defaultHeaders)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: task %d: %w", name, i, err)
		}
		tasks = append(tasks, task)
	}

	vars := MergeVariables(cfg.Variables, sc.Variables)
	return performance.NewScenario(name, cfg.Settings.BaseURL, vars, wait, tasks)
}

func buildWaitTime(wt *WaitTimeConfig) (performance.WaitTime, error) {
	if wt == nil {
		return performance.WaitTime{}, nil
	}
	lo, err := ParseDurationString(wt.Min)
	if err != nil {
		return performance.WaitTime{}, fmt.Errorf("invalid waitTime.min: %w", err)
	}
	hi := lo
	if wt.Max != "" {
		if hi, err = ParseDurationString(wt.Max); err != nil {
			return performance.WaitTime{}, fmt.Errorf("invalid waitTime.max: %w", err)
		}
	}
	return performance.Between(lo, hi), nil
}

func buildTask(id string, tc *TaskConfig, defaultHeaders map[string]string) (*performance.Task, error) {
	task := &performance.Task{
		Name:         tc.Name,
		Weight:       tc.Weight,
		Method:       tc.Method,
		ExpectStatus: tc.ExpectStatus,
	}
	if task.Method == "" {
		task.Method = http.MethodGet
	}

	var err error
	if task.URL, err = template.Compile(id+".url", tc.URL); err != nil {
		return nil, err
	}
	if tc.Body != "" {
		if task.Body, err = template.Compile(id+".body", tc.Body); err != nil {
			return nil, err
		}
	}

	headers := maps.Clone(defaultHeaders)
	maps.Copy(headers, tc.Headers)
	if len(headers) > 0 {
		task.Headers = make(map[string]*template.Template, len(headers))
		for key, value := range headers {
			if task.Headers[key], err = template.Compile(id+".headers."+key, value); err != nil {
				return nil, err
			}
		}
	}

	if tc.Timeout != "" {
		if task.Timeout, err = ParseDurationString(tc.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	for _, ex := range tc.Extract {
		task.Extract = append(task.Extract, performance.Extraction{
			Name:   ex.Name,
			Source: ex.Source,
			Path:   ex.Path,
		})
	}

	if tc.Schema != nil {
		if task.Schema, err = compileTaskSchema(id, tc.Schema); err != nil {
			return nil, err
		}
	}

	return task, nil
}

var unsafeResourceChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// compileTaskSchema accepts a schema given as JSON text or as a decoded
// YAML/JSON mapping.
func compileTaskSchema(name string, schema any) (*check.Schema, error) {
	var text string
	switch s := schema.(type) {
	case string:
		text = s
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("schema is not representable as JSON: %w", err)
		}
		text = string(b)
	}
	return check.CompileSchema(unsafeResourceChars.ReplaceAllString(name, "_"), text)
}

// BuildHTTPClientConfig derives the shared HTTP client settings.
func BuildHTTPClientConfig(cfg *TestConfig) performance.HTTPClientConfig {
	hc := performance.DefaultHTTPClientConfig()
	hc.Timeout = cfg.Settings.Timeout.GetDuration(DefaultTimeout)
	if cfg.Settings.MaxIdleConnsPerHost > 0 {
		hc.MaxIdleConnsPerHost = cfg.Settings.MaxIdleConnsPerHost
	}
	hc.MaxConnsPerHost = cfg.Settings.MaxConnectionsPerHost
	hc.InsecureSkipVerify = cfg.Settings.InsecureSkipVerify
	if cfg.Options != nil && cfg.Options.NoVUConnectionReuse {
		hc.UseSharedClient = false
	}
	return hc
}

// Seed returns the configured random seed, or zero.
func (c *TestConfig) Seed() int64 {
	if c.Options == nil {
		return 0
	}
	return c.Options.Seed
}
