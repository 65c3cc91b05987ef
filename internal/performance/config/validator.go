package config

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/stampede/internal/performance/template"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

var validExecutors = map[string]bool{
	"constant-vus": true,
	"ramping-vus":  true,
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	http.MethodPatch: true, http.MethodHead: true, http.MethodOptions: true,
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem
// found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	// Sorted so the error list is stable between runs.
	names := make([]string, 0, len(c.Scenarios))
	for name := range c.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := c.Scenarios[name]
		if sc == nil {
			errs.Add("scenarios."+name, "scenario is empty")
			continue
		}
		validateScenario(name, sc, errs)

		if c.Settings.BaseURL == "" {
			for i, task := range sc.Tasks {
				if strings.HasPrefix(task.URL, "/") {
					errs.Add(fmt.Sprintf("scenarios.%s.tasks[%d].url", name, i), "relative url requires settings.baseUrl")
				}
			}
		}
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, c.Scenarios, errs)
	}

	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	if sc.Executor == "" {
		errs.Add(prefix+".executor", "executor type is required")
	} else if !validExecutors[sc.Executor] {
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	switch sc.Executor {
	case "constant-vus":
		validateConstantVUs(prefix, sc, errs)
	case "ramping-vus":
		validateRampingVUs(prefix, sc, errs)
	}

	if sc.SpawnRate < 0 {
		errs.Add(prefix+".spawnRate", "spawnRate cannot be negative")
	}
	if sc.MaxVUs < 0 {
		errs.Add(prefix+".maxVUs", "maxVUs cannot be negative")
	}
	if sc.GracefulStop != "" {
		if _, err := ParseDurationString(sc.GracefulStop); err != nil {
			errs.Add(prefix+".gracefulStop", fmt.Sprintf("invalid gracefulStop: %v", err))
		}
	}

	if sc.WaitTime != nil {
		validateWaitTime(prefix+".waitTime", sc.WaitTime, errs)
	}

	if len(sc.Tasks) == 0 {
		errs.Add(prefix+".tasks", "at least one task is required")
	}

	seen := make(map[string]bool, len(sc.Tasks))
	for i := range sc.Tasks {
		task := &sc.Tasks[i]
		taskPrefix := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if task.Name != "" {
			if seen[task.Name] {
				errs.Add(taskPrefix+".name", fmt.Sprintf("duplicate task name: %s", task.Name))
			}
			seen[task.Name] = true
		}
		validateTask(taskPrefix, task, errs)
	}

	for i, stage := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}
}

func validateConstantVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}

	if sc.Duration == "" {
		errs.Add(prefix+".duration", "duration is required for constant-vus executor")
	} else if d, err := ParseDurationString(sc.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d == 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}

	if sc.MaxVUs > 0 && sc.VUs > sc.MaxVUs {
		errs.Add(prefix+".vus", "vus cannot be greater than maxVUs")
	}
}

func validateRampingVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
	}
}

func validateWaitTime(prefix string, wt *WaitTimeConfig, errs *ValidationErrors) {
	minDur, minErr := ParseDurationString(wt.Min)
	if minErr != nil {
		errs.Add(prefix+".min", fmt.Sprintf("invalid min: %v", minErr))
	}
	maxDur, maxErr := ParseDurationString(wt.Max)
	if maxErr != nil {
		errs.Add(prefix+".max", fmt.Sprintf("invalid max: %v", maxErr))
	}
	if minErr == nil && maxErr == nil && wt.Max != "" && minDur > maxDur {
		errs.Add(prefix, "min must be less than or equal to max")
	}
}

func validateTask(prefix string, task *TaskConfig, errs *ValidationErrors) {
	if task.Weight < 1 {
		errs.Add(prefix+".weight", "weight must be at least 1")
	}

	method := strings.ToUpper(task.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", task.Method))
	}

	if task.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else if _, err := template.Compile(prefix+".url", task.URL); err != nil {
		errs.Add(prefix+".url", err.Error())
	} else if _, err := url.Parse(placeholderURL(task.URL)); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	}

	if task.Body != "" {
		if _, err := template.Compile(prefix+".body", task.Body); err != nil {
			errs.Add(prefix+".body", err.Error())
		}
	}
	for key, value := range task.Headers {
		if _, err := template.Compile(prefix+".headers."+key, value); err != nil {
			errs.Add(prefix+".headers."+key, err.Error())
		}
	}

	if task.Timeout != "" {
		if _, err := ParseDurationString(task.Timeout); err != nil {
			errs.Add(prefix+".timeout", fmt.Sprintf("invalid timeout: %v", err))
		}
	}

	for i, status := range task.ExpectStatus {
		if status < 100 || status > 599 {
			errs.Add(fmt.Sprintf("%s.expectStatus[%d]", prefix, i), fmt.Sprintf("invalid status code: %d", status))
		}
	}

	for i, extract := range task.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &extract, errs)
	}

	if task.Schema != nil {
		if _, err := compileTaskSchema(prefix+".schema", task.Schema); err != nil {
			errs.Add(prefix+".schema", err.Error())
		}
	}
}

// placeholderURL replaces template actions so the rest of the URL can be
// syntax-checked.
func placeholderURL(raw string) string {
	out := raw
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			return out
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			return out
		}
		repl := "placeholder"
		if start == 0 {
			repl = "http://example.com"
		}
		out = out[:start] + repl + out[start+end+2:]
	}
}

func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d == 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	validSources := map[string]bool{
		"body": true, "header": true, "status": true,
	}

	if extract.Source == "" {
		errs.Add(prefix+".source", "source is required")
	} else if !validSources[extract.Source] {
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s", extract.Source))
	}

	if extract.Source != "status" && extract.Path == "" {
		errs.Add(prefix+".path", "path is required")
	}
}

func validateThresholds(t *ThresholdsConfig, scenarios map[string]*ScenarioConfig, errs *ValidationErrors) {
	check := func(field, metricName string, exprs []string) {
		for i, expr := range exprs {
			if _, err := ParseThreshold(metricName, expr); err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
			}
		}
	}

	check("thresholds.http_req_duration", MetricReqDuration, t.HTTPReqDuration)
	check("thresholds.http_req_failed", MetricReqFailed, t.HTTPReqFailed)
	check("thresholds.http_reqs", MetricReqs, t.HTTPReqs)

	known := make(map[string]bool)
	for _, sc := range scenarios {
		if sc == nil {
			continue
		}
		for _, task := range sc.Tasks {
			known[task.Name] = true
		}
	}
	for name, exprs := range t.Tasks {
		if !known[name] {
			errs.Add("thresholds.tasks."+name, "no task with this name")
		}
		check("thresholds.tasks."+name, MetricTask, exprs)
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", "scheme must be http or https")
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}
