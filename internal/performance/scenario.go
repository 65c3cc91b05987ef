// Package performance holds the virtual user runtime: scenarios and their
// weighted tasks, the virtual user loop, and the scheduler that owns the
// user pool.
package performance

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/check"
	"github.com/wesleyorama2/stampede/internal/performance/selector"
	"github.com/wesleyorama2/stampede/internal/performance/template"
)

// ErrNoTasks is returned when a scenario is built without tasks.
var ErrNoTasks = errors.New("scenario has no tasks")

// WaitTime is the pause a virtual user takes before each task, drawn
// uniformly from [Min, Max].
type WaitTime struct {
	Min time.Duration `json:"min" yaml:"min"`
	Max time.Duration `json:"max" yaml:"max"`
}

// Between returns a wait policy of [lo, hi].
func Between(lo, hi time.Duration) WaitTime {
	return WaitTime{Min: lo, Max: hi}
}

// Draw returns one wait duration.
func (w WaitTime) Draw(rng *rand.Rand) time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + time.Duration(rng.Int64N(int64(w.Max-w.Min)+1))
}

// Validate reports an inverted or negative range.
func (w WaitTime) Validate() error {
	if w.Min < 0 || w.Max < 0 {
		return fmt.Errorf("wait time must not be negative")
	}
	if w.Max < w.Min {
		return fmt.Errorf("wait time max (%s) is less than min (%s)", w.Max, w.Min)
	}
	return nil
}

// Extraction copies a value from a response into the virtual user's
// variable scope.
type Extraction struct {
	// Name of the variable to store
	Name string

	// Source: "body", "header", "status"
	Source string

	// Path: header name, or JSON path for body
	Path string
}

// Task is one weighted behavior: the request a virtual user issues when
// the selector picks it.
type Task struct {
	Name    string
	Weight  int
	Method  string
	URL     *template.Template
	Headers map[string]*template.Template
	Body    *template.Template

	// Timeout bounds this task's request; zero uses the client timeout.
	Timeout time.Duration

	// ExpectStatus lists accepted status codes. Empty means any 2xx.
	ExpectStatus []int

	Extract []Extraction

	// Schema, when set, must validate the response body.
	Schema *check.Schema
}

// Accepts reports whether status counts as a success for this task.
func (t *Task) Accepts(status int) bool {
	if len(t.ExpectStatus) == 0 {
		return status >= 200 && status < 300
	}
	return slices.Contains(t.ExpectStatus, status)
}

// Scenario is a user class: a base URL, shared variables, a wait policy
// and a weighted task set.
type Scenario struct {
	Name      string
	BaseURL   string
	Variables map[string]string
	WaitTime  WaitTime
	Tasks     []*Task

	byName   map[string]*Task
	selector *selector.Selector
}

// NewScenario validates the task set and builds its selector.
func NewScenario(name, baseURL string, variables map[string]string, wait WaitTime, tasks []*Task) (*Scenario, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("scenario %q: %w", name, ErrNoTasks)
	}
	if err := wait.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", name, err)
	}

	descs := make([]selector.Descriptor, 0, len(tasks))
	byName := make(map[string]*Task, len(tasks))
	for i, t := range tasks {
		if t == nil || t.URL == nil {
			return nil, fmt.Errorf("scenario %q: task %d has no URL", name, i)
		}
		descs = append(descs, selector.Descriptor{Name: t.Name, Weight: t.Weight})
		byName[t.Name] = t
	}

	sel, err := selector.New(descs, 0)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", name, err)
	}

	return &Scenario{
		Name:      name,
		BaseURL:   baseURL,
		Variables: variables,
		WaitTime:  wait,
		Tasks:     tasks,
		byName:    byName,
		selector:  sel,
	}, nil
}

// Task returns the task with the given name, or nil.
func (s *Scenario) Task(name string) *Task {
	return s.byName[name]
}

// Selector returns an independent selector over the scenario's task
// weights. Each virtual user owns one.
func (s *Scenario) Selector(seed int64) *selector.Selector {
	return s.selector.Fork(seed)
}
