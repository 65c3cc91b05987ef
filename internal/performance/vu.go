package performance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/check"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/selector"
)

// ErrVUStopped is returned by RunIteration once the VU has been asked to stop.
var ErrVUStopped = errors.New("virtual user stopped")

// Recorder consumes request outcomes. *metrics.Engine implements it.
type Recorder interface {
	Record(o metrics.Outcome)
}

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is inside an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is a single simulated client. Each iteration it waits,
// draws one task from its own selector and executes it.
//
// Stopping is cooperative: RequestStop interrupts the wait and prevents
// the next request, but never aborts a request already in flight. That
// is left to the context passed to RunIteration.
type VirtualUser struct {
	ID         int
	Scenario   *Scenario
	HTTPClient *http.Client
	Recorder   Recorder

	selector *selector.Selector
	rng      *rand.Rand
	logger   *zap.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once

	iteration atomic.Int64

	// Per-VU variable scope
	data   map[string]interface{}
	dataMu sync.RWMutex
}

// NewVirtualUser creates a Virtual User whose task draws and wait times
// are derived from seed.
func NewVirtualUser(id int, scenario *Scenario, client *http.Client, recorder Recorder, seed int64) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: client,
		Recorder:   recorder,
		selector:   scenario.Selector(seed),
		rng:        rand.New(rand.NewPCG(uint64(seed), uint64(id))),
		logger:     zap.NewNop(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		data:       make(map[string]interface{}),
	}
}

// SetLogger replaces the VU's logger.
func (vu *VirtualUser) SetLogger(logger *zap.Logger) {
	if logger != nil {
		vu.logger = logger
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of tasks executed.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RunIteration waits, draws a task and executes it.
//
// It returns nil after executing a task or when a stop request arrives
// during the wait, ErrVUStopped when called on a stopping VU, and
// ctx.Err() when ctx ends first. Request failures are recorded as failed
// outcomes and never returned.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return fmt.Errorf("VU %d: %w", vu.ID, ErrVUStopped)
	}
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	if wait := vu.Scenario.WaitTime.Draw(vu.rng); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-vu.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	// Stop may have been requested while the timer fired.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-vu.stopCh:
		return nil
	default:
	}

	task := vu.Scenario.Task(vu.selector.Next())
	outcome := vu.execute(ctx, task)
	vu.iteration.Add(1)

	if vu.Recorder != nil {
		vu.Recorder.Record(outcome)
	}
	return nil
}

func (vu *VirtualUser) execute(ctx context.Context, task *Task) metrics.Outcome {
	outcome := metrics.Outcome{
		Timestamp: time.Now(),
		Task:      task.Name,
		VUID:      vu.ID,
	}

	req, err := vu.buildRequest(ctx, task)
	if err != nil {
		outcome.Error = fmt.Sprintf("build request: %v", err)
		return outcome
	}

	if task.Timeout > 0 {
		reqCtx, cancel := context.WithTimeout(req.Context(), task.Timeout)
		defer cancel()
		req = req.WithContext(reqCtx)
	}

	start := time.Now()
	outcome.Timestamp = start

	resp, err := vu.HTTPClient.Do(req)
	if err != nil {
		outcome.Latency = time.Since(start)
		outcome.Error = describeError(err)
		return outcome
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	outcome.Latency = time.Since(start)
	outcome.StatusCode = resp.StatusCode
	outcome.Bytes = int64(len(body))
	if err != nil {
		outcome.Error = fmt.Sprintf("read body: %s", describeError(err))
		return outcome
	}

	if !task.Accepts(resp.StatusCode) {
		outcome.Error = "unexpected status " + strconv.Itoa(resp.StatusCode)
		return outcome
	}

	if task.Schema != nil {
		if err := task.Schema.Validate(body); err != nil {
			outcome.Error = fmt.Sprintf("schema %s: %v", task.Schema.Name(), err)
			return outcome
		}
	}

	outcome.Success = true
	vu.extractVariables(task, resp, body)
	return outcome
}

func (vu *VirtualUser) buildRequest(ctx context.Context, task *Task) (*http.Request, error) {
	vars := vu.variables()

	target, err := task.URL.Render(vars)
	if err != nil {
		return nil, err
	}
	target = resolveURL(vu.Scenario.BaseURL, target)

	var body io.Reader
	if task.Body != nil {
		rendered, err := task.Body.Render(vars)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(rendered)
	}

	method := task.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	for key, value := range task.Headers {
		rendered, err := value.Render(vars)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// variables merges scenario variables, the VU's extracted data and the
// built-in vuId and iteration values.
func (vu *VirtualUser) variables() map[string]any {
	vars := make(map[string]any, len(vu.Scenario.Variables)+4)
	for k, v := range vu.Scenario.Variables {
		vars[k] = v
	}
	vars["baseUrl"] = vu.Scenario.BaseURL

	vu.dataMu.RLock()
	for k, v := range vu.data {
		vars[k] = v
	}
	vu.dataMu.RUnlock()

	vars["vuId"] = vu.ID
	vars["iteration"] = vu.iteration.Load()
	return vars
}

func (vu *VirtualUser) extractVariables(task *Task, resp *http.Response, body []byte) {
	for _, ex := range task.Extract {
		var value string
		var err error

		switch ex.Source {
		case "header":
			value = resp.Header.Get(ex.Path)
		case "status":
			value = strconv.Itoa(resp.StatusCode)
		default:
			value, err = check.ExtractJSON(body, ex.Path)
		}

		if err != nil {
			vu.logger.Debug("extraction failed",
				zap.String("task", task.Name),
				zap.String("variable", ex.Name),
				zap.Error(err))
			continue
		}
		if value != "" {
			vu.SetData(ex.Name, value)
		}
	}
}

// resolveURL prefixes relative paths with base.
func resolveURL(base, target string) string {
	if base == "" || strings.Contains(target, "://") {
		return target
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(target, "/")
}

// describeError strips the method and URL from transport errors so that
// failures against different ids aggregate under one message.
func describeError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

// RequestStop signals the VU to stop before its next request.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// Stopping returns a channel closed once a stop has been requested.
func (vu *VirtualUser) Stopping() <-chan struct{} {
	return vu.stopCh
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateIdle || prev == VUStateRunning {
		close(vu.stopCh)
	}
	vu.doneOnce.Do(func() { close(vu.doneCh) })
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key string, value interface{}) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (interface{}, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// ClearData removes a value from the VU's variable scope.
func (vu *VirtualUser) ClearData(key string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	delete(vu.data, key)
}
