package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/testserver"
)

// startProductAPI serves a fresh product API for one test.
func startProductAPI(t *testing.T, opts testserver.Options) (*testserver.Server, *httptest.Server) {
	t.Helper()
	s := testserver.New(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// fastProductConfig is the built-in scenario with short waits so a test
// run issues a few hundred requests.
func fastProductConfig(host string, duration string) *config.TestConfig {
	cfg := config.ProductAPIConfig(host)
	sc := cfg.Scenarios[config.ProductScenarioName]
	sc.VUs = 4
	sc.SpawnRate = 0
	sc.Duration = duration
	sc.GracefulStop = "2s"
	sc.WaitTime = &config.WaitTimeConfig{Min: "5ms", Max: "15ms"}
	cfg.Options = &config.ExecutionOptions{Seed: 7}
	return cfg
}

type recordingReporter struct {
	mu        sync.Mutex
	snapshots []*metrics.Snapshot
}

func (r *recordingReporter) Report(s *metrics.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recordingReporter) last() *metrics.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func TestEngineIntegration_ProductScenarioHitsAllEndpoints(t *testing.T) {
	api, srv := startProductAPI(t, testserver.Options{})
	cfg := fastProductConfig(srv.URL, "1s")
	cfg.Thresholds = &config.ThresholdsConfig{
		HTTPReqFailed: []string{"rate < 0.01"},
		HTTPReqs:      []string{"count > 0"},
		Tasks: map[string][]string{
			config.TaskHealthCheck: {"count > 0"},
		},
	}

	reporter := &recordingReporter{}
	eng, err := NewEngine(cfg, Options{
		Reporters:      []metrics.Reporter{reporter},
		BucketInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := eng.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "Product API", result.Name)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, result.RunID, eng.RunID())
	assert.True(t, result.Passed, "thresholds: %+v", result.Thresholds)
	assert.False(t, result.Interrupted)
	assert.Len(t, result.Thresholds, 3)

	snap := result.Metrics
	require.Greater(t, snap.TotalRequests, int64(50))
	assert.Zero(t, snap.FailedRequests, "errors: %+v", snap.Errors)
	assert.Positive(t, snap.RPS)
	assert.Positive(t, snap.Latency.P95)

	var perTask int64
	for _, name := range []string{
		config.TaskListProducts,
		config.TaskGetProduct,
		config.TaskCreateProduct,
		config.TaskHealthCheck,
	} {
		ts, ok := snap.Tasks[name]
		require.True(t, ok, "task %s never ran", name)
		assert.Positive(t, ts.Requests, name)
		perTask += ts.Requests
	}
	assert.Equal(t, snap.TotalRequests, perTask, "every outcome belongs to a task")
	assert.Greater(t, snap.Tasks[config.TaskListProducts].Requests, snap.Tasks[config.TaskHealthCheck].Requests)

	assert.Equal(t, 100+snap.Tasks[config.TaskCreateProduct].Requests, int64(api.Len()))
	assert.Equal(t, snap.StatusCodes[201], snap.Tasks[config.TaskCreateProduct].Requests)

	sr := result.Scenarios[config.ProductScenarioName]
	require.NotNil(t, sr)
	assert.Equal(t, "constant-vus", sr.Executor)
	assert.Equal(t, int64(4), sr.SpawnedVUs)
	assert.Zero(t, sr.SpawnFailures)
	assert.Equal(t, snap.TotalRequests, sr.Iterations)
	assert.Len(t, sr.Tasks, 4)

	final := reporter.last()
	require.NotNil(t, final, "reporter never called")
	assert.Equal(t, snap.TotalRequests, final.TotalRequests)
	assert.Equal(t, metrics.PhaseDone, final.CurrentPhase)
	assert.NotEmpty(t, result.TimeSeries)

	require.NotEmpty(t, result.Phases)
	assert.Equal(t, metrics.PhaseDone, result.Phases[len(result.Phases)-1].Phase)
	assert.LessOrEqual(t, result.Phases[len(result.Phases)-1].Requests, snap.TotalRequests)
}

func TestEngineIntegration_FailingThresholds(t *testing.T) {
	_, srv := startProductAPI(t, testserver.Options{ErrorRate: 1})
	cfg := fastProductConfig(srv.URL, "500ms")
	cfg.Thresholds = &config.ThresholdsConfig{
		HTTPReqFailed: []string{"rate < 0.5"},
		Tasks: map[string][]string{
			config.TaskHealthCheck: {"rate == 0"},
		},
	}

	eng, err := NewEngine(cfg, Options{})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err, "request failures must not fail the run itself")

	assert.False(t, result.Passed)
	require.Len(t, result.Thresholds, 2)

	failed := result.Thresholds[0]
	assert.Equal(t, config.MetricReqFailed, failed.Metric)
	assert.False(t, failed.Passed)
	assert.Contains(t, failed.Message, "rate is")

	health := result.Thresholds[1]
	assert.Equal(t, config.MetricTask, health.Metric)
	assert.Equal(t, config.TaskHealthCheck, health.Task)
	assert.True(t, health.Passed, "health is not subject to error injection")

	snap := result.Metrics
	assert.Equal(t, snap.Tasks[config.TaskHealthCheck].Requests, snap.SuccessRequests)
	assert.Positive(t, snap.StatusCodes[500])
	require.NotEmpty(t, snap.Errors)
}

func TestEngineIntegration_Stop(t *testing.T) {
	_, srv := startProductAPI(t, testserver.Options{})
	eng, err := NewEngine(fastProductConfig(srv.URL, "1m"), Options{})
	require.NoError(t, err)

	type runResult struct {
		result *TestResult
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		r, err := eng.Run(context.Background())
		done <- runResult{r, err}
	}()

	require.Eventually(t, func() bool {
		m := eng.GetMetrics()
		return eng.IsRunning() && m != nil && m.TotalRequests > 0
	}, 5*time.Second, 10*time.Millisecond)

	progress := eng.GetProgress()
	assert.Greater(t, progress, 0.0)
	assert.Less(t, progress, 1.0)

	stats := eng.GetScenarioStats()
	require.Contains(t, stats, config.ProductScenarioName)
	assert.Equal(t, 4, stats[config.ProductScenarioName].ActiveVUs)

	require.NoError(t, eng.Stop(context.Background()))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.result.Interrupted)
		assert.Less(t, r.result.Duration, 30*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
	assert.False(t, eng.IsRunning())
}

func TestEngineIntegration_RunTwiceConcurrently(t *testing.T) {
	_, srv := startProductAPI(t, testserver.Options{})
	eng, err := NewEngine(fastProductConfig(srv.URL, "300ms"), Options{})
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		eng.Run(context.Background())
	}()
	<-started
	require.Eventually(t, eng.IsRunning, time.Second, time.Millisecond)

	_, err = eng.Run(context.Background())
	assert.Error(t, err)
	<-done

	// A finished engine can run again.
	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, result.Metrics.TotalRequests)
}

func TestEngineIntegration_SequentialScenarios(t *testing.T) {
	_, srv := startProductAPI(t, testserver.Options{})

	cfg := &config.TestConfig{
		Name:     "sequential",
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Options:  &config.ExecutionOptions{Sequential: true, Seed: 3},
		Scenarios: map[string]*config.ScenarioConfig{
			"browse": {
				Executor: "constant-vus",
				VUs:      2,
				Duration: "300ms",
				WaitTime: &config.WaitTimeConfig{Min: "5ms"},
				Tasks:    []config.TaskConfig{{Name: "list", URL: "/products"}},
			},
			"ramp": {
				Executor: "ramping-vus",
				Stages: []config.StageConfig{
					{Duration: "200ms", Target: 3},
					{Duration: "200ms", Target: 0},
				},
				WaitTime: &config.WaitTimeConfig{Min: "5ms"},
				Tasks:    []config.TaskConfig{{Name: "health", URL: "/health"}},
			},
		},
	}

	eng, err := NewEngine(cfg, Options{})
	require.NoError(t, err)

	start := time.Now()
	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond, "scenarios must not overlap")
	require.Len(t, result.Scenarios, 2)
	assert.Equal(t, "ramping-vus", result.Scenarios["ramp"].Executor)
	assert.Contains(t, result.Scenarios["browse"].Tasks, "list")
	assert.NotContains(t, result.Scenarios["browse"].Tasks, "health")
	assert.Positive(t, result.Scenarios["ramp"].Tasks["health"].Requests)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	_, err := NewEngine(nil, Options{})
	assert.Error(t, err)

	cfg := &config.TestConfig{
		Scenarios: map[string]*config.ScenarioConfig{
			"empty": {Executor: "constant-vus", VUs: 1, Duration: "1s"},
		},
	}
	_, err = NewEngine(cfg, Options{})
	require.Error(t, err)

	var verrs *config.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.True(t, verrs.HasErrors())
}

func TestNewEngine_CompilesScenarios(t *testing.T) {
	eng, err := NewEngine(config.ProductAPIConfig("http://localhost:8080"), Options{})
	require.NoError(t, err)

	sc := eng.Scenario(config.ProductScenarioName)
	require.NotNil(t, sc)
	assert.Len(t, sc.Tasks, 4)
	assert.Nil(t, eng.Scenario("missing"))
	assert.Nil(t, eng.GetMetrics())
	assert.Zero(t, eng.GetProgress())
	assert.NoError(t, eng.Stop(context.Background()))
}
