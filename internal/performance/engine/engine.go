// Package engine runs a load test: it builds each scenario's scheduler and
// executor, drives them against a shared metrics engine and evaluates the
// configured thresholds.
package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Engine is the main orchestrator of a load test.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.Options{})
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config     *config.TestConfig
	opts       Options
	logger     *zap.Logger
	httpConfig performance.HTTPClientConfig

	// compiled scenarios, shared by every run
	built map[string]*performance.Scenario
	order []string

	metricsEngine *metrics.Engine
	scenarios     map[string]*ScenarioRunner
	mu            sync.RWMutex

	startTime time.Time
	running   bool
	cancel    context.CancelFunc
	runID     string
}

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger

	// Reporters receive a snapshot every BucketInterval and a final one
	// when the run ends.
	Reporters []metrics.Reporter

	// BucketInterval overrides the metrics bucket interval (default 1s).
	BucketInterval time.Duration

	// RunID fixes the run identifier. Empty generates a new one per run.
	RunID string
}

// ScenarioRunner manages the execution of a single scenario.
type ScenarioRunner struct {
	Name      string
	Config    *config.ScenarioConfig
	Executor  executor.Executor
	Scheduler *performance.VUScheduler
	Scenario  *performance.Scenario
	Result    *ScenarioResult
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name          string                       `json:"name"`
	Executor      string                       `json:"executor"`
	Duration      time.Duration                `json:"duration"`
	Iterations    int64                        `json:"iterations"`
	SpawnedVUs    int64                        `json:"spawnedVUs"`
	SpawnFailures int64                        `json:"spawnFailures"`
	Tasks         map[string]metrics.TaskStats `json:"tasks,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// TestResult contains the complete test results.
type TestResult struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Scenarios map[string]*ScenarioResult `json:"scenarios"`

	// Aggregated metrics across all scenarios
	Metrics    *metrics.Snapshot     `json:"metrics"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases,omitempty"`

	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`

	// Interrupted is set when the run was stopped or cancelled before
	// completion.
	Interrupted bool `json:"interrupted,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewEngine applies defaults, validates cfg and compiles its scenarios.
func NewEngine(cfg *config.TestConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:     cfg,
		opts:       opts,
		logger:     logger.With(zap.String("component", "engine")),
		httpConfig: config.BuildHTTPClientConfig(cfg),
		built:      make(map[string]*performance.Scenario, len(cfg.Scenarios)),
		order:      slices.Sorted(maps.Keys(cfg.Scenarios)),
		scenarios:  make(map[string]*ScenarioRunner),
	}

	for _, name := range e.order {
		sc, err := config.BuildScenario(name, cfg)
		if err != nil {
			return nil, err
		}
		e.built[name] = sc
	}

	return e, nil
}

// Run executes all scenarios and returns the test results.
//
// By default, all scenarios run concurrently. If Options.Sequential is
// true, scenarios run one at a time in name order. Cancelling ctx stops
// every scenario gracefully; the partial result is still returned.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.cancel = cancel
	e.runID = e.opts.RunID
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	e.metricsEngine = metrics.NewEngineWithConfig(metrics.EngineConfig{
		BucketInterval: e.opts.BucketInterval,
		Logger:         e.logger,
	})
	for _, r := range e.opts.Reporters {
		e.metricsEngine.AddReporter(r)
	}
	e.scenarios = make(map[string]*ScenarioRunner)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	e.metricsEngine.SetPhase(metrics.PhaseInit)
	e.logger.Info("test starting",
		zap.String("runId", e.runID),
		zap.String("name", e.config.Name),
		zap.Strings("scenarios", e.order))

	if err := e.initializeScenarios(runCtx); err != nil {
		e.metricsEngine.Stop()
		return nil, fmt.Errorf("failed to initialize scenarios: %w", err)
	}

	var (
		scenarioResults map[string]*ScenarioResult
		runErr          error
	)
	if e.config.Options != nil && e.config.Options.Sequential {
		scenarioResults, runErr = e.runScenariosSequentially(runCtx)
	} else {
		scenarioResults, runErr = e.runScenariosConcurrently(runCtx)
	}

	e.metricsEngine.SetPhase(metrics.PhaseDone)
	e.metricsEngine.Stop()

	finalMetrics := e.metricsEngine.GetSnapshot()
	thresholdResults := EvaluateThresholds(e.config.Thresholds, finalMetrics)

	result := &TestResult{
		RunID:       e.runID,
		Name:        e.config.Name,
		Description: e.config.Description,
		StartTime:   e.startTime,
		EndTime:     time.Now(),
		Duration:    time.Since(e.startTime),
		Scenarios:   scenarioResults,
		Metrics:     finalMetrics,
		TimeSeries:  e.metricsEngine.GetTimeSeries(),
		Phases:      e.metricsEngine.GetPhaseHistory(),
		Passed:      runErr == nil && Passed(thresholdResults),
		Thresholds:  thresholdResults,
		Interrupted: runCtx.Err() != nil,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	e.logger.Info("test finished",
		zap.String("runId", e.runID),
		zap.Bool("passed", result.Passed),
		zap.Int64("requests", finalMetrics.TotalRequests),
		zap.Float64("errorRate", finalMetrics.ErrorRate),
		zap.Duration("duration", result.Duration))

	return result, runErr
}

// initializeScenarios creates executors and schedulers for all scenarios.
func (e *Engine) initializeScenarios(ctx context.Context) error {
	for i, name := range e.order {
		sc := e.config.Scenarios[name]

		exec, execConfig, err := executor.CreateExecutorFromScenarioConfig(ctx, name, sc, e.logger)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		scheduler := performance.NewVUScheduler(e.built[name], e.metricsEngine, e.httpConfig, performance.SchedulerOptions{
			MaxVUs: execConfig.MaxVUs,
			Seed:   e.scenarioSeed(i),
			Logger: e.logger,
		})

		e.mu.Lock()
		e.scenarios[name] = &ScenarioRunner{
			Name:      name,
			Config:    sc,
			Executor:  exec,
			Scheduler: scheduler,
			Scenario:  e.built[name],
		}
		e.mu.Unlock()
	}
	return nil
}

// scenarioSeed derives a distinct seed per scenario from the configured
// seed. Zero leaves seeding random.
func (e *Engine) scenarioSeed(i int) int64 {
	base := e.config.Seed()
	if base == 0 {
		return 0
	}
	return base + int64(i)
}

// runScenariosConcurrently runs all scenarios in parallel.
func (e *Engine) runScenariosConcurrently(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	var (
		resultsMu sync.Mutex
		wg        sync.WaitGroup
		firstErr  error
	)

	for _, name := range e.order {
		runner := e.runner(name)
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := e.runScenario(ctx, runner)

			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("scenario %s failed: %w", name, err)
			}
			results[name] = result
		}()
	}

	wg.Wait()
	return results, firstErr
}

// runScenariosSequentially runs all scenarios one at a time.
func (e *Engine) runScenariosSequentially(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)

	for _, name := range e.order {
		if ctx.Err() != nil {
			e.logger.Info("skipping scenario after cancellation", zap.String("scenario", name))
			break
		}

		result, err := e.runScenario(ctx, e.runner(name))
		results[name] = result
		if err != nil {
			return results, fmt.Errorf("scenario %s failed: %w", name, err)
		}
	}

	return results, nil
}

func (e *Engine) runner(name string) *ScenarioRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scenarios[name]
}

// runScenario runs a single scenario.
func (e *Engine) runScenario(ctx context.Context, runner *ScenarioRunner) (*ScenarioResult, error) {
	logger := e.logger.With(zap.String("scenario", runner.Name))
	logger.Info("scenario starting",
		zap.String("executor", string(runner.Executor.Type())),
		zap.Int("tasks", len(runner.Scenario.Tasks)))

	startTime := time.Now()
	err := runner.Executor.Run(ctx, runner.Scheduler, e.metricsEngine)
	duration := time.Since(startTime)

	stats := runner.Executor.GetStats()
	taskStats := e.metricsEngine.GetTaskStats()

	result := &ScenarioResult{
		Name:          runner.Name,
		Executor:      string(runner.Executor.Type()),
		Duration:      duration,
		Iterations:    stats.Iterations,
		SpawnedVUs:    stats.SpawnedVUs,
		SpawnFailures: stats.SpawnFailures,
		Tasks:         make(map[string]metrics.TaskStats, len(runner.Scenario.Tasks)),
	}
	for _, task := range runner.Scenario.Tasks {
		if ts, ok := taskStats[task.Name]; ok {
			result.Tasks[task.Name] = ts
		}
	}
	if err != nil {
		result.Error = err.Error()
		logger.Error("scenario failed", zap.Error(err))
	}
	if stats.SpawnFailures > 0 {
		logger.Warn("scenario had spawn failures",
			zap.Int64("failures", stats.SpawnFailures),
			zap.Int64("retries", stats.SpawnRetries))
	}
	logger.Info("scenario finished",
		zap.Duration("duration", duration),
		zap.Int64("iterations", stats.Iterations))

	e.mu.Lock()
	runner.Result = result
	e.mu.Unlock()
	return result, err
}

// GetConfig returns the test configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// Scenario returns the compiled scenario called name, or nil.
func (e *Engine) Scenario(name string) *performance.Scenario {
	return e.built[name]
}

// RunID returns the identifier of the current or last run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	me := e.metricsEngine
	e.mu.RUnlock()
	if me == nil {
		return nil
	}
	return me.GetSnapshot()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop gracefully stops the engine and all running scenarios.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil
	}
	cancel := e.cancel
	runners := slices.Collect(maps.Values(e.scenarios))
	e.mu.RUnlock()

	var lastErr error
	for _, runner := range runners {
		if err := runner.Executor.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	if cancel != nil {
		cancel()
	}
	return lastErr
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.scenarios) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range e.scenarios {
		totalProgress += runner.Executor.GetProgress()
	}
	return totalProgress / float64(len(e.scenarios))
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make(map[string]*executor.Stats, len(e.scenarios))
	for name, runner := range e.scenarios {
		stats[name] = runner.Executor.GetStats()
	}
	return stats
}
