package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// RampingVUs ramps VU count up and down according to stages.
//
// The target is linearly interpolated between stage targets and
// re-evaluated every 100ms. SpawnRate, when set, additionally caps how
// fast the running count may follow the target.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config *Config
	ctrl   *controller

	startTime    time.Time
	currentStage atomic.Int32
	running      atomic.Bool

	cancelFunc context.CancelFunc
	mu         sync.RWMutex
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.TotalDuration())
	defer cancel()

	e.mu.Lock()
	e.ctrl = newController(scheduler, metricsEngine, e.config)
	e.startTime = time.Now()
	e.cancelFunc = cancel
	e.mu.Unlock()
	e.running.Store(true)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	e.step(runCtx, metricsEngine)

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			e.step(runCtx, metricsEngine)
		}
	}

	e.ctrl.shutdown(e.config.gracefulStop())

	metricsEngine.SetPhase(metrics.PhaseDone)
	e.running.Store(false)
	return nil
}

func (e *RampingVUs) step(ctx context.Context, metricsEngine *metrics.Engine) {
	target := e.calculateTargetVUs(time.Since(e.startTime))
	e.ctrl.adjust(ctx, target)
	e.updatePhase(metricsEngine)
}

// calculateTargetVUs returns the interpolated VU target at elapsed.
func (e *RampingVUs) calculateTargetVUs(elapsed time.Duration) int {
	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range e.config.Stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			e.currentStage.Store(int32(i))

			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			if progress < 0 {
				progress = 0
			}
			if progress > 1 {
				progress = 1
			}

			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(target + 0.5)
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	if n := len(e.config.Stages); n > 0 {
		e.currentStage.Store(int32(n - 1))
		return e.config.Stages[n-1].Target
	}
	return 0
}

// updatePhase derives the metrics phase from the current stage.
func (e *RampingVUs) updatePhase(metricsEngine *metrics.Engine) {
	stageIdx := int(e.currentStage.Load())
	if stageIdx >= len(e.config.Stages) {
		return
	}

	stage := e.config.Stages[stageIdx]
	prevTarget := 0
	if stageIdx > 0 {
		prevTarget = e.config.Stages[stageIdx-1].Target
	}

	switch {
	case stage.Target > prevTarget:
		metricsEngine.SetPhase(metrics.PhaseRampUp)
	case stage.Target < prevTarget:
		metricsEngine.SetPhase(metrics.PhaseRampDown)
	default:
		metricsEngine.SetPhase(metrics.PhaseSteady)
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	total := e.config.TotalDuration()
	if total == 0 {
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUs) GetActiveVUs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctrl == nil {
		return 0
	}
	return e.ctrl.activeVUs()
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := &Stats{
		StartTime:   e.startTime,
		CurrentTime: time.Now(),
	}
	if !e.startTime.IsZero() {
		stats.Elapsed = time.Since(e.startTime)
	}
	if e.config != nil {
		stageIdx := int(e.currentStage.Load())
		stats.TotalDuration = e.config.TotalDuration()
		stats.CurrentStage = stageIdx
		stats.TotalStages = len(e.config.Stages)
		if stageIdx < len(e.config.Stages) {
			stats.CurrentStageName = e.config.Stages[stageIdx].Name
		}
	}
	if e.ctrl != nil {
		e.ctrl.fillStats(stats)
	}
	return stats
}

// Stop ends the run early. Run performs the graceful shutdown.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.mu.RLock()
	cancel := e.cancelFunc
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

var _ Executor = (*RampingVUs)(nil)
