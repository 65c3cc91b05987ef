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

// ConstantVUs brings the VU count up to a fixed number, at most SpawnRate
// users per second, and holds it until the duration expires.
//
// The duration includes the spawn period, so a slow spawn rate shortens
// the steady phase rather than extending the test.
type ConstantVUs struct {
	config *Config
	ctrl   *controller

	startTime time.Time
	running   atomic.Bool

	cancelFunc context.CancelFunc
	mu         sync.RWMutex
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	defer cancel()

	e.mu.Lock()
	e.ctrl = newController(scheduler, metricsEngine, e.config)
	e.startTime = time.Now()
	e.cancelFunc = cancel
	e.mu.Unlock()
	e.running.Store(true)

	metricsEngine.SetPhase(metrics.PhaseRampUp)
	e.ctrl.adjust(runCtx, e.config.VUs)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		if e.ctrl.size() >= e.config.VUs {
			metricsEngine.SetPhase(metrics.PhaseSteady)
		}

		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			e.ctrl.adjust(runCtx, e.config.VUs)
		}
	}

	metricsEngine.SetPhase(metrics.PhaseRampDown)
	e.ctrl.shutdown(e.config.gracefulStop())

	metricsEngine.SetPhase(metrics.PhaseDone)
	e.running.Store(false)
	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(e.config.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *ConstantVUs) GetActiveVUs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctrl == nil {
		return 0
	}
	return e.ctrl.activeVUs()
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := &Stats{
		StartTime:   e.startTime,
		CurrentTime: time.Now(),
	}
	if e.config != nil {
		stats.TotalDuration = e.config.Duration
		stats.TargetVUs = e.config.VUs
	}
	if !e.startTime.IsZero() {
		stats.Elapsed = time.Since(e.startTime)
	}
	if e.ctrl != nil {
		e.ctrl.fillStats(stats)
	}
	return stats
}

// Stop ends the run early. Run performs the graceful shutdown.
func (e *ConstantVUs) Stop(ctx context.Context) error {
	e.mu.RLock()
	cancel := e.cancelFunc
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

var _ Executor = (*ConstantVUs)(nil)
