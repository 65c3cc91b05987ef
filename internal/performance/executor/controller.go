package executor

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// controller moves the number of running VUs toward a target. Each call
// to adjust spawns or stops at most as many users as the spawn-rate
// limiter allows, so changes are spread over time instead of arriving as
// a single spike.
type controller struct {
	scheduler *performance.VUScheduler
	metrics   *metrics.Engine
	logger    *zap.Logger
	limiter   *rate.Limiter
	retry     RetryConfig

	// vus holds the users the controller wants alive, oldest first. live
	// holds every started user that has not exited yet, including those
	// already asked to stop. exitedIters is only updated together with
	// live, both under vusMu.
	vus         []*performance.VirtualUser
	live        map[*performance.VirtualUser]struct{}
	exitedIters int64
	vusMu       sync.Mutex

	running       atomic.Int32
	target        atomic.Int32
	spawned       atomic.Int64
	spawnRetries  atomic.Int64
	spawnFailures atomic.Int64
	failing       atomic.Bool
}

func newController(scheduler *performance.VUScheduler, metricsEngine *metrics.Engine, cfg *Config) *controller {
	return &controller{
		scheduler: scheduler,
		metrics:   metricsEngine,
		logger:    cfg.logger().With(zap.String("component", "controller"), zap.String("executor", cfg.Name)),
		limiter:   newSpawnLimiter(cfg.SpawnRate),
		retry:     cfg.Retry.withDefaults(),
		live:      make(map[*performance.VirtualUser]struct{}),
	}
}

// newSpawnLimiter allows perSecond changes per second with a burst of one
// second's worth. A non-positive rate disables pacing.
func newSpawnLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// adjust spawns or stops users toward target. VUs started here run until
// stopped or until runCtx ends.
func (c *controller) adjust(runCtx context.Context, target int) {
	c.target.Store(int32(target))

	c.vusMu.Lock()
	current := len(c.vus)
	c.vusMu.Unlock()

	for current < target && runCtx.Err() == nil {
		if !c.limiter.Allow() {
			break
		}
		vu, err := c.spawn(runCtx)
		if err != nil {
			break
		}

		c.vusMu.Lock()
		c.vus = append(c.vus, vu)
		c.live[vu] = struct{}{}
		c.vusMu.Unlock()

		c.running.Add(1)
		c.spawned.Add(1)
		c.scheduler.Start(runCtx, vu, c.onExit)
		current++
	}

	for current > target {
		if !c.limiter.Allow() {
			break
		}
		// Stop the newest user first. Users may have exited on their own
		// since current was read.
		c.vusMu.Lock()
		if len(c.vus) == 0 {
			c.vusMu.Unlock()
			break
		}
		vu := c.vus[len(c.vus)-1]
		c.vus = c.vus[:len(c.vus)-1]
		c.vusMu.Unlock()

		vu.RequestStop()
		current--
	}

	c.scheduler.UpdateMetrics()
}

// spawn asks the scheduler for a VU, retrying with exponential backoff.
func (c *controller) spawn(ctx context.Context) (*performance.VirtualUser, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval

	vu, err := backoff.Retry(ctx, func() (*performance.VirtualUser, error) {
		vu, err := c.scheduler.SpawnVU()
		if errors.Is(err, performance.ErrSchedulerShutdown) {
			return nil, backoff.Permanent(err)
		}
		return vu, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.spawnRetries.Add(1)
			c.logger.Debug("spawn failed, retrying", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	if err != nil {
		c.spawnFailures.Add(1)
		if c.failing.CompareAndSwap(false, true) {
			c.logger.Warn("unable to spawn virtual user",
				zap.Error(err),
				zap.Int("running", c.activeVUs()),
				zap.Int("target", int(c.target.Load())))
		}
		return nil, err
	}

	if c.failing.CompareAndSwap(true, false) {
		c.logger.Info("spawning recovered", zap.Int64("failures", c.spawnFailures.Load()))
	}
	return vu, nil
}

func (c *controller) onExit(vu *performance.VirtualUser) {
	c.vusMu.Lock()
	if _, ok := c.live[vu]; ok {
		delete(c.live, vu)
		c.exitedIters += vu.GetIteration()
	}
	if i := slices.Index(c.vus, vu); i >= 0 {
		c.vus = slices.Delete(c.vus, i, i+1)
	}
	c.vusMu.Unlock()

	c.running.Add(-1)
	c.scheduler.RemoveVU(vu.ID)
}

// size returns the number of users the controller currently wants alive.
func (c *controller) size() int {
	c.vusMu.Lock()
	defer c.vusMu.Unlock()
	return len(c.vus)
}

func (c *controller) activeVUs() int {
	return int(c.running.Load())
}

func (c *controller) iterations() int64 {
	c.vusMu.Lock()
	defer c.vusMu.Unlock()
	total := c.exitedIters
	for vu := range c.live {
		total += vu.GetIteration()
	}
	return total
}

// shutdown stops every user and waits up to grace for in-flight requests
// before the scheduler cancels them.
func (c *controller) shutdown(grace time.Duration) {
	c.vusMu.Lock()
	c.vus = nil
	c.vusMu.Unlock()
	c.target.Store(0)

	if !c.scheduler.Shutdown(grace) {
		c.logger.Warn("virtual users did not finish within graceful stop", zap.Duration("gracefulStop", grace))
	}
}

func (c *controller) fillStats(s *Stats) {
	s.ActiveVUs = c.activeVUs()
	s.TargetVUs = int(c.target.Load())
	s.Iterations = c.iterations()
	s.SpawnedVUs = c.spawned.Load()
	s.SpawnRetries = c.spawnRetries.Load()
	s.SpawnFailures = c.spawnFailures.Load()
}
