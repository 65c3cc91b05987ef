package performance

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// ErrCapacityExhausted is returned by SpawnVU when MaxVUs users are
// already alive.
var ErrCapacityExhausted = errors.New("virtual user capacity exhausted")

// ErrSchedulerShutdown is returned by SpawnVU after Shutdown.
var ErrSchedulerShutdown = errors.New("scheduler is shut down")

// VUScheduler manages the lifecycle of Virtual Users.
//
// It owns the user pool, the shared HTTP client and a hard context that
// cancels in-flight requests once the graceful stop period of Shutdown
// has expired. Executors use it to control VU counts.
type VUScheduler struct {
	scenario *Scenario
	metrics  *metrics.Engine
	logger   *zap.Logger

	httpClientConfig HTTPClientConfig
	options          SchedulerOptions

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	sharedClient *http.Client

	hardCtx    context.Context
	hardCancel context.CancelFunc

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup
}

// SchedulerOptions controls pool limits and randomness.
type SchedulerOptions struct {
	// MaxVUs caps the number of live VUs. Zero means unlimited.
	MaxVUs int

	// Seed makes task draws and wait times reproducible. Zero picks a
	// random seed.
	Seed int64

	Logger *zap.Logger
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	DisableKeepAlives  bool
	DisableCompression bool
	InsecureSkipVerify bool

	// UseSharedClient indicates whether VUs share a single HTTP client
	UseSharedClient bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     90 * time.Second,
		UseSharedClient:     true,
	}
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig, opts SchedulerOptions) *VUScheduler {
	if opts.Seed == 0 {
		opts.Seed = rand.Int64()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hardCtx, hardCancel := context.WithCancel(context.Background())

	scheduler := &VUScheduler{
		scenario:         scenario,
		metrics:          metricsEngine,
		logger:           logger.With(zap.String("component", "scheduler"), zap.String("scenario", scenario.Name)),
		httpClientConfig: httpConfig,
		options:          opts,
		vus:              make(map[int]*VirtualUser),
		hardCtx:          hardCtx,
		hardCancel:       hardCancel,
		shutdownCh:       make(chan struct{}),
	}

	if httpConfig.UseSharedClient {
		scheduler.sharedClient = scheduler.createHTTPClient()
	}

	return scheduler
}

func (s *VUScheduler) createHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        s.httpClientConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpClientConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.httpClientConfig.MaxConnsPerHost,
		IdleConnTimeout:     s.httpClientConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpClientConfig.DisableKeepAlives,
		DisableCompression:  s.httpClientConfig.DisableCompression,
	}
	if s.httpClientConfig.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed targets
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.httpClientConfig.Timeout,
	}
}

// Scenario returns the scenario the scheduler's VUs execute.
func (s *VUScheduler) Scenario() *Scenario {
	return s.scenario
}

// MaxVUs returns the live VU cap, zero for unlimited.
func (s *VUScheduler) MaxVUs() int {
	return s.options.MaxVUs
}

// SpawnVU creates and registers a new Virtual User. The caller starts it
// with Start or RunVU.
//
// It fails with ErrCapacityExhausted when MaxVUs users are alive and with
// ErrSchedulerShutdown after Shutdown.
func (s *VUScheduler) SpawnVU() (*VirtualUser, error) {
	select {
	case <-s.shutdownCh:
		return nil, ErrSchedulerShutdown
	default:
	}

	client := s.sharedClient
	if !s.httpClientConfig.UseSharedClient {
		client = s.createHTTPClient()
	}

	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if s.options.MaxVUs > 0 && s.liveLocked() >= s.options.MaxVUs {
		return nil, fmt.Errorf("%w: %d of %d in use", ErrCapacityExhausted, s.liveLocked(), s.options.MaxVUs)
	}

	var recorder Recorder
	if s.metrics != nil {
		recorder = s.metrics
	}

	id := int(s.nextVUID.Add(1))
	vu := NewVirtualUser(id, s.scenario, client, recorder, s.options.Seed+int64(id))
	vu.SetLogger(s.logger.With(zap.Int("vu", id)))
	s.vus[id] = vu

	return vu, nil
}

// liveLocked counts VUs that have not fully stopped. Caller holds vusMu.
func (s *VUScheduler) liveLocked() int {
	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUs returns all VUs not yet stopped, ordered by ID.
func (s *VUScheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	result := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			result = append(result, vu)
		}
	}
	s.vusMu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.liveLocked()
}

// StopVU requests a specific VU to stop.
func (s *VUScheduler) StopVU(id int) {
	s.vusMu.RLock()
	vu, exists := s.vus[id]
	s.vusMu.RUnlock()

	if exists {
		vu.RequestStop()
	}
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// RemoveVU marks a VU stopped and forgets it.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		delete(s.vus, id)
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if vu.GetState() != VUStateStopped {
				notStopped++
			}
			continue
		}
		if !vu.WaitForStop(remaining) {
			notStopped++
		}
	}

	return notStopped
}

// Start runs vu in a new goroutine. onExit, if non-nil, is called after
// the VU has stopped.
func (s *VUScheduler) Start(ctx context.Context, vu *VirtualUser, onExit func(*VirtualUser)) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.runLoop(ctx, vu)
		if onExit != nil {
			onExit(vu)
		}
	}()
}

// RunVU runs vu on the calling goroutine until it is stopped, ctx is
// cancelled or the scheduler shuts down.
//
// Cancelling ctx is a cooperative stop: the VU finishes any request in
// flight. In-flight requests are only aborted by Shutdown once its grace
// period has passed.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser) {
	s.shutdownWg.Add(1)
	defer s.shutdownWg.Done()
	s.runLoop(ctx, vu)
}

func (s *VUScheduler) runLoop(ctx context.Context, vu *VirtualUser) {
	defer vu.MarkStopped()

	stopOnCancel := context.AfterFunc(ctx, vu.RequestStop)
	defer stopOnCancel()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-vu.Stopping():
			return
		default:
		}

		if err := vu.RunIteration(s.hardCtx); err != nil {
			if errors.Is(err, ErrVUStopped) || s.hardCtx.Err() != nil {
				return
			}
			s.logger.Debug("iteration ended with error", zap.Int("vu", vu.ID), zap.Error(err))
		}
	}
}

// Shutdown stops all VUs, waits up to gracePeriod for in-flight requests
// to finish, then cancels whatever is still running. It reports whether
// every VU stopped within the grace period.
func (s *VUScheduler) Shutdown(gracePeriod time.Duration) bool {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	clean := true
	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		clean = false
		s.logger.Warn("graceful stop expired, cancelling in-flight requests",
			zap.Duration("gracePeriod", gracePeriod),
			zap.Int("remaining", s.GetActiveVUCount()))
		s.hardCancel()
		<-done
	}

	s.hardCancel()
	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
	s.UpdateMetrics()
	return clean
}

// UpdateMetrics publishes the current VU count to the metrics engine.
func (s *VUScheduler) UpdateMetrics() {
	if s.metrics != nil {
		s.metrics.SetActiveVUs(s.GetActiveVUCount())
	}
}
