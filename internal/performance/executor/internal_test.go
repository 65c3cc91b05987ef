package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/template"
)

func TestRampingVUs_CalculateTargetVUs(t *testing.T) {
	e := &RampingVUs{config: &Config{
		Type: TypeRampingVUs,
		Stages: []Stage{
			{Duration: 10 * time.Second, Target: 10},
			{Duration: 10 * time.Second, Target: 10},
			{Duration: 10 * time.Second, Target: 0},
		},
	}}

	tests := []struct {
		elapsed time.Duration
		want    int
		stage   int32
	}{
		{0, 0, 0},
		{time.Second, 1, 0},
		{5 * time.Second, 5, 0},
		{9500 * time.Millisecond, 10, 0},
		{10 * time.Second, 10, 1},
		{15 * time.Second, 10, 1},
		{20 * time.Second, 10, 2},
		{25 * time.Second, 5, 2},
		{29 * time.Second, 1, 2},
		{time.Hour, 0, 2},
	}

	for _, tt := range tests {
		if got := e.calculateTargetVUs(tt.elapsed); got != tt.want {
			t.Errorf("calculateTargetVUs(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
		if got := e.currentStage.Load(); got != tt.stage {
			t.Errorf("stage at %v = %d, want %d", tt.elapsed, got, tt.stage)
		}
	}
}

func TestNewSpawnLimiter(t *testing.T) {
	unpaced := newSpawnLimiter(0)
	if unpaced.Limit() != rate.Inf {
		t.Errorf("Limit() = %v, want Inf", unpaced.Limit())
	}
	for i := 0; i < 1000; i++ {
		if !unpaced.Allow() {
			t.Fatal("unpaced limiter should always allow")
		}
	}

	paced := newSpawnLimiter(2.5)
	if paced.Limit() != rate.Limit(2.5) || paced.Burst() != 3 {
		t.Errorf("limiter = %v/%d, want 2.5/3", paced.Limit(), paced.Burst())
	}
	allowed := 0
	for i := 0; i < 10; i++ {
		if paced.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d immediate spawns, want burst of 3", allowed)
	}
}

func TestRetryConfig_WithDefaults(t *testing.T) {
	got := RetryConfig{MaxTries: 7}.withDefaults()
	def := DefaultRetryConfig()
	if got.MaxTries != 7 || got.InitialInterval != def.InitialInterval || got.MaxInterval != def.MaxInterval {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestConfig_GracefulStopDefault(t *testing.T) {
	if (&Config{}).gracefulStop() != DefaultGracefulStop {
		t.Error("zero gracefulStop should use the default")
	}
	if (&Config{GracefulStop: time.Second}).gracefulStop() != time.Second {
		t.Error("explicit gracefulStop ignored")
	}
}

func newIterationTestController(t *testing.T) *controller {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	tasks := []*performance.Task{
		{Name: "health", Weight: 1, Method: "GET", URL: template.MustCompile("health", "/health")},
	}
	sc, err := performance.NewScenario("iterations", server.URL, nil, performance.Between(time.Millisecond, 2*time.Millisecond), tasks)
	if err != nil {
		t.Fatal(err)
	}
	engine := metrics.NewEngine()
	t.Cleanup(engine.Stop)

	scheduler := performance.NewVUScheduler(sc, engine, performance.DefaultHTTPClientConfig(), performance.SchedulerOptions{Seed: 5})
	return newController(scheduler, engine, &Config{Name: "iterations"})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wantedVUs(c *controller) []*performance.VirtualUser {
	c.vusMu.Lock()
	defer c.vusMu.Unlock()
	return append([]*performance.VirtualUser(nil), c.vus...)
}

func sumIterations(vus []*performance.VirtualUser) int64 {
	var n int64
	for _, vu := range vus {
		n += vu.GetIteration()
	}
	return n
}

func TestController_IterationsCountedOnceAfterExit(t *testing.T) {
	c := newIterationTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.adjust(ctx, 3)
	vus := wantedVUs(c)
	if len(vus) != 3 {
		t.Fatalf("spawned %d VUs, want 3", len(vus))
	}
	waitFor(t, "iterations", func() bool { return c.iterations() >= 6 })

	// Exited users must not be counted both as exited and as running.
	cancel()
	waitFor(t, "VUs to exit", func() bool { return c.activeVUs() == 0 })

	if got, want := c.iterations(), sumIterations(vus); got != want {
		t.Errorf("iterations() = %d after exit, want %d", got, want)
	}
	if c.size() != 0 {
		t.Errorf("size() = %d after exit, want 0", c.size())
	}
}

func TestController_IterationsIncludeStoppingUsers(t *testing.T) {
	c := newIterationTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.adjust(ctx, 3)
	vus := wantedVUs(c)
	waitFor(t, "iterations", func() bool { return c.iterations() >= 6 })

	before := sumIterations(vus)
	c.adjust(ctx, 1)
	if got := c.iterations(); got < before {
		t.Errorf("iterations() = %d after ramp-down, want >= %d", got, before)
	}

	waitFor(t, "stopped VUs to exit", func() bool { return c.activeVUs() == 1 })
	if got, want := c.iterations(), sumIterations(vus); got > want {
		t.Errorf("iterations() = %d, want <= %d", got, want)
	}
	c.shutdown(time.Second)
}
