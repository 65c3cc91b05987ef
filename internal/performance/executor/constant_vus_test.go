package executor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

func TestConstantVUs_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  *executor.Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: &executor.Config{Type: executor.TypeConstantVUs, VUs: 10, Duration: time.Minute},
		},
		{
			name:    "wrong type",
			config:  &executor.Config{Type: executor.TypeRampingVUs, VUs: 10, Duration: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero vus",
			config:  &executor.Config{Type: executor.TypeConstantVUs, Duration: time.Minute},
			wantErr: true,
		},
		{
			name:    "negative vus",
			config:  &executor.Config{Type: executor.TypeConstantVUs, VUs: -5, Duration: time.Minute},
			wantErr: true,
		},
		{
			name:    "zero duration",
			config:  &executor.Config{Type: executor.TypeConstantVUs, VUs: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.NewConstantVUs().Init(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConstantVUs_RunWithoutInit(t *testing.T) {
	s, engine := newTestScheduler(t, "http://localhost", 0)
	if err := executor.NewConstantVUs().Run(context.Background(), s, engine); err == nil {
		t.Error("Run() before Init() should fail")
	}
}

func TestConstantVUs_BeforeRun(t *testing.T) {
	e := executor.NewConstantVUs()
	if e.GetProgress() != 0 {
		t.Errorf("GetProgress() = %v, want 0", e.GetProgress())
	}
	if e.GetActiveVUs() != 0 {
		t.Errorf("GetActiveVUs() = %v, want 0", e.GetActiveVUs())
	}
	if stats := e.GetStats(); stats == nil || stats.Iterations != 0 {
		t.Errorf("GetStats() = %+v", stats)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Run() error = %v", err)
	}
}

func TestConstantVUs_Run(t *testing.T) {
	var hits atomic.Int64
	server := newTestServer(t, &hits)
	s, engine := newTestScheduler(t, server.URL, 0)

	e := executor.NewConstantVUs()
	cfg := &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          4,
		Duration:     500 * time.Millisecond,
		GracefulStop: 2 * time.Second,
	}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	var peak atomic.Int64
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := int64(s.GetActiveVUCount()); n > peak.Load() {
					peak.Store(n)
				}
			case <-stop:
				return
			}
		}
	}()

	start := time.Now()
	if err := e.Run(context.Background(), s, engine); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	close(stop)
	<-done
	elapsed := time.Since(start)

	if elapsed < 500*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Run() took %v, want about 500ms", elapsed)
	}

	stats := e.GetStats()
	if stats.SpawnedVUs != 4 {
		t.Errorf("SpawnedVUs = %d, want 4", stats.SpawnedVUs)
	}
	if stats.SpawnFailures != 0 {
		t.Errorf("SpawnFailures = %d, want 0", stats.SpawnFailures)
	}
	if stats.Iterations == 0 {
		t.Error("no iterations ran")
	}
	if peak.Load() > 4 {
		t.Errorf("peak active VUs = %d, want <= 4", peak.Load())
	}
	if e.GetActiveVUs() != 0 || s.GetActiveVUCount() != 0 {
		t.Errorf("VUs still active after Run(): %d / %d", e.GetActiveVUs(), s.GetActiveVUCount())
	}
	if e.GetProgress() != 1.0 {
		t.Errorf("GetProgress() after Run() = %v, want 1", e.GetProgress())
	}

	snapshot := engine.GetSnapshot()
	if snapshot.TotalRequests != hits.Load() {
		t.Errorf("recorded %d requests, server saw %d", snapshot.TotalRequests, hits.Load())
	}
	if stats.Iterations != snapshot.TotalRequests {
		t.Errorf("Iterations = %d, recorded requests = %d", stats.Iterations, snapshot.TotalRequests)
	}
	if engine.GetPhase() != metrics.PhaseDone {
		t.Errorf("phase = %s, want done", engine.GetPhase())
	}
}

func TestConstantVUs_SpawnRateLimitsRampUp(t *testing.T) {
	server := newTestServer(t, nil)
	s, engine := newTestScheduler(t, server.URL, 0)

	e := executor.NewConstantVUs()
	cfg := &executor.Config{
		Type:      executor.TypeConstantVUs,
		VUs:       20,
		SpawnRate: 10,
		Duration:  time.Second,
	}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background(), s, engine) }()

	time.Sleep(250 * time.Millisecond)
	early := e.GetStats().SpawnedVUs

	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	final := e.GetStats().SpawnedVUs

	// A burst of 10, then one user per 100ms.
	if early < 10 || early > 14 {
		t.Errorf("spawned %d users after 250ms, want 10..14", early)
	}
	if final < 18 || final > 20 {
		t.Errorf("spawned %d users in total, want about 20", final)
	}
}

func TestConstantVUs_SpawnFailuresDoNotAbort(t *testing.T) {
	var hits atomic.Int64
	server := newTestServer(t, &hits)
	s, engine := newTestScheduler(t, server.URL, 3)

	e := executor.NewConstantVUs()
	cfg := &executor.Config{
		Type:     executor.TypeConstantVUs,
		VUs:      5,
		Duration: 400 * time.Millisecond,
		Retry: executor.RetryConfig{
			MaxTries:        2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	if err := e.Run(context.Background(), s, engine); err != nil {
		t.Fatalf("Run() error = %v, spawn failures must not abort the run", err)
	}

	stats := e.GetStats()
	if stats.SpawnedVUs != 3 {
		t.Errorf("SpawnedVUs = %d, want 3 (scheduler cap)", stats.SpawnedVUs)
	}
	if stats.SpawnFailures == 0 {
		t.Error("SpawnFailures = 0, want failures counted")
	}
	if stats.SpawnRetries < stats.SpawnFailures {
		t.Errorf("SpawnRetries = %d, want at least one retry per failure (%d)", stats.SpawnRetries, stats.SpawnFailures)
	}
	if hits.Load() == 0 {
		t.Error("spawned users issued no requests")
	}
}

func TestConstantVUs_Stop(t *testing.T) {
	server := newTestServer(t, nil)
	s, engine := newTestScheduler(t, server.URL, 0)

	e := executor.NewConstantVUs()
	cfg := &executor.Config{Type: executor.TypeConstantVUs, VUs: 2, Duration: time.Minute}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background(), s, engine) }()

	time.Sleep(100 * time.Millisecond)
	if p := e.GetProgress(); p <= 0 || p >= 1 {
		t.Errorf("GetProgress() during run = %v", p)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
}

func TestConstantVUs_ContextCancellation(t *testing.T) {
	server := newTestServer(t, nil)
	s, engine := newTestScheduler(t, server.URL, 0)

	e := executor.NewConstantVUs()
	cfg := &executor.Config{Type: executor.TypeConstantVUs, VUs: 2, Duration: time.Minute}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := e.Run(ctx, s, engine); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v after cancellation", elapsed)
	}
}
