package metrics

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func outcome(task string, latency time.Duration, success bool, status int) Outcome {
	o := Outcome{
		Timestamp:  time.Now(),
		Task:       task,
		Latency:    latency,
		Success:    success,
		StatusCode: status,
		Bytes:      100,
	}
	if !success {
		o.Error = "status 500"
	}
	return o
}

func TestNewEngine(t *testing.T) {
	engine := NewEngine()
	if engine == nil {
		t.Fatal("NewEngine() returned nil")
	}
	defer engine.Stop()

	snapshot := engine.GetSnapshot()
	if snapshot.TotalRequests != 0 {
		t.Errorf("Initial TotalRequests = %d, want 0", snapshot.TotalRequests)
	}
	if snapshot.CurrentPhase != PhaseInit {
		t.Errorf("Initial phase = %v, want %v", snapshot.CurrentPhase, PhaseInit)
	}
}

func TestEngine_Record(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	engine.Record(outcome("list_products", 10*time.Millisecond, true, 200))
	engine.Record(outcome("list_products", 20*time.Millisecond, true, 200))
	engine.Record(outcome("create_product", 30*time.Millisecond, false, 500))

	snapshot := engine.GetSnapshot()

	if snapshot.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", snapshot.TotalRequests)
	}
	if snapshot.SuccessRequests != 2 {
		t.Errorf("SuccessRequests = %d, want 2", snapshot.SuccessRequests)
	}
	if snapshot.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", snapshot.FailedRequests)
	}
	if snapshot.TotalBytes != 300 {
		t.Errorf("TotalBytes = %d, want 300", snapshot.TotalBytes)
	}
	if snapshot.StatusCodes[200] != 2 || snapshot.StatusCodes[500] != 1 {
		t.Errorf("StatusCodes = %v", snapshot.StatusCodes)
	}

	list := snapshot.Tasks["list_products"]
	if list.Requests != 2 || list.Failures != 0 {
		t.Errorf("list_products stats = %+v", list)
	}
	create := snapshot.Tasks["create_product"]
	if create.Requests != 1 || create.Failures != 1 || create.ErrorRate != 1 {
		t.Errorf("create_product stats = %+v", create)
	}

	if len(snapshot.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1 entry", snapshot.Errors)
	}
	if snapshot.Errors[0].Task != "create_product" || snapshot.Errors[0].Occurrences != 1 {
		t.Errorf("Errors[0] = %+v", snapshot.Errors[0])
	}
}

func TestEngine_LatencyPercentiles(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	for i := 1; i <= 10; i++ {
		engine.Record(outcome("", time.Duration(i*10)*time.Millisecond, true, 200))
	}

	percentiles := engine.GetLatencyPercentiles()

	if percentiles.P50 < 40*time.Millisecond || percentiles.P50 > 60*time.Millisecond {
		t.Errorf("P50 = %v, want ~50ms", percentiles.P50)
	}
	if percentiles.P99 < 90*time.Millisecond || percentiles.P99 > 110*time.Millisecond {
		t.Errorf("P99 = %v, want ~100ms", percentiles.P99)
	}
	if percentiles.Min < 9*time.Millisecond || percentiles.Min > 11*time.Millisecond {
		t.Errorf("Min = %v, want ~10ms", percentiles.Min)
	}
	if percentiles.Max < 99*time.Millisecond || percentiles.Max > 101*time.Millisecond {
		t.Errorf("Max = %v, want ~100ms", percentiles.Max)
	}
}

func TestEngine_OutOfOrderTimestamps(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, offset := range []int{5, 1, 9, 3, 0, 7} {
		o := outcome("a", time.Millisecond, true, 200)
		o.Timestamp = base.Add(time.Duration(offset) * time.Second)
		engine.Record(o)
	}

	snapshot := engine.GetSnapshot()
	if !snapshot.FirstSample.Equal(base) {
		t.Errorf("FirstSample = %v, want %v", snapshot.FirstSample, base)
	}
	if want := base.Add(9 * time.Second); !snapshot.LastSample.Equal(want) {
		t.Errorf("LastSample = %v, want %v", snapshot.LastSample, want)
	}
	if snapshot.TotalRequests != 6 {
		t.Errorf("TotalRequests = %d, want 6", snapshot.TotalRequests)
	}
}

func TestEngine_ConcurrentWritersLoseNothing(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	const writers = 64
	const perWriter = 2000
	tasks := []string{"list_products", "get_product", "create_product", "health_check"}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(seed), 0))
			for i := 0; i < perWriter; i++ {
				task := tasks[rng.IntN(len(tasks))]
				ok := rng.IntN(10) != 0
				status := 200
				if !ok {
					status = 503
				}
				engine.Record(outcome(task, time.Duration(rng.IntN(5000))*time.Microsecond, ok, status))
			}
		}(int64(w))
	}

	// Readers race with writers.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				engine.GetSnapshot()
			}
		}
	}()

	wg.Wait()
	close(done)

	snapshot := engine.GetSnapshot()
	const want = writers * perWriter
	if snapshot.TotalRequests != want {
		t.Errorf("TotalRequests = %d, want %d", snapshot.TotalRequests, want)
	}
	if snapshot.Latency.Count != want {
		t.Errorf("histogram count = %d, want %d", snapshot.Latency.Count, want)
	}
	if snapshot.SuccessRequests+snapshot.FailedRequests != want {
		t.Errorf("success+failed = %d, want %d", snapshot.SuccessRequests+snapshot.FailedRequests, want)
	}

	var perTask, perStatus int64
	for _, ts := range snapshot.Tasks {
		perTask += ts.Requests
		if ts.Latency.Count != ts.Requests {
			t.Errorf("task %s: histogram count %d != requests %d", ts.Name, ts.Latency.Count, ts.Requests)
		}
	}
	for _, n := range snapshot.StatusCodes {
		perStatus += n
	}
	if perTask != want {
		t.Errorf("sum of task requests = %d, want %d", perTask, want)
	}
	if perStatus != want {
		t.Errorf("sum of status codes = %d, want %d", perStatus, want)
	}
}

func TestEngine_Phase(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	if engine.GetPhase() != PhaseInit {
		t.Errorf("Initial phase = %v, want %v", engine.GetPhase(), PhaseInit)
	}

	phases := []Phase{PhaseRampUp, PhaseSteady, PhaseRampDown, PhaseDone}
	for _, phase := range phases {
		engine.SetPhase(phase)
		if engine.GetPhase() != phase {
			t.Errorf("After SetPhase(%v), GetPhase() = %v", phase, engine.GetPhase())
		}
	}
	engine.SetPhase(PhaseDone)

	history := engine.GetPhaseHistory()
	if len(history) != len(phases) {
		t.Errorf("PhaseHistory length = %d, want %d", len(history), len(phases))
	}
}

func TestEngine_ActiveVUs(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	engine.SetActiveVUs(25)
	if got := engine.GetActiveVUs(); got != 25 {
		t.Errorf("GetActiveVUs() = %d, want 25", got)
	}
	if got := engine.GetSnapshot().ActiveVUs; got != 25 {
		t.Errorf("Snapshot.ActiveVUs = %d, want 25", got)
	}
}

func TestEngine_ReportersReceiveSnapshots(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BucketInterval = 20 * time.Millisecond
	engine := NewEngineWithConfig(cfg)

	var calls atomic.Int32
	var last atomic.Int64
	engine.AddReporter(ReporterFunc(func(s *Snapshot) error {
		calls.Add(1)
		last.Store(s.TotalRequests)
		return nil
	}))
	engine.AddReporter(ReporterFunc(func(*Snapshot) error {
		return errors.New("sink down")
	}))
	engine.AddReporter(nil)

	engine.Record(outcome("a", time.Millisecond, true, 200))
	time.Sleep(100 * time.Millisecond)

	if calls.Load() == 0 {
		t.Error("reporter was never called by the emitter")
	}

	engine.Record(outcome("a", time.Millisecond, true, 200))
	before := calls.Load()
	engine.Stop()
	engine.Stop()

	if calls.Load() <= before {
		t.Error("Stop() should push a final snapshot")
	}
	if last.Load() != 2 {
		t.Errorf("final snapshot TotalRequests = %d, want 2", last.Load())
	}
}

func TestEngine_TimeSeries(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BucketInterval = 20 * time.Millisecond
	engine := NewEngineWithConfig(cfg)

	engine.SetPhase(PhaseSteady)
	for i := 0; i < 10; i++ {
		engine.Record(outcome("a", time.Millisecond, true, 200))
	}
	time.Sleep(70 * time.Millisecond)
	engine.Stop()

	buckets := engine.GetTimeSeries()
	if len(buckets) < 2 {
		t.Fatalf("expected at least 2 buckets, got %d", len(buckets))
	}
	var interval int64
	for _, b := range buckets {
		interval += b.IntervalRequests
	}
	if interval != 10 {
		t.Errorf("sum of interval requests = %d, want 10", interval)
	}
	if buckets[len(buckets)-1].TotalRequests != 10 {
		t.Errorf("last bucket TotalRequests = %d, want 10", buckets[len(buckets)-1].TotalRequests)
	}
}

func TestEngine_Reset(t *testing.T) {
	engine := NewEngine()
	defer engine.Stop()

	engine.Record(outcome("a", time.Millisecond, false, 500))
	engine.SetPhase(PhaseSteady)
	engine.SetActiveVUs(3)
	engine.Reset()

	snapshot := engine.GetSnapshot()
	if snapshot.TotalRequests != 0 || len(snapshot.Tasks) != 0 || len(snapshot.Errors) != 0 {
		t.Errorf("Reset did not clear metrics: %+v", snapshot)
	}
	if snapshot.CurrentPhase != PhaseInit {
		t.Errorf("phase after Reset = %v", snapshot.CurrentPhase)
	}
}

func TestEngine_ResetWhileEmitting(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BucketInterval = time.Millisecond
	engine := NewEngineWithConfig(cfg)

	var snapshots atomic.Int32
	engine.AddReporter(ReporterFunc(func(s *Snapshot) error {
		snapshots.Add(1)
		return nil
	}))

	before := time.Now()
	for i := 0; i < 50; i++ {
		engine.Record(outcome("a", time.Millisecond, true, 200))
		engine.Reset()
		time.Sleep(200 * time.Microsecond)
	}
	engine.Stop()

	if snapshots.Load() == 0 {
		t.Error("emitter never published during resets")
	}
	if start := engine.GetSnapshot().StartTime; start.Before(before) {
		t.Errorf("StartTime %v predates the last Reset", start)
	}
}

func TestTopErrors_Limit(t *testing.T) {
	m := map[errorKey]int64{
		{task: "a", message: "x"}: 5,
		{task: "a", message: "y"}: 9,
		{task: "b", message: "x"}: 1,
	}
	got := topErrors(m, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Occurrences != 9 || got[1].Occurrences != 5 {
		t.Errorf("topErrors order = %+v", got)
	}
}
