package performance_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/check"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/template"
)

// outcomeRecorder collects outcomes for assertions.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (r *outcomeRecorder) Record(o metrics.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *outcomeRecorder) all() []metrics.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.Outcome(nil), r.outcomes...)
}

func newTask(name, method, url string) *performance.Task {
	return &performance.Task{
		Name:   name,
		Weight: 1,
		Method: method,
		URL:    template.MustCompile(name, url),
	}
}

func newScenario(t *testing.T, baseURL string, wait performance.WaitTime, tasks ...*performance.Task) *performance.Scenario {
	t.Helper()
	sc, err := performance.NewScenario("test-scenario", baseURL, map[string]string{"token": "abc"}, wait, tasks)
	if err != nil {
		t.Fatalf("NewScenario() error = %v", err)
	}
	return sc
}

func newVU(sc *performance.Scenario, rec performance.Recorder) *performance.VirtualUser {
	return performance.NewVirtualUser(1, sc, &http.Client{Timeout: 5 * time.Second}, rec, 42)
}

func TestNewVirtualUser(t *testing.T) {
	sc := newScenario(t, "http://localhost", performance.WaitTime{}, newTask("a", "GET", "/"))
	vu := newVU(sc, &outcomeRecorder{})

	if vu.ID != 1 {
		t.Errorf("VU ID = %d, want 1", vu.ID)
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("Initial VU state = %v, want %v", vu.GetState(), performance.VUStateIdle)
	}
	if vu.GetIteration() != 0 {
		t.Errorf("Initial iteration = %d, want 0", vu.GetIteration())
	}
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state performance.VUState
		want  string
	}{
		{performance.VUStateIdle, "idle"},
		{performance.VUStateRunning, "running"},
		{performance.VUStateStopping, "stopping"},
		{performance.VUStateStopped, "stopped"},
		{performance.VUState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestVirtualUser_RunIteration_RecordsOutcome(t *testing.T) {
	var mu sync.Mutex
	var gotBody, gotContentType, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"7"}`))
	}))
	defer server.Close()

	task := newTask("create_product", "POST", "/products")
	task.Body = template.MustCompile("body", `{"id": {{randInt 1 100}}, "name": "Test", "price": 499}`)
	task.Headers = map[string]*template.Template{
		"Authorization": template.MustCompile("auth", "Bearer {{token}}"),
	}
	task.Extract = []performance.Extraction{{Name: "productId", Source: "body", Path: "$.id"}}

	rec := &outcomeRecorder{}
	vu := newVU(newScenario(t, server.URL, performance.WaitTime{}, task), rec)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	outcomes := rec.all()
	if len(outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
	}
	o := outcomes[0]
	if !o.Success || o.StatusCode != http.StatusCreated || o.Task != "create_product" || o.VUID != 1 {
		t.Errorf("outcome = %+v", o)
	}
	if o.Latency <= 0 || o.Bytes != int64(len(`{"id":"7"}`)) {
		t.Errorf("outcome latency/bytes = %v/%d", o.Latency, o.Bytes)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(gotBody, `{"id": `) || strings.Contains(gotBody, "{{") {
		t.Errorf("request body = %q", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if v, ok := vu.GetData("productId"); !ok || v != "7" {
		t.Errorf("extracted productId = %v, %v", v, ok)
	}
	if vu.GetIteration() != 1 {
		t.Errorf("iteration = %d, want 1", vu.GetIteration())
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("state after iteration = %v", vu.GetState())
	}
}

func TestVirtualUser_FailuresAreRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		case "/invalid":
			w.Write([]byte(`{"id": 1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	schema, err := check.CompileSchema("product", `{"type":"object","required":["name"]}`)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		task      func() *performance.Task
		wantError string
	}{
		{
			name:      "server error",
			task:      func() *performance.Task { return newTask("t", "GET", "/error") },
			wantError: "unexpected status 500",
		},
		{
			name: "schema violation",
			task: func() *performance.Task {
				task := newTask("t", "GET", "/invalid")
				task.Schema = schema
				return task
			},
			wantError: "schema product",
		},
		{
			name: "missing variable",
			task: func() *performance.Task {
				return newTask("t", "GET", "/products/{{nope}}")
			},
			wantError: "build request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &outcomeRecorder{}
			vu := newVU(newScenario(t, server.URL, performance.WaitTime{}, tt.task()), rec)

			if err := vu.RunIteration(context.Background()); err != nil {
				t.Fatalf("RunIteration() error = %v, request failures must not be returned", err)
			}
			outcomes := rec.all()
			if len(outcomes) != 1 {
				t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
			}
			if outcomes[0].Success {
				t.Error("outcome should be a failure")
			}
			if !strings.Contains(outcomes[0].Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", outcomes[0].Error, tt.wantError)
			}
		})
	}
}

func TestVirtualUser_ExpectStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	task := newTask("missing", "GET", "/products/0")
	task.ExpectStatus = []int{404}

	rec := &outcomeRecorder{}
	vu := newVU(newScenario(t, server.URL, performance.WaitTime{}, task), rec)
	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o := rec.all()[0]; !o.Success {
		t.Errorf("404 listed in ExpectStatus should succeed: %+v", o)
	}
}

func TestVirtualUser_ConnectionErrorDoesNotLeakURL(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := &outcomeRecorder{}
	vu := newVU(newScenario(t, url, performance.WaitTime{}, newTask("get_product", "GET", "/products/{{randInt 1 100}}")), rec)

	for i := 0; i < 3; i++ {
		if err := vu.RunIteration(context.Background()); err != nil {
			t.Fatalf("RunIteration() error = %v", err)
		}
	}

	outcomes := rec.all()
	if len(outcomes) != 3 {
		t.Fatalf("recorded %d outcomes, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Success {
			t.Error("connection failure recorded as success")
		}
		if strings.Contains(o.Error, "/products/") {
			t.Errorf("error message contains request URL: %q", o.Error)
		}
	}
}

func TestVirtualUser_TaskTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	task := newTask("slow", "GET", "/")
	task.Timeout = 50 * time.Millisecond

	rec := &outcomeRecorder{}
	vu := newVU(newScenario(t, server.URL, performance.WaitTime{}, task), rec)
	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o := rec.all()[0]; o.Success || o.Error != "timeout" {
		t.Errorf("outcome = %+v, want timeout failure", o)
	}
}

func TestVirtualUser_StopInterruptsWait(t *testing.T) {
	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer server.Close()

	rec := &outcomeRecorder{}
	sc := newScenario(t, server.URL, performance.Between(time.Hour, time.Hour), newTask("a", "GET", "/"))
	vu := newVU(sc, rec)

	done := make(chan error, 1)
	go func() { done <- vu.RunIteration(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	vu.RequestStop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunIteration() after stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestStop did not interrupt the wait")
	}

	if err := vu.RunIteration(context.Background()); !errors.Is(err, performance.ErrVUStopped) {
		t.Errorf("RunIteration() on stopped VU = %v, want ErrVUStopped", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 0 || len(rec.all()) != 0 {
		t.Errorf("stopped VU issued %d requests", hits)
	}
}

func TestVirtualUser_ContextCancelDuringWait(t *testing.T) {
	sc := newScenario(t, "http://localhost", performance.Between(time.Hour, time.Hour), newTask("a", "GET", "/"))
	vu := newVU(sc, &outcomeRecorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := vu.RunIteration(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunIteration() = %v, want DeadlineExceeded", err)
	}
}

func TestVirtualUser_Lifecycle(t *testing.T) {
	sc := newScenario(t, "http://localhost", performance.WaitTime{}, newTask("a", "GET", "/"))
	vu := newVU(sc, nil)

	vu.RequestStop()
	if vu.GetState() != performance.VUStateStopping {
		t.Errorf("state after RequestStop = %v", vu.GetState())
	}
	vu.RequestStop()

	if vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop should time out before MarkStopped")
	}

	vu.MarkStopped()
	vu.MarkStopped()
	if !vu.WaitForStop(time.Second) {
		t.Error("WaitForStop should return true after MarkStopped")
	}
	if vu.GetState() != performance.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
}

func TestVirtualUser_Data(t *testing.T) {
	sc := newScenario(t, "http://localhost", performance.WaitTime{}, newTask("a", "GET", "/"))
	vu := newVU(sc, nil)

	vu.SetData("key", "value")
	if v, ok := vu.GetData("key"); !ok || v != "value" {
		t.Errorf("GetData() = %v, %v", v, ok)
	}
	vu.ClearData("key")
	if _, ok := vu.GetData("key"); ok {
		t.Error("ClearData() did not remove key")
	}
}
