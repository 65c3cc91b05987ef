package executor_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/template"
)

// newTestServer answers 200 and counts requests.
func newTestServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestScheduler builds a two-task scenario against baseURL. maxVUs caps
// the scheduler's pool; zero is unlimited.
func newTestScheduler(t *testing.T, baseURL string, maxVUs int) (*performance.VUScheduler, *metrics.Engine) {
	t.Helper()

	tasks := []*performance.Task{
		{Name: "list", Weight: 3, Method: "GET", URL: template.MustCompile("list", "/products")},
		{Name: "health", Weight: 1, Method: "GET", URL: template.MustCompile("health", "/health")},
	}
	sc, err := performance.NewScenario("executor-test", baseURL, nil, performance.Between(5*time.Millisecond, 10*time.Millisecond), tasks)
	if err != nil {
		t.Fatal(err)
	}

	engine := metrics.NewEngine()
	t.Cleanup(engine.Stop)

	s := performance.NewVUScheduler(sc, engine, performance.DefaultHTTPClientConfig(), performance.SchedulerOptions{
		MaxVUs: maxVUs,
		Seed:   11,
	})
	return s, engine
}
