// Package testserver is an in-memory product API used as a load test
// target. It serves the endpoints exercised by the built-in scenario and
// exposes its own request metrics for Prometheus.
package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultProducts is the number of products seeded at startup.
const DefaultProducts = 100

var (
	errInvalidName  = errors.New("invalid name")
	errInvalidPrice = errors.New("invalid price")
	errEmptyPatch   = errors.New("empty patch")
)

// Options configures the target server.
type Options struct {
	// Products is the number of seeded products. Negative seeds none.
	// Zero uses DefaultProducts.
	Products int

	// Latency is added to every product request.
	Latency time.Duration

	// ErrorRate is the fraction (0..1) of product requests answered with
	// an injected 500.
	ErrorRate float64

	// Seed makes error injection reproducible. Zero picks a random seed.
	Seed int64

	// Registry receives the server's metrics. Nil creates a private one.
	Registry *prometheus.Registry

	Logger *zap.Logger
}

// Server is the product API.
type Server struct {
	opts     Options
	store    *store
	metrics  *serverMetrics
	registry *prometheus.Registry
	logger   *zap.Logger
	handler  http.Handler

	rngMu sync.Mutex
	rng   *rand.Rand
}

type createRequest struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type patchRequest struct {
	Name  *string `json:"name,omitempty"`
	Price *int64  `json:"price,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server with seeded products.
func New(opts Options) *Server {
	products := opts.Products
	switch {
	case products == 0:
		products = DefaultProducts
	case products < 0:
		products = 0
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int64()
	}

	s := &Server{
		opts:     opts,
		store:    newStore(products),
		metrics:  newServerMetrics(registry),
		registry: registry,
		logger:   logger.With(zap.String("component", "testserver")),
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1))),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/products", s.metrics.instrument("/products", s.inject(s.products)))
	mux.HandleFunc("/products/{id}", s.metrics.instrument("/products/{id}", s.inject(s.productByID)))
	mux.HandleFunc("/health", s.health)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	s.handler = mux

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Len returns the number of stored products.
func (s *Server) Len() int {
	return s.store.len()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
// ready, if non-nil, receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	s.logger.Info("product API listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Int("products", s.store.len()),
		zap.Duration("latency", s.opts.Latency),
		zap.Float64("errorRate", s.opts.ErrorRate))
	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// inject applies the configured latency and error rate before next.
func (s *Server) inject(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Latency > 0 {
			t := time.NewTimer(s.opts.Latency)
			select {
			case <-t.C:
			case <-r.Context().Done():
				t.Stop()
				return
			}
		}
		if s.opts.ErrorRate > 0 && s.fail() {
			writeJSONError(w, "injected failure", http.StatusInternalServerError)
			return
		}
		next(w, r)
	}
}

func (s *Server) fail() bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.opts.ErrorRate
}

func (s *Server) products(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.list())
	case http.MethodPost:
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := validateProduct(req.Name, req.Price); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, s.store.create(req.Name, req.Price))
	default:
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) productByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.get(id)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodPut:
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := validateProduct(req.Name, req.Price); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeUpdate(w, id, func(p *Product) {
			p.Name = req.Name
			p.Price = req.Price
		})

	case http.MethodPatch:
		var req patchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := validatePatch(req); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeUpdate(w, id, func(p *Product) {
			if req.Name != nil {
				p.Name = *req.Name
			}
			if req.Price != nil {
				p.Price = *req.Price
			}
		})

	case http.MethodDelete:
		if err := s.store.delete(id); err != nil {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeUpdate(w http.ResponseWriter, id string, fn func(*Product)) {
	p, err := s.store.update(id, fn)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func validateProduct(name string, price int64) error {
	if strings.TrimSpace(name) == "" {
		return errInvalidName
	}
	if price <= 0 {
		return errInvalidPrice
	}
	return nil
}

func validatePatch(req patchRequest) error {
	if req.Name == nil && req.Price == nil {
		return errEmptyPatch
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return errInvalidName
	}
	if req.Price != nil && *req.Price <= 0 {
		return errInvalidPrice
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}
