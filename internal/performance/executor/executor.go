// Package executor provides the rate/concurrency controllers that move the
// number of running virtual users toward a target over time.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs spawns a fixed number of VUs and holds them for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"
)

// DefaultGracefulStop is how long in-flight requests may run after the
// executor's duration ends.
const DefaultGracefulStop = 30 * time.Second

// tickInterval is how often the controller re-evaluates its target.
const tickInterval = 100 * time.Millisecond

// Executor defines the interface for load generation strategies.
//
// Both executors are closed-model: they control how many virtual users
// exist, and each user paces itself with its scenario's wait time.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init validates and stores the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run drives the VU count until the configured duration ends or ctx
	// is cancelled, then shuts the scheduler down. Spawn failures are
	// counted in Stats and never end the run.
	Run(ctx context.Context, scheduler *performance.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the name of this executor instance
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// VUs is the user count for constant-vus.
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration for constant-vus. Ramping executors derive it from stages.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// SpawnRate caps users started or stopped per second. Zero means
	// the controller moves to its target immediately.
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// MaxVUs caps live users. Zero means unlimited.
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages (for ramping executors)
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// GracefulStop bounds how long in-flight requests may run after the
	// end of the test before being cancelled.
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Retry controls spawn retries. Zero fields take DefaultRetryConfig.
	Retry RetryConfig `json:"-" yaml:"-"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RetryConfig controls the exponential backoff applied to failed spawns.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the spawn retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (r RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if r.MaxTries == 0 {
		r.MaxTries = def.MaxTries
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = def.InitialInterval
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = def.MaxInterval
	}
	return r
}

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	Iterations int64 `json:"iterations"`

	// Spawn bookkeeping
	SpawnedVUs    int64 `json:"spawnedVUs"`
	SpawnRetries  int64 `json:"spawnRetries"`
	SpawnFailures int64 `json:"spawnFailures"`

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.SpawnRate < 0 {
		return &ValidationError{Field: "spawnRate", Message: "spawnRate must be >= 0"}
	}
	if c.MaxVUs < 0 {
		return &ValidationError{Field: "maxVUs", Message: "maxVUs must be >= 0"}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		for _, s := range c.Stages {
			if s.Duration <= 0 {
				return &ValidationError{Field: "stages", Message: "stage duration must be > 0"}
			}
			if s.Target < 0 {
				return &ValidationError{Field: "stages", Message: "stage target must be >= 0"}
			}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	return nil
}

// TotalDuration calculates the total duration for this executor.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs:
		return c.Duration

	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total

	default:
		return 0
	}
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop > 0 {
		return c.GracefulStop
	}
	return DefaultGracefulStop
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
