package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/config"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	switch executorType {
	case TypeConstantVUs:
		return NewConstantVUs(), nil
	case TypeRampingVUs:
		return NewRampingVUs(), nil
	default:
		return nil, unknownExecutorError(string(executorType))
	}
}

func unknownExecutorError(executorType string) error {
	names := make([]string, 0, 2)
	for _, t := range GetSupportedExecutors() {
		names = append(names, string(t))
	}
	return fmt.Errorf("unknown executor type %q (supported: %s)", executorType, strings.Join(names, ", "))
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// CreateExecutorFromScenarioConfig creates and initializes an executor from
// a scenario config, converting its duration strings and stages.
func CreateExecutorFromScenarioConfig(ctx context.Context, name string, sc *config.ScenarioConfig, logger *zap.Logger) (Executor, *Config, error) {
	execConfig, err := ConvertScenarioConfig(name, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert scenario config: %w", err)
	}
	execConfig.Logger = logger

	exec, err := CreateAndInitExecutor(ctx, execConfig)
	if err != nil {
		return nil, nil, err
	}

	return exec, execConfig, nil
}

// ConvertScenarioConfig converts a config.ScenarioConfig to a Config.
func ConvertScenarioConfig(name string, sc *config.ScenarioConfig) (*Config, error) {
	if !IsValidExecutorType(sc.Executor) {
		return nil, unknownExecutorError(sc.Executor)
	}
	cfg := &Config{
		Name:      name,
		Type:      Type(sc.Executor),
		VUs:       sc.VUs,
		SpawnRate: sc.SpawnRate,
		MaxVUs:    sc.MaxVUs,
	}

	if sc.Duration != "" {
		dur, err := config.ParseDurationString(sc.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		cfg.Duration = dur
	}

	if sc.GracefulStop != "" {
		dur, err := config.ParseDurationString(sc.GracefulStop)
		if err != nil {
			return nil, fmt.Errorf("invalid gracefulStop: %w", err)
		}
		cfg.GracefulStop = dur
	}

	for _, stage := range sc.Stages {
		stageDur, err := config.ParseDurationString(stage.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid stage duration: %w", err)
		}
		cfg.Stages = append(cfg.Stages, Stage{
			Duration: stageDur,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}

	return cfg, nil
}

// IsValidExecutorType returns true if the type is a valid executor type.
func IsValidExecutorType(executorType string) bool {
	switch Type(executorType) {
	case TypeConstantVUs, TypeRampingVUs:
		return true
	default:
		return false
	}
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{TypeConstantVUs, TypeRampingVUs}
}

// CalculateMaxVUs returns the largest number of VUs the config may run:
// the VU count or the highest stage target, bounded by MaxVUs.
func CalculateMaxVUs(cfg *Config) int {
	n := cfg.VUs
	if cfg.Type == TypeRampingVUs {
		n = 0
		for _, stage := range cfg.Stages {
			n = max(n, stage.Target)
		}
	}
	if cfg.MaxVUs > 0 {
		n = min(n, cfg.MaxVUs)
	}
	return n
}
