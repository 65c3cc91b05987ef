package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/output"
	"github.com/wesleyorama2/stampede/internal/performance/sink"
)

// DefaultHost is the target of the built-in scenario when no host is set.
const DefaultHost = "http://localhost:8080"

func newRunCmd(global *pflag.FlagSet) *cobra.Command {
	var v *viper.Viper
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run a load test from a configuration file, or the built-in product API
scenario when --config is omitted.

Flags override every scenario in the configuration:
  stampede run --config test.yaml --host https://staging.example.com
  stampede run --users 50 --spawn-rate 10 --duration 5m
  stampede run --stages "30s:10,2m:10,30s:0"

Environment variables STAMPEDE_HOST, STAMPEDE_USERS, STAMPEDE_SPAWN_RATE,
STAMPEDE_DURATION and STAMPEDE_STAGES are read when the flag is not given.

The command exits with status 1 when a threshold fails or the run errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, v)
		},
	}

	cmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	cmd.Flags().String("host", "", "Base URL of the system under test (default "+DefaultHost+" for the built-in scenario)")
	cmd.Flags().IntP("users", "u", 0, "Number of concurrent virtual users")
	cmd.Flags().Float64P("spawn-rate", "r", 0, "Users started or stopped per second (0 starts all at once)")
	cmd.Flags().StringP("duration", "d", "", "Test duration, e.g. 30s or 5m")
	cmd.Flags().String("stages", "", "Ramping stages as 'duration:target,...', e.g. '30s:10,1m:10,30s:0'")
	cmd.Flags().Bool("json", false, "Print the final result as JSON on stdout")
	cmd.Flags().StringP("output", "o", "", "Write a JSON line per metrics interval to this file")
	cmd.Flags().String("prometheus-listen", "", "Serve live metrics for Prometheus on this address, e.g. :9464")
	cmd.Flags().BoolP("quiet", "q", false, "Disable live progress output, show only pass or fail")
	cmd.Flags().Duration("interval", time.Second, "Metrics aggregation interval")
	v = newViper(global, cmd.Flags())

	return cmd
}

// runLoadTest runs the configured test and reports the result.
func runLoadTest(cmd *cobra.Command, v *viper.Viper) error {
	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadRunConfig(v)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	jsonOutput := v.GetBool("json")

	// Live output goes to stderr when stdout carries the JSON result.
	consoleWriter := cmd.OutOrStdout()
	if jsonOutput {
		consoleWriter = cmd.ErrOrStderr()
	}
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		ExecutorType:  displayExecutor(cfg),
		TotalDuration: totalDuration(cfg),
		Writer:        consoleWriter,
		Quiet:         v.GetBool("quiet"),
	})
	reporters := []metrics.Reporter{console}

	if path := v.GetString("output"); path != "" {
		jsonl, err := sink.CreateJSONL(path, runID)
		if err != nil {
			return err
		}
		defer jsonl.Close()
		reporters = append(reporters, jsonl)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := v.GetString("prometheus-listen"); addr != "" {
		prom := sink.NewPrometheus(prometheus.Labels{"run_id": runID})
		shutdown, err := servePrometheus(ctx, addr, prom, logger, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer shutdown()
		reporters = append(reporters, prom)
	}

	eng, err := engine.NewEngine(cfg, engine.Options{
		Logger:         logger,
		Reporters:      reporters,
		BucketInterval: v.GetDuration("interval"),
		RunID:          runID,
	})
	if err != nil {
		return err
	}
	console.SetSource(eng)

	console.PrintHeader()
	result, runErr := eng.Run(ctx)
	if result == nil {
		return runErr
	}

	console.PrintSummary(result)
	if jsonOutput {
		if err := writeJSONResult(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}

	if runErr != nil {
		logger.Error("load test errored", zap.String("runId", runID), zap.Error(runErr))
		return errFailed
	}
	if !result.Passed {
		return errFailed
	}
	return nil
}

// loadRunConfig loads the configuration file, or the built-in scenario,
// and applies flag and environment overrides.
func loadRunConfig(v *viper.Viper) (*config.TestConfig, error) {
	var cfg *config.TestConfig
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.ProductAPIConfig(DefaultHost)
	}

	o := overrides{
		host:     v.GetString("host"),
		duration: v.GetString("duration"),
		stages:   v.GetString("stages"),
	}
	if v.IsSet("users") {
		o.users = v.GetInt("users")
		o.usersSet = true
	}
	if v.IsSet("spawn-rate") {
		o.spawnRate = v.GetFloat64("spawn-rate")
		o.spawnRateSet = true
	}

	if err := o.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrides are the command-line adjustments applied to every scenario.
type overrides struct {
	host         string
	users        int
	usersSet     bool
	spawnRate    float64
	spawnRateSet bool
	duration     string
	stages       string
}

func (o overrides) apply(cfg *config.TestConfig) error {
	if o.stages != "" && (o.usersSet || o.duration != "") {
		return errors.New("--stages cannot be combined with --users or --duration")
	}
	if o.usersSet && o.users <= 0 {
		return fmt.Errorf("--users must be greater than 0, got %d", o.users)
	}
	if o.spawnRateSet && o.spawnRate < 0 {
		return fmt.Errorf("--spawn-rate cannot be negative, got %g", o.spawnRate)
	}
	if o.duration != "" {
		if _, err := config.ParseDurationString(o.duration); err != nil {
			return fmt.Errorf("invalid --duration: %w", err)
		}
	}

	var stages []config.StageConfig
	if o.stages != "" {
		parsed, err := parseStages(o.stages)
		if err != nil {
			return fmt.Errorf("invalid --stages: %w", err)
		}
		stages = parsed
	}

	if o.host != "" {
		cfg.Settings.BaseURL = o.host
	}

	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if o.spawnRateSet {
			sc.SpawnRate = o.spawnRate
		}

		switch {
		case stages != nil:
			sc.Executor = "ramping-vus"
			sc.Stages = slices.Clone(stages)
			sc.Duration = ""
			sc.VUs = 0
		case o.usersSet || o.duration != "":
			// A fixed user count or length turns a ramp into a constant run
			// lasting the ramp's total length unless a duration is given.
			if sc.Executor == "ramping-vus" {
				if o.duration == "" {
					d, err := config.ParseScenarioDuration(sc)
					if err != nil {
						return err
					}
					sc.Duration = d.String()
				}
				if !o.usersSet {
					sc.VUs = peakTarget(sc.Stages)
				}
				sc.Executor = "constant-vus"
				sc.Stages = nil
			}
			if o.usersSet {
				sc.VUs = o.users
			}
			if o.duration != "" {
				sc.Duration = o.duration
			}
		}
	}
	return nil
}

func peakTarget(stages []config.StageConfig) int {
	peak := 0
	for _, s := range stages {
		peak = max(peak, s.Target)
	}
	return peak
}

// parseStages parses stages from the CLI format "30s:10,2m:10,30s:0".
// Bare numbers are seconds, as in configuration files.
func parseStages(stagesStr string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	for i, part := range strings.Split(stagesStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := strings.TrimSpace(part[:colonIdx])
		targetStr := strings.TrimSpace(part[colonIdx+1:])

		if _, err := config.ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}
		if target < 0 {
			return nil, fmt.Errorf("stage %d: target cannot be negative", i+1)
		}

		stages = append(stages, config.StageConfig{
			Duration: durationStr,
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", len(stages)+1),
		})
	}

	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	return stages, nil
}

// totalDuration is the length of the longest scenario. Scenarios run
// sequentially add up instead.
func totalDuration(cfg *config.TestConfig) time.Duration {
	var longest, sum time.Duration
	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		d, err := config.ParseScenarioDuration(sc)
		if err != nil {
			continue
		}
		longest = max(longest, d)
		sum += d
	}
	if cfg.Options != nil && cfg.Options.Sequential {
		return sum
	}
	return longest
}

// displayExecutor names the executor for the console header; mixed
// executors are shown as a scenario count.
func displayExecutor(cfg *config.TestConfig) string {
	executors := make(map[string]bool)
	for _, sc := range cfg.Scenarios {
		if sc != nil {
			executors[sc.Executor] = true
		}
	}
	switch len(executors) {
	case 0:
		return ""
	case 1:
		return slices.Collect(maps.Keys(executors))[0]
	default:
		return fmt.Sprintf("%d scenarios", len(cfg.Scenarios))
	}
}

// writeJSONResult writes the test result as indented JSON.
func writeJSONResult(w io.Writer, result *engine.TestResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// servePrometheus serves the sink on addr until ctx is done or the
// returned shutdown is called.
func servePrometheus(ctx context.Context, addr string, prom *sink.Prometheus, logger *zap.Logger, w io.Writer) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for Prometheus: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus endpoint stopped", zap.Error(err))
		}
	}()
	fmt.Fprintf(w, "Prometheus metrics: http://%s/metrics\n", ln.Addr())

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return shutdown, nil
}
