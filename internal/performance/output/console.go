// Package output renders live progress and the final summary of a run
// on the console.
package output

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

// Cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	CurrentPhase string
	CurrentStage int // 1-indexed
	TotalStages  int
}

// Source supplies the run state that snapshots do not carry. An
// *engine.Engine satisfies it.
type Source interface {
	GetProgress() float64
	GetScenarioStats() map[string]*executor.Stats
}

// ConsoleOutput manages live console output during test execution. It
// implements metrics.Reporter so it can be handed to the engine directly.
type ConsoleOutput struct {
	testName       string
	executorType   string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	colors         *ColorScheme
	quiet          bool

	mu          sync.Mutex
	source      Source
	lastStats   *LiveStats
	lastPrinted time.Time
	linesOutput int
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	ExecutorType  string
	TotalDuration time.Duration

	// UpdateInterval throttles the line-per-update output used when the
	// writer is not a terminal (default 5s).
	UpdateInterval time.Duration

	Writer      io.Writer
	Quiet       bool
	ForceColors bool
	ForceTTY    bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = 5 * time.Second
	}

	isTTY := config.ForceTTY
	if f, ok := config.Writer.(*os.File); ok && !isTTY {
		isTTY = isTerminal(f)
	}
	colors := NoColorScheme()
	if config.ForceColors || (isTTY && supportsColors()) {
		colors = DefaultColorScheme()
	}

	return &ConsoleOutput{
		testName:       config.TestName,
		executorType:   config.ExecutorType,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		colors:         colors,
		quiet:          config.Quiet,
	}
}

// SetSource attaches the progress source used by Report.
func (c *ConsoleOutput) SetSource(src Source) {
	c.mu.Lock()
	c.source = src
	c.mu.Unlock()
}

// Report implements metrics.Reporter. The final snapshot is skipped;
// PrintSummary renders it.
func (c *ConsoleOutput) Report(snapshot *metrics.Snapshot) error {
	if c.quiet || snapshot.CurrentPhase == metrics.PhaseDone {
		return nil
	}

	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	stats := StatsFromMetrics(snapshot, src, c.totalDuration)
	if c.isTTY {
		c.Update(stats)
	} else {
		c.PrintNonInteractiveUpdate(stats)
	}
	return nil
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(c.colors.Title.Sprint(line))
	c.writeln(c.colors.Value.Sprintf("%s - Running%s", c.testName, executorInfo))
	c.writeln(c.colors.Title.Sprint(line))
	c.writeln("")
}

// Update redraws the live display in place.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStats = stats
	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the previous live display. Caller holds c.mu.
func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string
	cs := c.colors

	progressBar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		cs.Success.Sprint(progressBar),
		cs.Value.Sprintf("%.0f%%", stats.Progress*100),
		cs.Dim.Sprint(timeInfo)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", cs.Highlight.Sprint(phaseInfo)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, cs.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", cs.Title.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", cs.Title.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := cs.rateColor(stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", cs.Success.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", cs.Value.Sprint(formatDurationShort(stats.LatencyP95)))
	avgStr := fmt.Sprintf("Avg:         %s", cs.Value.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, cs.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2
	border := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s %s %s %s", border, padRight(left, colWidth), border, padRight(right, colWidth), border)
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a single status line, at most once
// per update interval.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastPrinted.IsZero() && now.Sub(c.lastPrinted) < c.updateInterval {
		return
	}
	c.lastPrinted = now
	c.lastStats = stats

	c.writeln(fmt.Sprintf("[%s] %s VUs: %d/%d | Reqs: %s | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.CurrentPhase,
		stats.ActiveVUs, stats.TargetVUs,
		formatNumber(stats.TotalRequests),
		stats.CurrentRPS,
		stats.Errors, stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final test summary.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	cs := c.colors
	if c.quiet {
		if result.Passed {
			c.writeln(cs.Success.Sprint("PASSED"))
		} else {
			c.writeln(cs.Error.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := cs.Success.Sprint("Completed ✓")
	switch {
	case result.Error != "":
		status = cs.Error.Sprint("Error ✗")
	case !result.Passed:
		status = cs.Error.Sprint("Failed ✗")
	case result.Interrupted:
		status = cs.Warn.Sprint("Interrupted")
	}

	c.writeln("")
	c.writeln(cs.Title.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", cs.Value.Sprint(result.Name), status))
	c.writeln(cs.Title.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", cs.Title.Sprint(formatDuration(result.Duration))))
	if m := result.Metrics; m != nil {
		c.writeln(fmt.Sprintf("Total Reqs:    %s", cs.Title.Sprint(formatNumber(m.TotalRequests))))
		c.writeln(fmt.Sprintf("Failures:      %s", cs.rateColor(m.ErrorRate).Sprintf("%s (%.2f%%)", formatNumber(m.FailedRequests), m.ErrorRate*100)))
		c.writeln(fmt.Sprintf("Throughput:    %s", cs.Title.Sprintf("%.1f req/s", m.RPS)))
		c.writeln("")

		c.writeln(cs.Value.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
		c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(m.Latency.Mean)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
		c.writeln("")

		if len(m.Tasks) > 0 {
			c.printTasks(m.Tasks)
		}
		if len(m.Errors) > 0 {
			c.writeln(cs.Value.Sprint("Errors:"))
			for _, e := range m.Errors {
				c.writeln(fmt.Sprintf("  %s %s: %s", cs.Error.Sprintf("%6d", e.Occurrences), e.Task, e.Message))
			}
			c.writeln("")
		}
	}

	c.printScenarios(result)

	if len(result.Thresholds) > 0 {
		c.writeln(cs.Value.Sprint("Thresholds:"))
		for _, th := range result.Thresholds {
			metric := th.Metric
			if th.Task != "" {
				metric = fmt.Sprintf("%s{%s}", th.Metric, th.Task)
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", cs.icon(th.Passed), metric, th.Expression, th.Value))
		}
		c.writeln("")
	}

	if result.Error != "" {
		c.writeln(fmt.Sprintf("%s %s", cs.Error.Sprint("Error:"), result.Error))
		c.writeln("")
	}
}

// printTasks prints one row per task, in name order.
func (c *ConsoleOutput) printTasks(tasks map[string]metrics.TaskStats) {
	cs := c.colors
	names := slices.Sorted(maps.Keys(tasks))
	width := len("Task")
	for _, n := range names {
		width = max(width, len(n))
	}

	c.writeln(cs.Value.Sprint("Tasks:"))
	c.writeln(cs.Dim.Sprintf("  %s %10s %10s %8s %10s %10s",
		padRight("Task", width), "Requests", "Failures", "Fail%", "P50", "P95"))
	for _, n := range names {
		ts := tasks[n]
		c.writeln(fmt.Sprintf("  %s %10s %10s %s %10s %10s",
			padRight(n, width),
			formatNumber(ts.Requests),
			formatNumber(ts.Failures),
			cs.rateColor(ts.ErrorRate).Sprintf("%7.1f%%", ts.ErrorRate*100),
			formatDurationShort(ts.Latency.P50),
			formatDurationShort(ts.Latency.P95)))
	}
	c.writeln("")
}

// printScenarios prints per-scenario counters when more than one
// scenario ran or a scenario reported a problem.
func (c *ConsoleOutput) printScenarios(result *engine.TestResult) {
	show := len(result.Scenarios) > 1
	for _, sr := range result.Scenarios {
		if sr.SpawnFailures > 0 || sr.Error != "" {
			show = true
		}
	}
	if !show {
		return
	}

	cs := c.colors
	c.writeln(cs.Value.Sprint("Scenarios:"))
	for _, name := range slices.Sorted(maps.Keys(result.Scenarios)) {
		sr := result.Scenarios[name]
		row := fmt.Sprintf("  %s [%s] iterations: %s, VUs spawned: %d",
			cs.Highlight.Sprint(name), sr.Executor, formatNumber(sr.Iterations), sr.SpawnedVUs)
		if sr.SpawnFailures > 0 {
			row += cs.Warn.Sprintf(", spawn failures: %d", sr.SpawnFailures)
		}
		if sr.Error != "" {
			row += cs.Error.Sprintf(", error: %s", sr.Error)
		}
		c.writeln(row)
	}
	c.writeln("")
}

// StatsFromMetrics builds LiveStats from a snapshot. src may be nil.
func StatsFromMetrics(snap *metrics.Snapshot, src Source, totalDuration time.Duration) *LiveStats {
	stats := &LiveStats{
		Elapsed:       snap.Elapsed,
		ActiveVUs:     snap.ActiveVUs,
		CurrentRPS:    snap.RPS,
		TotalRequests: snap.TotalRequests,
		Errors:        snap.FailedRequests,
		ErrorRate:     snap.ErrorRate,
		LatencyP95:    snap.Latency.P95,
		LatencyAvg:    snap.Latency.Mean,
		CurrentPhase:  string(snap.CurrentPhase),
	}

	if src != nil {
		stats.Progress = src.GetProgress()
		all := src.GetScenarioStats()
		for _, name := range slices.Sorted(maps.Keys(all)) {
			es := all[name]
			if es == nil {
				continue
			}
			stats.TargetVUs += es.TargetVUs
			if es.TotalStages > stats.TotalStages {
				stats.TotalStages = es.TotalStages
				stats.CurrentStage = es.CurrentStage + 1
				if es.CurrentStageName != "" {
					stats.CurrentPhase = fmt.Sprintf("%s: %s", snap.CurrentPhase, es.CurrentStageName)
				}
			}
		}
	} else if totalDuration > 0 {
		stats.Progress = min(float64(snap.Elapsed)/float64(totalDuration), 1)
	}

	if totalDuration > snap.Elapsed {
		stats.Remaining = totalDuration - snap.Elapsed
	}
	return stats
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

var _ metrics.Reporter = (*ConsoleOutput)(nil)
