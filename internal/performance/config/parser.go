package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a test configuration file.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses configuration data. The format is chosen by the
// filename extension: ".json" is JSON, anything else is YAML. Defaults are
// applied; validation is left to the caller.
func ParseConfig(data []byte, filename string) (*TestConfig, error) {
	var cfg TestConfig

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ParseDurationString parses a Go duration ("30s", "1h30m"). A bare
// number is read as seconds and the empty string as zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// ParseScenarioDuration returns the run length of a scenario: its
// explicit duration, or else the sum of its stages.
func ParseScenarioDuration(sc *ScenarioConfig) (time.Duration, error) {
	if sc.Duration != "" {
		return ParseDurationString(sc.Duration)
	}
	if len(sc.Stages) == 0 {
		return 0, fmt.Errorf("scenario has neither duration nor stages")
	}

	var total time.Duration
	for i, stage := range sc.Stages {
		d, err := ParseDurationString(stage.Duration)
		if err != nil {
			return 0, fmt.Errorf("stage %d: %w", i, err)
		}
		total += d
	}
	return total, nil
}

// MergeVariables merges variable maps; later maps win.
func MergeVariables(sources ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, src := range sources {
		maps.Copy(out, src)
	}
	return out
}
