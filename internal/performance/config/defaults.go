package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultUserAgent is sent when settings.userAgent is empty.
	DefaultUserAgent = "stampede/1.0"

	// DefaultTimeout is the HTTP timeout when settings.timeout is empty.
	DefaultTimeout = 30 * time.Second

	// DefaultExecutor is used when a scenario names none.
	DefaultExecutor = "constant-vus"
)

// ApplyDefaults fills in empty fields. Counts such as vus are left alone
// so validation can report them.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Settings.UserAgent == "" {
		cfg.Settings.UserAgent = DefaultUserAgent
	}
	if cfg.Settings.Timeout == 0 {
		cfg.Settings.Timeout = Duration(DefaultTimeout)
	}

	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if sc.Executor == "" {
			sc.Executor = DefaultExecutor
		}
		if sc.WaitTime != nil && sc.WaitTime.Max == "" {
			sc.WaitTime.Max = sc.WaitTime.Min
		}

		for i := range sc.Tasks {
			task := &sc.Tasks[i]
			if task.Method == "" {
				task.Method = "GET"
			}
			task.Method = strings.ToUpper(task.Method)
			if task.Weight == 0 {
				task.Weight = 1
			}
			if task.Name == "" {
				task.Name = fmt.Sprintf("%s %s", task.Method, task.URL)
			}
		}
	}
}
