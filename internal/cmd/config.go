package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jenilv-icpl/slips-sdk/internal/monitor"
	"github.com/jenilv-icpl/slips-sdk/internal/tailer"
)

const (
	defaultPollInterval       = 500 * time.Millisecond
	defaultCheckpointInterval = 5 * time.Second
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

// settings is everything a command needs, resolved from flags, env and file.
type settings struct {
	Monitor  monitor.Config
	Output   string
	Pretty   bool
	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.format", "text")
	v.SetDefault("output.pretty", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("monitor.mode", "tail")
	v.SetDefault("monitor.select", "second-to-last")
	v.SetDefault("monitor.from_start", false)
	v.SetDefault("monitor.no_filter", false)
	v.SetDefault("monitor.expected_status", "Incident")
	v.SetDefault("monitor.poll_interval", defaultPollInterval)
	v.SetDefault("monitor.max_wait", time.Duration(0))
	v.SetDefault("monitor.checkpoint_interval", defaultCheckpointInterval)
}

// loadSettings reads and validates the configuration. A positional path
// argument overrides monitor.path.
func loadSettings(v *viper.Viper, args []string) (settings, error) {
	path := v.GetString("monitor.path")
	if len(args) > 0 {
		path = args[0]
	}
	if strings.TrimSpace(path) == "" {
		return settings{}, &ConfigError{Field: "monitor.path", Value: path, Reason: "alert file path is required"}
	}

	cfg := monitor.DefaultConfig(path)

	mode, err := tailer.ParseMode(v.GetString("monitor.mode"))
	if err != nil {
		return settings{}, &ConfigError{Field: "monitor.mode", Value: v.GetString("monitor.mode"), Reason: err.Error()}
	}
	cfg.Mode = mode

	sel, err := tailer.ParseSelection(v.GetString("monitor.select"))
	if err != nil {
		return settings{}, &ConfigError{Field: "monitor.select", Value: v.GetString("monitor.select"), Reason: err.Error()}
	}
	cfg.Selection = sel

	cfg.FromStart = v.GetBool("monitor.from_start")
	cfg.FilterStatus = !v.GetBool("monitor.no_filter")
	cfg.ExpectedStatus = v.GetString("monitor.expected_status")
	if cfg.FilterStatus && cfg.ExpectedStatus == "" {
		return settings{}, &ConfigError{Field: "monitor.expected_status", Value: "", Reason: "must be set when filtering"}
	}

	cfg.PollInterval = v.GetDuration("monitor.poll_interval")
	if cfg.PollInterval < 10*time.Millisecond || cfg.PollInterval > time.Minute {
		return settings{}, &ConfigError{Field: "monitor.poll_interval", Value: cfg.PollInterval, Reason: "must be between 10ms and 1m"}
	}
	cfg.MaxWait = v.GetDuration("monitor.max_wait")
	if cfg.MaxWait < 0 {
		return settings{}, &ConfigError{Field: "monitor.max_wait", Value: cfg.MaxWait, Reason: "must not be negative"}
	}

	cfg.CheckpointPath = v.GetString("monitor.checkpoint")
	if cfg.CheckpointPath != "" && cfg.Mode != tailer.ModeTail {
		return settings{}, &ConfigError{Field: "monitor.checkpoint", Value: cfg.CheckpointPath, Reason: "only supported in tail mode"}
	}
	cfg.CheckpointInterval = v.GetDuration("monitor.checkpoint_interval")
	if cfg.CheckpointInterval < 100*time.Millisecond {
		return settings{}, &ConfigError{Field: "monitor.checkpoint_interval", Value: cfg.CheckpointInterval, Reason: "must be at least 100ms"}
	}

	format := strings.ToLower(v.GetString("output.format"))
	if format != "text" && format != "json" {
		return settings{}, &ConfigError{Field: "output.format", Value: format, Reason: "must be text or json"}
	}

	return settings{
		Monitor:  cfg,
		Output:   format,
		Pretty:   v.GetBool("output.pretty"),
		LogLevel: strings.ToLower(v.GetString("logging.level")),
	}, nil
}
