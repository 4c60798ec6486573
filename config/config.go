// Package config loads the reorder tool configuration from YAML or JSON.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/alarm"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/orchestrator"
	"github.com/goliatone/go-reorder/runstate"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "REORDER_CONFIG"

const ErrCodeInvalidConfig = "CONFIG_INVALID"

var ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
	WithTextCode(ErrCodeInvalidConfig)

// Agent transports.
const (
	TransportLocal = "local"
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatPretty  = "pretty"
)

type Config struct {
	Site        SiteConfig        `yaml:"site" json:"site"`
	Agent       AgentConfig       `yaml:"agent" json:"agent"`
	Run         RunConfig         `yaml:"run" json:"run"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Advisory    advisory.Config   `yaml:"advisory" json:"advisory"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Preferences model.Preferences `yaml:"preferences" json:"preferences"`
	Schedule    ScheduleConfig    `yaml:"schedule" json:"schedule"`
}

type SiteConfig struct {
	ExpectedHost string `yaml:"expected_host" json:"expected_host"`
}

type AgentConfig struct {
	Transport string        `yaml:"transport" json:"transport"`
	URL       string        `yaml:"url" json:"url"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	// Scenario is the simulated page served by the local transport.
	Scenario string `yaml:"scenario" json:"scenario"`
}

type RunConfig struct {
	PhaseTimeout      time.Duration `yaml:"phase_timeout" json:"phase_timeout"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	MaxErrors         int           `yaml:"max_errors" json:"max_errors"`
	OrderHistoryLimit int           `yaml:"order_history_limit" json:"order_history_limit"`
	MaxSearchResults  int           `yaml:"max_search_results" json:"max_search_results"`
	PageLoadTimeout   time.Duration `yaml:"page_load_timeout" json:"page_load_timeout"`
	StalenessWindow   time.Duration `yaml:"staleness_window" json:"staleness_window"`
	TransitionLogSize int           `yaml:"transition_log_size" json:"transition_log_size"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Format string `yaml:"format" json:"format"`
	Level  string `yaml:"level" json:"level"`
}

type ScheduleConfig struct {
	Expression     string        `yaml:"expression" json:"expression"`
	TargetID       string        `yaml:"target_id" json:"target_id"`
	AutoResume     bool          `yaml:"auto_resume" json:"auto_resume"`
	AutoResumeBase time.Duration `yaml:"auto_resume_base" json:"auto_resume_base"`
	AutoResumeMax  time.Duration `yaml:"auto_resume_max" json:"auto_resume_max"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	orch := orchestrator.DefaultConfig()
	return Config{
		Agent: AgentConfig{
			Transport: TransportLocal,
			Timeout:   30 * time.Second,
		},
		Run: RunConfig{
			PhaseTimeout:      orch.PhaseTimeout,
			OperationTimeout:  30 * time.Second,
			MaxErrors:         runstate.DefaultMaxErrors,
			OrderHistoryLimit: orch.OrderHistoryLimit,
			MaxSearchResults:  orch.MaxSearchResults,
			PageLoadTimeout:   orch.PageLoadTimeout,
			StalenessWindow:   runstate.DefaultStalenessWindow,
			TransitionLogSize: runstate.DefaultLogSize,
		},
		Store: StoreConfig{
			Driver: DriverFile,
			Path:   "reorder-state.json",
		},
		Advisory: advisory.Config{Provider: advisory.ProviderNone},
		Log: LogConfig{
			Format: FormatConsole,
			Level:  "info",
		},
		Schedule: ScheduleConfig{
			AutoResumeBase: alarm.DefaultResumeBase,
			AutoResumeMax:  alarm.DefaultResumeMax,
		},
	}
}

// ResolvePath returns explicit when set, otherwise the REORDER_CONFIG value.
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return strings.TrimSpace(os.Getenv(EnvPath))
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML or JSON over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	// yaml accepts JSON documents too
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperrors.Wrap(err, apperrors.CategoryValidation, "config is not valid YAML").
			WithTextCode(ErrCodeInvalidConfig)
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) normalize() {
	c.Agent.Transport = strings.ToLower(strings.TrimSpace(c.Agent.Transport))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Site.ExpectedHost = strings.ToLower(strings.TrimSpace(c.Site.ExpectedHost))
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Agent.Transport {
	case TransportLocal, TransportStdio:
	case TransportHTTP:
		if c.Agent.URL == "" {
			add("agent.url is required for the http transport")
		}
	default:
		add("agent.transport %q is not one of local, http, stdio", c.Agent.Transport)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the %s driver", c.Store.Driver)
		}
	default:
		add("store.driver %q is not one of memory, file, sqlite", c.Store.Driver)
	}

	switch c.Log.Format {
	case FormatConsole, FormatJSON, FormatPretty:
	default:
		add("log.format %q is not one of console, json, pretty", c.Log.Format)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"agent.timeout", c.Agent.Timeout},
		{"run.phase_timeout", c.Run.PhaseTimeout},
		{"run.operation_timeout", c.Run.OperationTimeout},
		{"run.page_load_timeout", c.Run.PageLoadTimeout},
		{"run.staleness_window", c.Run.StalenessWindow},
		{"schedule.auto_resume_base", c.Schedule.AutoResumeBase},
		{"schedule.auto_resume_max", c.Schedule.AutoResumeMax},
	}
	for _, d := range durations {
		if d.value < 0 {
			add("%s must not be negative", d.name)
		}
	}
	if c.Run.MaxErrors < 1 {
		add("run.max_errors must be at least 1")
	}
	if c.Run.OrderHistoryLimit < 1 {
		add("run.order_history_limit must be at least 1")
	}
	if c.Run.MaxSearchResults < 1 {
		add("run.max_search_results must be at least 1")
	}

	if _, _, ok := c.Preferences.Window(); !ok && (c.Preferences.PreferredTimeStart != "" || c.Preferences.PreferredTimeEnd != "") {
		add("preferences time window %q-%q is not a valid HH:MM range", c.Preferences.PreferredTimeStart, c.Preferences.PreferredTimeEnd)
	}
	for _, day := range c.Preferences.PreferredDays {
		if _, ok := model.ParseWeekday(day); !ok {
			add("preferences day %q is not a weekday", day)
		}
	}
	if c.Preferences.MaxDeliveryFee < 0 {
		add("preferences.max_delivery_fee must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	err := ErrInvalidConfig.Clone()
	err.Message = "invalid configuration: " + strings.Join(problems, "; ")
	return err.WithMetadata(map[string]any{"problems": problems})
}

// Orchestrator maps the run section onto the orchestrator config.
func (c Config) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.ExpectedHost = c.Site.ExpectedHost
	cfg.PhaseTimeout = c.Run.PhaseTimeout
	cfg.OrderHistoryLimit = c.Run.OrderHistoryLimit
	cfg.MaxSearchResults = c.Run.MaxSearchResults
	cfg.PageLoadTimeout = c.Run.PageLoadTimeout
	cfg.DefaultPreferences = c.Preferences
	if c.Advisory.Timeout > 0 {
		cfg.AdvisoryTimeout = c.Advisory.Timeout
	}
	if c.Advisory.MaxTokens > 0 {
		cfg.AdvisoryMaxTokens = c.Advisory.MaxTokens
	}
	return cfg
}

// MachineOptions maps the run section onto state machine options.
func (c Config) MachineOptions() []runstate.Option {
	return []runstate.Option{
		runstate.WithMaxErrors(c.Run.MaxErrors),
		runstate.WithStalenessWindow(c.Run.StalenessWindow),
		runstate.WithLogSize(c.Run.TransitionLogSize),
	}
}

// RequestTimeout is the per-request agent timeout.
func (c Config) RequestTimeout() time.Duration {
	if c.Run.OperationTimeout > 0 {
		return c.Run.OperationTimeout
	}
	return c.Agent.Timeout
}
