package orchestrator

import (
	"time"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

// Config holds the run tuning knobs.
type Config struct {
	ExpectedHost       string
	PhaseTimeout       time.Duration
	OrderHistoryLimit  int
	MaxSearchResults   int
	PageLoadTimeout    time.Duration
	PagePollInterval   time.Duration
	AdvisoryTimeout    time.Duration
	AdvisoryMaxTokens  int
	DefaultPreferences model.Preferences
}

const (
	DefaultPhaseTimeout      = 120 * time.Second
	DefaultOrderHistoryLimit = 5
	DefaultMaxSearchResults  = 10
	DefaultPageLoadTimeout   = 20 * time.Second
	DefaultPagePollInterval  = 250 * time.Millisecond
	DefaultAdvisoryTimeout   = 15 * time.Second
	maxPagePollInterval      = 2 * time.Second
)

func DefaultConfig() Config {
	return Config{
		PhaseTimeout:      DefaultPhaseTimeout,
		OrderHistoryLimit: DefaultOrderHistoryLimit,
		MaxSearchResults:  DefaultMaxSearchResults,
		PageLoadTimeout:   DefaultPageLoadTimeout,
		PagePollInterval:  DefaultPagePollInterval,
		AdvisoryTimeout:   DefaultAdvisoryTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = d.PhaseTimeout
	}
	if c.OrderHistoryLimit <= 0 {
		c.OrderHistoryLimit = d.OrderHistoryLimit
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = d.MaxSearchResults
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = d.PageLoadTimeout
	}
	if c.PagePollInterval <= 0 {
		c.PagePollInterval = d.PagePollInterval
	}
	if c.AdvisoryTimeout <= 0 {
		c.AdvisoryTimeout = d.AdvisoryTimeout
	}
	return c
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

func WithLogger(logger runstate.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAdvisor sets the optional advisory backend used for substitute rationales.
func WithAdvisor(a advisory.Advisor) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.advisor = a
		}
	}
}

// WithPreferenceStore sets where delivery preferences are read from.
func WithPreferenceStore(st store.Store) Option {
	return func(o *Orchestrator) {
		o.store = st
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
