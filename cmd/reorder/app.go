package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/agent/agenttest"
	"github.com/goliatone/go-reorder/config"
	"github.com/goliatone/go-reorder/logging"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/orchestrator"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

// app holds the wired runtime for one command invocation.
type app struct {
	cfg     config.Config
	logger  runstate.Logger
	store   store.Store
	machine *runstate.Machine
	orch    *orchestrator.Orchestrator
	page    *agenttest.Page

	closers []func() error
}

// loadConfig resolves the config file and applies the global flag overrides.
func loadConfig(g *Globals) (config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(g.Config))
	if err != nil {
		return config.Config{}, err
	}
	if g.Simulate != "" {
		cfg.Agent.Transport = config.TransportLocal
		cfg.Agent.Scenario = g.Simulate
	}
	if g.StorePath != "" {
		cfg.Store.Path = g.StorePath
		if cfg.Store.Driver == config.DriverMemory {
			cfg.Store.Driver = config.DriverFile
		}
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return cfg, cfg.Validate()
}

// openApp builds only the persistence layer, for commands that never talk to the page.
func openApp(ctx context.Context, g *Globals, env *runtimeEnv) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level, env.stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.seedPreferences(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newApp wires store, machine, agent client, advisor and orchestrator. Without an agent
// the orchestrator can still pause, cancel and record review decisions.
func newApp(ctx context.Context, g *Globals, env *runtimeEnv, withAgent bool) (*app, error) {
	a, err := openApp(ctx, g, env)
	if err != nil {
		return nil, err
	}
	if err := a.openMachine(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(ctx, env, withAgent); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.store = store.NewMemoryStore()
	case config.DriverFile:
		fs, err := store.OpenFileStore(a.cfg.Store.Path, store.WithBackup(true), store.WithFileLogger(a.logger))
		if err != nil {
			return err
		}
		a.store = fs
		a.closers = append(a.closers, fs.Close)
	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", a.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = store.NewSQLiteStore(db, "")
		a.closers = append(a.closers, db.Close)
	default:
		return fmt.Errorf("unsupported store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

// seedPreferences writes the configured preferences when none are persisted yet.
func (a *app) seedPreferences(ctx context.Context) error {
	if isZeroPreferences(a.cfg.Preferences) {
		return nil
	}
	var current model.Preferences
	found, err := store.GetJSON(ctx, a.store, store.KeyPreferences, &current)
	if err != nil || found {
		return err
	}
	return store.SetJSON(ctx, a.store, map[string]any{store.KeyPreferences: a.cfg.Preferences})
}

func isZeroPreferences(p model.Preferences) bool {
	return len(p.PreferredDays) == 0 && p.PreferredTimeStart == "" && p.PreferredTimeEnd == "" && p.MaxDeliveryFee == 0
}

func (a *app) openMachine(ctx context.Context) error {
	machine, err := runstate.NewMachine(ctx, a.store, append(a.cfg.MachineOptions(), runstate.WithLogger(a.logger))...)
	if err != nil {
		return err
	}
	a.machine = machine
	a.closers = append(a.closers, func() error {
		machine.Close()
		return nil
	})
	return nil
}

func (a *app) wire(ctx context.Context, env *runtimeEnv, withAgent bool) error {
	transport := agent.Transport(detached)
	if withAgent {
		t, err := a.transport(ctx, env)
		if err != nil {
			return err
		}
		transport = t
	}
	client := agent.NewClient(transport,
		agent.WithRequestTimeout(a.cfg.RequestTimeout()),
		agent.WithClientLogger(a.logger),
	)

	advisor, err := advisory.New(ctx, a.cfg.Advisory)
	if err != nil {
		return err
	}

	a.orch = orchestrator.New(a.machine, client,
		orchestrator.WithConfig(a.cfg.Orchestrator()),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithAdvisor(advisor),
		orchestrator.WithPreferenceStore(a.store),
	)
	return nil
}

// detached answers every request with a network error. Control commands never reach it.
var detached = agent.TransportFunc(func(context.Context, agent.Request) (agent.Response, error) {
	return agent.Response{}, agent.NewError(agent.CodeNetworkError, "no agent attached to this command")
})

func (a *app) transport(ctx context.Context, env *runtimeEnv) (agent.Transport, error) {
	switch a.cfg.Agent.Transport {
	case config.TransportLocal:
		if a.cfg.Agent.Scenario == "" {
			return nil, fmt.Errorf("the local transport serves a simulated page: set agent.scenario or pass --simulate")
		}
		scn, err := agenttest.LoadScenario(a.cfg.Agent.Scenario)
		if err != nil {
			return nil, err
		}
		a.page = agenttest.NewPage(scn)
		server, err := agenttest.NewServer(a.page, agent.WithFailureLogger(func(ev agent.FailureEvent) {
			a.logger.Error("agent operation %s panicked: %v", ev.Operation, ev.Err)
		}))
		if err != nil {
			return nil, err
		}
		return agent.NewLocalTransport(server), nil
	case config.TransportHTTP:
		return agent.NewHTTPTransport(a.cfg.Agent.URL, nil), nil
	case config.TransportStdio:
		port := agent.NewStreamPort(env.port)
		readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.closers = append(a.closers, func() error {
			cancel()
			return nil
		})
		go func() {
			if err := port.ReadLoop(readCtx, env.stdin); err != nil && readCtx.Err() == nil {
				a.logger.Error("agent port closed: %v", err)
			}
		}()
		return port, nil
	default:
		return nil, fmt.Errorf("unsupported agent transport %q", a.cfg.Agent.Transport)
	}
}

// Close stops the run loop and drains pending writes.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed: %v", err)
		}
	}
	a.closers = nil
}

// runtimeEnv carries process streams so tests can substitute them.
type runtimeEnv struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	port   io.Writer
	exit   func(int)
}

func defaultEnv() *runtimeEnv {
	return &runtimeEnv{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin, port: os.Stdout, exit: os.Exit}
}
