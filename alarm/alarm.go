// Package alarm is the timer port: recurring jobs on cron expressions and keyed one-shot
// alarms, each returned as a cancellable Handle.
package alarm

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-reorder/runner"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is the work an alarm runs. The context ends when the job times out or the
// scheduler stops.
type Job func(ctx context.Context) error

// JobConfig controls how a job is executed each time it fires.
type JobConfig struct {
	// Name labels the job in logs and errors. One-shot alarms with the same name replace
	// each other.
	Name       string
	Expression string
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler wraps robfig/cron for recurring jobs and timers for one-shot alarms.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*alarmHandle
	named        map[string]int64
}

// NewScheduler creates a scheduler. Recurring jobs fire only after Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("alarm error: %v\n", err)
		},
		handles: make(map[int64]*alarmHandle),
		named:   make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job every time cfg.Expression matches.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle(cfg.Name)
	entry := rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(StatusRunning, nil)
		if err := run(); err != nil {
			h.setStatus(StatusFailed, err)
			s.errorHandler(err)
			return
		}
		if !isTerminalStatus(h.Status()) {
			h.setStatus(StatusIdle, nil)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Expression, err)
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// Next reports when the recurring job behind h fires next.
func (s *Scheduler) Next(h Handle) (time.Time, bool) {
	ah, ok := h.(*alarmHandle)
	if !ok || ah.entryID == 0 {
		return time.Time{}, false
	}
	entry := s.cron.Entry(rcron.EntryID(ah.entryID))
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// ScheduleAfter runs job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt runs job once at the given time. A pending alarm with the same non-empty
// name is cancelled first.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		s.Cancel(cfg.Name)
	}

	h := s.newHandle(cfg.Name)
	s.storeHandle(h)

	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		case <-s.ctx.Done():
			return
		}

		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(StatusRunning, nil)
		err := run()
		s.removeStoredHandle(h.id)
		if err != nil {
			h.setTerminal(StatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.setTerminal(StatusCompleted, nil)
	}()

	return h, nil
}

// Cancel stops the pending alarm registered under name. It reports whether one existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	id, ok := s.named[name]
	h := s.handles[id]
	s.mu.Unlock()
	if !ok || h == nil {
		return false
	}
	h.Cancel()
	return true
}

// Pending returns the names of alarms that have not fired or been cancelled.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.named))
	for name := range s.named {
		out = append(out, name)
	}
	return out
}

// Start begins firing recurring jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts recurring jobs, waits for running ones up to ctx and marks every open
// handle stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := make([]*alarmHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*alarmHandle)
	s.named = make(map[string]int64)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(StatusStopped, nil)
		}
	}

	if ctx == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *alarmHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	if h != nil && h.name != "" && s.named[h.name] == id {
		delete(s.named, h.name)
	}
	return h
}

func (s *Scheduler) storeHandle(h *alarmHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
	if h.name != "" && h.entryID == 0 {
		s.named[h.name] = h.id
	}
}

func (s *Scheduler) newHandle(name string) *alarmHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &alarmHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) buildRunnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, fmt.Errorf("alarm job cannot be nil")
	}
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithName(firstNonEmpty(cfg.Name, "alarm")),
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.ctx, func(ctx context.Context) error { return job(ctx) })
	}, nil
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	std := log.New(out, "alarm: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(std)
	}
	return rcron.PrintfLogger(std)
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	var opts []rcron.Option
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(rcron.DiscardLogger),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		cronLogger = makeLogger(os.Stdout, s.logLevel)
	}
	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}
	return opts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
