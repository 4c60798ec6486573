package alarm

import (
	"context"
	"time"

	"github.com/goliatone/go-reorder/runstate"
)

// AutoResumeAlarm is the name of the pending auto-resume alarm.
const AutoResumeAlarm = "auto-resume"

const (
	DefaultResumeBase = 30 * time.Second
	DefaultResumeMax  = 10 * time.Minute
)

// Runs is the slice of the orchestrator the scheduling policies drive.
type Runs interface {
	State() *runstate.RunState
	StartRun(ctx context.Context, targetID, orderID string) (*runstate.RunState, error)
	ResumeRun(ctx context.Context) error
	Subscribe(fn runstate.Listener) func()
}

// ScheduleRuns starts a run on every cron match while no run exists. Runs that are
// paused, in review or complete are left for the operator.
func ScheduleRuns(s *Scheduler, runs Runs, expression, targetID, orderID string) (Handle, error) {
	return s.ScheduleCron(JobConfig{Name: "scheduled-run", Expression: expression}, func(ctx context.Context) error {
		st := runs.State()
		if st.Status != runstate.StatusIdle {
			if s.logger != nil {
				s.logger.Info("scheduled run skipped: run %s is %s", st.RunID, st.Status)
			}
			return nil
		}
		next, err := runs.StartRun(ctx, targetID, orderID)
		if err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Info("scheduled run %s started for target %s", next.RunID, targetID)
		}
		return nil
	})
}

// AutoResume schedules ResumeRun after a recoverable pause. The delay doubles with each
// retry from base up to max. Any other transition cancels the pending alarm.
type AutoResume struct {
	scheduler *Scheduler
	runs      Runs
	base      time.Duration
	max       time.Duration
}

func NewAutoResume(s *Scheduler, runs Runs, base, ceiling time.Duration) *AutoResume {
	if base <= 0 {
		base = DefaultResumeBase
	}
	if ceiling < base {
		ceiling = max(base, DefaultResumeMax)
	}
	return &AutoResume{scheduler: s, runs: runs, base: base, max: ceiling}
}

// Delay returns the wait before the resume that follows the nth failure.
func (a *AutoResume) Delay(retryCount int) time.Duration {
	d := a.base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= a.max {
			return a.max
		}
	}
	return min(d, a.max)
}

// Watch subscribes to run transitions and returns the unsubscribe func.
func (a *AutoResume) Watch() func() {
	unsubscribe := a.runs.Subscribe(a.onTransition)
	return func() {
		unsubscribe()
		a.scheduler.Cancel(AutoResumeAlarm)
	}
}

func (a *AutoResume) onTransition(next, _ *runstate.RunState, action runstate.Action) {
	if action.Type != runstate.ActionErrorOccurred {
		if action.Type != runstate.ActionStepUpdate && action.Type != runstate.ActionProgressUpdate {
			a.scheduler.Cancel(AutoResumeAlarm)
		}
		return
	}
	if next.Status != runstate.StatusPaused || !next.Resumable() || next.LastError == nil {
		return
	}

	runID := next.RunID
	retry := next.LastError.RetryCount
	delay := a.Delay(retry)
	_, err := a.scheduler.ScheduleAfter(delay, JobConfig{Name: AutoResumeAlarm}, func(ctx context.Context) error {
		st := a.runs.State()
		if st.Status != runstate.StatusPaused || st.RunID != runID || st.LastError == nil || st.LastError.RetryCount != retry {
			return nil
		}
		return a.runs.ResumeRun(ctx)
	})
	if err != nil {
		a.scheduler.errorHandler(err)
		return
	}
	if a.scheduler.logger != nil {
		a.scheduler.logger.Info("run %s auto-resume in %s after %s", runID, delay, next.LastError.Code)
	}
}
