package alarm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-reorder/runstate"
)

func quietScheduler(opts ...Option) *Scheduler {
	return NewScheduler(append([]Option{WithLogLevel(LogLevelSilent), WithErrorHandler(func(error) {})}, opts...)...)
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	s := quietScheduler()
	var count atomic.Int32

	h, err := s.ScheduleAfter(20*time.Millisecond, JobConfig{Name: "ping"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, s.Pending())

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected alarm to fire")
	}
	assert.EqualValues(t, 1, count.Load())
	assert.Equal(t, StatusCompleted, h.Status())
	assert.Empty(t, s.Pending())
}

func TestScheduleAtCancelByName(t *testing.T) {
	s := quietScheduler()
	var count atomic.Int32

	h, err := s.ScheduleAt(time.Now().Add(200*time.Millisecond), JobConfig{Name: "later"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, s.Cancel("later"))
	assert.False(t, s.Cancel("later"))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close done channel")
	}
	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, count.Load())
	assert.Equal(t, StatusCanceled, h.Status())
}

func TestNamedAlarmReplacesPending(t *testing.T) {
	s := quietScheduler()
	var fired sync.Map

	first, err := s.ScheduleAfter(time.Hour, JobConfig{Name: "resume"}, func(context.Context) error {
		fired.Store("first", true)
		return nil
	})
	require.NoError(t, err)
	second, err := s.ScheduleAfter(10*time.Millisecond, JobConfig{Name: "resume"}, func(context.Context) error {
		fired.Store("second", true)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCanceled, first.Status())
	<-second.Done()
	_, ok := fired.Load("second")
	assert.True(t, ok)
	_, ok = fired.Load("first")
	assert.False(t, ok)
}

func TestFailedAlarmReportsError(t *testing.T) {
	var handled atomic.Int32
	s := NewScheduler(WithLogLevel(LogLevelSilent), WithErrorHandler(func(error) { handled.Add(1) }))
	boom := errors.New("boom")

	h, err := s.ScheduleAfter(0, JobConfig{Name: "fails"}, func(context.Context) error { return boom })
	require.NoError(t, err)
	<-h.Done()

	assert.Equal(t, StatusFailed, h.Status())
	assert.ErrorIs(t, h.Err(), boom)
	assert.GreaterOrEqual(t, handled.Load(), int32(1))
}

func TestScheduleCronRunsAndStops(t *testing.T) {
	s := quietScheduler()
	var count atomic.Int32

	h, err := s.ScheduleCron(JobConfig{Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	next, ok := s.Next(h)
	require.False(t, ok, "entries have no next time before start: %v", next)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return count.Load() > 0 }, 2500*time.Millisecond, 20*time.Millisecond)

	_, ok = s.Next(h)
	assert.True(t, ok)

	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected stop to close the handle")
	}
	assert.Equal(t, StatusStopped, h.Status())
}

func TestScheduleCronValidation(t *testing.T) {
	s := quietScheduler()

	_, err := s.ScheduleCron(JobConfig{}, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = s.ScheduleCron(JobConfig{Expression: "not a cron"}, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = s.ScheduleCron(JobConfig{Expression: "@daily"}, nil)
	assert.Error(t, err)
}

type fakeRuns struct {
	mu        sync.Mutex
	state     *runstate.RunState
	listeners []runstate.Listener
	started   int
	resumed   int
}

func (f *fakeRuns) State() *runstate.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeRuns) StartRun(context.Context, string, string) (*runstate.RunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.state = &runstate.RunState{Status: runstate.StatusRunning, Phase: runstate.PhaseInitializing, RunID: "run-1"}
	return f.state.Clone(), nil
}

func (f *fakeRuns) ResumeRun(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	f.state.Status = runstate.StatusRunning
	return nil
}

func (f *fakeRuns) Subscribe(fn runstate.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeRuns) emit(next *runstate.RunState, action runstate.Action) {
	f.mu.Lock()
	f.state = next
	listeners := append([]runstate.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(next, nil, action)
	}
}

func (f *fakeRuns) counts() (started, resumed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.resumed
}

func pausedWith(code string, retry int, recoverable bool) *runstate.RunState {
	return &runstate.RunState{
		Status: runstate.StatusPaused,
		Phase:  runstate.PhaseCart,
		RunID:  "run-1",
		LastError: &runstate.RunError{
			Code:        code,
			Phase:       runstate.PhaseCart,
			Recoverable: recoverable,
			RetryCount:  retry,
		},
	}
}

func TestAutoResumeDelay(t *testing.T) {
	a := NewAutoResume(quietScheduler(), &fakeRuns{}, time.Second, 5*time.Second)
	assert.Equal(t, time.Second, a.Delay(0))
	assert.Equal(t, time.Second, a.Delay(1))
	assert.Equal(t, 2*time.Second, a.Delay(2))
	assert.Equal(t, 4*time.Second, a.Delay(3))
	assert.Equal(t, 5*time.Second, a.Delay(4))
	assert.Equal(t, 5*time.Second, a.Delay(40))

	defaults := NewAutoResume(quietScheduler(), &fakeRuns{}, 0, 0)
	assert.Equal(t, DefaultResumeBase, defaults.Delay(1))
	assert.Equal(t, DefaultResumeMax, defaults.Delay(100))
}

func TestAutoResumeResumesRecoverablePause(t *testing.T) {
	s := quietScheduler()
	runs := &fakeRuns{state: &runstate.RunState{Status: runstate.StatusRunning, Phase: runstate.PhaseCart, RunID: "run-1"}}
	stop := NewAutoResume(s, runs, 10*time.Millisecond, 50*time.Millisecond).Watch()
	defer stop()

	runs.emit(pausedWith("TIMEOUT", 1, true), runstate.Action{Type: runstate.ActionErrorOccurred})
	require.Eventually(t, func() bool {
		_, resumed := runs.counts()
		return resumed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAutoResumeIgnoresFatalAndCancelsOnUserAction(t *testing.T) {
	s := quietScheduler()
	runs := &fakeRuns{state: &runstate.RunState{Status: runstate.StatusRunning, Phase: runstate.PhaseCart, RunID: "run-1"}}
	stop := NewAutoResume(s, runs, 50*time.Millisecond, time.Second).Watch()
	defer stop()

	runs.emit(pausedWith("NOT_LOGGED_IN", 1, false), runstate.Action{Type: runstate.ActionErrorOccurred})
	assert.Empty(t, s.Pending())

	runs.emit(pausedWith("TIMEOUT", 2, true), runstate.Action{Type: runstate.ActionErrorOccurred})
	assert.Equal(t, []string{AutoResumeAlarm}, s.Pending())

	runs.emit(&runstate.RunState{Status: runstate.StatusIdle}, runstate.Action{Type: runstate.ActionCancelRun})
	assert.Empty(t, s.Pending())

	time.Sleep(150 * time.Millisecond)
	_, resumed := runs.counts()
	assert.Zero(t, resumed)
}

func TestScheduleRunsStartsOnlyWhenIdle(t *testing.T) {
	s := NewScheduler(WithLogLevel(LogLevelSilent), WithParser(SecondsParser), WithErrorHandler(func(error) {}))
	runs := &fakeRuns{state: &runstate.RunState{Status: runstate.StatusIdle}}

	_, err := ScheduleRuns(s, runs, "* * * * * *", "tab-1", "")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		started, _ := runs.counts()
		return started == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(1200 * time.Millisecond)
	started, _ := runs.counts()
	assert.Equal(t, 1, started, "a running run is not restarted")
}
