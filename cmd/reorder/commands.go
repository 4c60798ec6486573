package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-reorder/alarm"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/orchestrator"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

const defaultTarget = "default"

type RunCmd struct {
	Target string `help:"Page or tab the agent operates on." default:"default"`
	Order  string `help:"Replay only this order id."`
	Detach bool   `help:"Start the run, pause it and return. Continue later with resume."`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := newApp(ctx, g, env, true)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.orch.Recover(ctx)
	if err != nil {
		return err
	}
	switch st.Status {
	case runstate.StatusRunning:
		fmt.Fprintf(env.stdout, "continuing run %s in phase %s\n", st.RunID, st.Phase)
	case runstate.StatusIdle:
		if st, err = a.orch.StartRun(ctx, c.Target, c.Order); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "started run %s\n", st.RunID)
	default:
		return fmt.Errorf("run %s is %s: use resume, review or cancel", st.RunID, st.Status)
	}
	if c.Detach {
		return detach(ctx, a, env.stdout)
	}
	return follow(ctx, a, env.stdout)
}

// detach pauses the run so the saved state stays resumable once this process exits.
func detach(ctx context.Context, a *app, out io.Writer) error {
	err := a.orch.PauseRun(context.WithoutCancel(ctx))
	if err != nil && orchestrator.ErrorCode(err) != orchestrator.ErrCodeRunNotActive {
		return err
	}
	st := a.orch.State()
	if st.Status == runstate.StatusPaused {
		fmt.Fprintf(out, "run %s paused in phase %s, continue with `reorder resume`\n", st.RunID, st.Phase)
		return nil
	}
	fmt.Fprintf(out, "run %s is %s\n", st.RunID, st.Status)
	return nil
}

type ResumeCmd struct{}

func (c *ResumeCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := newApp(ctx, g, env, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.ResumeRun(ctx); err != nil {
		return err
	}
	st := a.orch.State()
	fmt.Fprintf(env.stdout, "resumed run %s in phase %s\n", st.RunID, st.Phase)
	return follow(ctx, a, env.stdout)
}

type StatusCmd struct {
	Log  bool `help:"Include the transition log."`
	JSON bool `help:"Print the state as JSON." name:"json"`
}

func (c *StatusCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := openApp(ctx, g, env)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openMachine(ctx); err != nil {
		return err
	}

	st := a.machine.State()
	if c.JSON {
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	renderState(env.stdout, st)
	if c.Log {
		renderTransitions(env.stdout, a.machine.TransitionLog())
	}
	return nil
}

type ReviewCmd struct {
	Show    ReviewShowCmd    `cmd:"" default:"1" help:"Print the review pack."`
	Approve ReviewApproveCmd `cmd:"" help:"Mark the run complete after checking out on the site."`
	Reject  ReviewRejectCmd  `cmd:"" help:"Discard the review pack and return to idle."`
}

type ReviewShowCmd struct {
	JSON bool `help:"Print the pack as JSON." name:"json"`
}

func (c *ReviewShowCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := newApp(ctx, g, env, false)
	if err != nil {
		return err
	}
	defer a.Close()

	pack, err := a.orch.GetReviewPack(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pack)
	}
	renderPack(env.stdout, pack)
	return nil
}

type ReviewApproveCmd struct{}

func (c *ReviewApproveCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	if err := decide(ctx, g, env, true); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "run marked complete")
	return nil
}

type ReviewRejectCmd struct{}

func (c *ReviewRejectCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	if err := decide(ctx, g, env, false); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "review rejected, run is idle")
	return nil
}

func decide(ctx context.Context, g *Globals, env *runtimeEnv, approved bool) error {
	a, err := newApp(ctx, g, env, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.orch.ReviewDecision(ctx, approved)
}

type CancelCmd struct{}

func (c *CancelCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := newApp(ctx, g, env, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.CancelRun(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "run cancelled")
	return nil
}

type ResetCmd struct {
	Yes bool `help:"Confirm deleting all persisted state." short:"y"`
}

func (c *ResetCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	if !c.Yes {
		return fmt.Errorf("reset deletes the run state, review pack and preferences: pass --yes to confirm")
	}
	a, err := openApp(ctx, g, env)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "state cleared")
	return nil
}

type ScheduleCmd struct {
	Cron       string `help:"Cron expression, defaults to schedule.expression."`
	Target     string `help:"Page or tab the agent operates on."`
	AutoResume *bool  `help:"Resume paused runs after transient failures." negatable:""`
}

func (c *ScheduleCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := newApp(ctx, g, env, true)
	if err != nil {
		return err
	}
	defer a.Close()

	expression := firstNonEmpty(c.Cron, a.cfg.Schedule.Expression)
	if expression == "" {
		return fmt.Errorf("no cron expression: pass --cron or set schedule.expression")
	}
	target := firstNonEmpty(c.Target, a.cfg.Schedule.TargetID, defaultTarget)
	autoResume := a.cfg.Schedule.AutoResume
	if c.AutoResume != nil {
		autoResume = *c.AutoResume
	}

	scheduler := alarm.NewScheduler(
		alarm.WithLogger(a.logger),
		alarm.WithErrorHandler(func(err error) {
			a.logger.Error("scheduled job failed: %v", err)
		}),
	)
	handle, err := alarm.ScheduleRuns(scheduler, a.orch, expression, target, "")
	if err != nil {
		return err
	}
	if autoResume {
		unwatch := alarm.NewAutoResume(scheduler, a.orch, a.cfg.Schedule.AutoResumeBase, a.cfg.Schedule.AutoResumeMax).Watch()
		defer unwatch()
	}

	if fs, ok := a.store.(*store.FileStore); ok {
		unwatch := fs.Watch(func(change store.Change) {
			if change.Key == store.KeyPreferences {
				a.logger.Info("delivery preferences changed, next run uses them")
			}
		})
		defer unwatch()
		if err := fs.StartWatching(ctx); err != nil {
			a.logger.Warn("watching %s failed: %v", fs.Path(), err)
		}
	}

	if _, err := a.orch.Recover(ctx); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	if next, ok := scheduler.Next(handle); ok {
		fmt.Fprintf(env.stdout, "next run at %s\n", next.Format("Mon Jan 2 15:04"))
	}

	<-ctx.Done()
	stopCtx := context.WithoutCancel(ctx)
	if err := scheduler.Stop(stopCtx); err != nil {
		a.logger.Warn("scheduler stop: %v", err)
	}
	if a.orch.State().Status == runstate.StatusRunning {
		if err := a.orch.PauseRun(stopCtx); err != nil {
			a.logger.Warn("pause on shutdown: %v", err)
		}
	}
	return nil
}

type PrefsCmd struct {
	Show PrefsShowCmd `cmd:"" default:"1" help:"Print the stored preferences."`
	Set  PrefsSetCmd  `cmd:"" help:"Update the stored preferences."`
}

type PrefsShowCmd struct{}

func (c *PrefsShowCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := openApp(ctx, g, env)
	if err != nil {
		return err
	}
	defer a.Close()

	var prefs model.Preferences
	if _, err := store.GetJSON(ctx, a.store, store.KeyPreferences, &prefs); err != nil {
		return err
	}
	renderPreferences(env.stdout, prefs)
	return nil
}

type PrefsSetCmd struct {
	Days   []string `help:"Preferred delivery days, e.g. sat,sun." sep:","`
	From   *string  `help:"Start of the preferred window, HH:MM."`
	To     *string  `help:"End of the preferred window, HH:MM."`
	MaxFee *float64 `help:"Highest acceptable delivery fee."`
}

func (c *PrefsSetCmd) Run(ctx context.Context, g *Globals, env *runtimeEnv) error {
	a, err := openApp(ctx, g, env)
	if err != nil {
		return err
	}
	defer a.Close()

	var prefs model.Preferences
	if _, err := store.GetJSON(ctx, a.store, store.KeyPreferences, &prefs); err != nil {
		return err
	}
	if c.Days != nil {
		for _, day := range c.Days {
			if _, ok := model.ParseWeekday(day); !ok {
				return fmt.Errorf("%q is not a weekday", day)
			}
		}
		prefs.PreferredDays = c.Days
	}
	if c.From != nil {
		prefs.PreferredTimeStart = strings.TrimSpace(*c.From)
	}
	if c.To != nil {
		prefs.PreferredTimeEnd = strings.TrimSpace(*c.To)
	}
	if c.MaxFee != nil {
		if *c.MaxFee < 0 {
			return fmt.Errorf("max fee must not be negative")
		}
		prefs.MaxDeliveryFee = *c.MaxFee
	}
	if (prefs.PreferredTimeStart != "" || prefs.PreferredTimeEnd != "") && !validWindow(prefs) {
		return fmt.Errorf("window %q-%q is not a valid HH:MM range", prefs.PreferredTimeStart, prefs.PreferredTimeEnd)
	}
	if err := store.SetJSON(ctx, a.store, map[string]any{store.KeyPreferences: prefs}); err != nil {
		return err
	}
	renderPreferences(env.stdout, prefs)
	return nil
}

func validWindow(p model.Preferences) bool {
	_, _, ok := p.Window()
	return ok
}

// follow prints progress until the loop exits. When ctx ends first the run is paused
// so it can be resumed later.
func follow(ctx context.Context, a *app, out io.Writer) error {
	unsubscribe := a.orch.Subscribe(func(next, prev *runstate.RunState, action runstate.Action) {
		renderTransition(out, next, prev, action)
	})
	defer unsubscribe()

	waitCtx, done := context.WithCancel(context.WithoutCancel(ctx))
	defer done()

	var g errgroup.Group
	g.Go(func() error {
		defer done()
		return a.orch.Wait(waitCtx)
	})
	g.Go(func() error {
		select {
		case <-waitCtx.Done():
			return nil
		case <-ctx.Done():
		}
		err := a.orch.PauseRun(context.WithoutCancel(ctx))
		if err != nil && orchestrator.ErrorCode(err) != orchestrator.ErrCodeRunNotActive {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	unsubscribe()

	st := a.orch.State()
	renderState(out, st)
	if st.Status == runstate.StatusReview {
		pack, err := a.orch.GetReviewPack(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		renderPack(out, pack)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
