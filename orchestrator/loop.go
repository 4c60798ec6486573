package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runner"
	"github.com/goliatone/go-reorder/runstate"
)

// runContext is the in-memory working set of a run. It is never persisted; after a
// restart the phases rebuild what they need from the page.
type runContext struct {
	runID    string
	targetID string
	orderID  string

	orders     []model.Order
	cart       []model.CartItem
	cartLoaded bool

	proposals   []model.SubstitutionProposal
	substituted bool

	slots       model.SlotRecommendation
	slotsScored bool
}

func newRunContext(st *runstate.RunState) *runContext {
	return &runContext{runID: st.RunID, targetID: st.TargetID, orderID: st.OrderID}
}

func (rc runContext) unavailable() []model.CartItem {
	var out []model.CartItem
	for _, item := range rc.cart {
		if !item.Availability.IsAvailable() {
			out = append(out, item)
		}
	}
	return out
}

// phaseFunc computes a phase from a copy of the context and returns the updated copy.
// Results are committed only after the phase succeeds, so a timed out attempt that is
// still winding down cannot touch the live context.
type phaseFunc func(ctx context.Context, rc runContext) (runContext, error)

func (o *Orchestrator) phaseFor(phase runstate.Phase) (phaseFunc, bool) {
	switch phase {
	case runstate.PhaseInitializing:
		return o.initialize, true
	case runstate.PhaseCart:
		return o.buildCart, true
	case runstate.PhaseSubstitution:
		return o.findSubstitutes, true
	case runstate.PhaseSlots:
		return o.pickSlots, true
	case runstate.PhaseFinalizing:
		return o.finalize, true
	default:
		return nil, false
	}
}

// loop runs phases sequentially until the run leaves running, fails or is cancelled.
func (o *Orchestrator) loop(token *runner.Token, rc *runContext, done chan struct{}) {
	defer close(done)
	log := runstate.WithRunFields(o.logger, rc.runID, runstate.PhaseNone)

	var phase runstate.Phase
	defer func() {
		if r := recover(); r != nil {
			log.Error("run loop panicked in phase %s: %v\n%s", phase, r, debug.Stack())
			if !token.Cancelled() {
				o.fail(phase, newError(ErrInternal, fmt.Sprintf("run loop panicked: %v", r), nil, nil))
			}
		}
	}()

	for {
		if token.Cancelled() {
			return
		}
		st := o.machine.State()
		if st.Status != runstate.StatusRunning || st.RunID != rc.runID {
			return
		}
		phase = st.Phase

		fn, ok := o.phaseFor(phase)
		if !ok {
			o.fail(phase, newError(ErrUnknownPhase, fmt.Sprintf("unknown phase %q", phase), nil, nil))
			return
		}

		var result runContext
		handler := runner.NewHandler(
			runner.WithTimeout(o.cfg.PhaseTimeout),
			runner.WithName("phase "+string(phase)),
		)
		err := handler.Run(token.Context(), func(ctx context.Context) error {
			out, err := fn(ctx, *rc)
			if err == nil {
				result = out
			}
			return err
		})

		if token.Cancelled() {
			log.Debug("phase %s result discarded after %v", phase, token.Cause())
			return
		}
		if err != nil {
			log.Error("phase %s failed: %v", phase, err)
			o.fail(phase, err)
			return
		}

		*rc = result
		next := o.machine.Dispatch(runstate.PhaseComplete(phase))
		log.Info("phase %s complete", phase)
		if next.Status != runstate.StatusRunning {
			if next.Status == runstate.StatusReview {
				log.Info("run ready for review")
			}
			return
		}
	}
}

func (o *Orchestrator) fail(phase runstate.Phase, err error) {
	runErr := Classify(phase, err)
	o.machine.Dispatch(runstate.ErrorOccurred(runErr))
}

// step and progress publish display updates while the attempt is still current.
func (o *Orchestrator) step(ctx context.Context, format string, args ...any) {
	if ctx.Err() != nil {
		return
	}
	o.machine.Dispatch(runstate.StepUpdate(fmt.Sprintf(format, args...)))
}

func (o *Orchestrator) progress(ctx context.Context, p runstate.Progress) {
	if ctx.Err() != nil {
		return
	}
	o.machine.Dispatch(runstate.ProgressUpdate(p))
}
