// Package orchestrator drives a reorder run through its phases against the extraction
// agent, recording every step in the run state machine. A run never goes past review:
// there is no operation that submits payment or confirms an order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runner"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

// Agent is the subset of the extraction agent client the orchestrator drives.
type Agent interface {
	PageStatus(ctx context.Context, targetID string) (agent.PageStatus, error)
	CheckLogin(ctx context.Context, targetID string) (agent.LoginStatus, error)
	ExtractHistory(ctx context.Context, targetID string, limit int) ([]model.Order, error)
	Reorder(ctx context.Context, targetID, orderID string, mode agent.ReorderMode) (agent.ReorderResult, error)
	ScanCart(ctx context.Context, targetID string, includeOutOfStock bool) ([]model.CartItem, error)
	SearchProducts(ctx context.Context, targetID, query string, maxResults int) ([]model.Product, error)
	ExtractSlots(ctx context.Context, targetID string) ([]model.DeliverySlot, error)
}

var _ Agent = (*agent.Client)(nil)

// Cancellation causes handed to the run token.
var (
	errPaused    = errors.New("run paused")
	errCancelled = errors.New("run cancelled")
	errClosed    = errors.New("orchestrator closed")
)

// Orchestrator owns the run loop. At most one loop runs at a time.
type Orchestrator struct {
	machine *runstate.Machine
	agent   Agent
	store   store.Store
	advisor advisory.Advisor
	cfg     Config
	logger  runstate.Logger
	now     func() time.Time

	mu    sync.Mutex
	token *runner.Token
	done  chan struct{}
	rc    *runContext
}

// New wires an orchestrator to machine and the agent client.
func New(machine *runstate.Machine, ag Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		machine: machine,
		agent:   ag,
		advisor: advisory.Noop{},
		cfg:     DefaultConfig(),
		logger:  runstate.NewFmtLogger(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.cfg = o.cfg.withDefaults()
	o.logger = runstate.WithLoggerFields(o.logger, map[string]any{"component": "orchestrator"})
	return o
}

// State returns the current run state.
func (o *Orchestrator) State() *runstate.RunState {
	return o.machine.State()
}

// Subscribe forwards to the machine listener list. Listeners run on the dispatching
// goroutine and must not call back into the orchestrator synchronously.
func (o *Orchestrator) Subscribe(fn runstate.Listener) func() {
	return o.machine.Subscribe(fn)
}

// StartRun begins a new run against targetID. orderID, when set, replays only that order.
func (o *Orchestrator) StartRun(ctx context.Context, targetID, orderID string) (*runstate.RunState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.machine.State()
	if prev.Status != runstate.StatusIdle {
		return prev, newError(ErrRunActive, "", nil, map[string]any{"status": string(prev.Status), "run_id": prev.RunID})
	}
	next := o.machine.Dispatch(runstate.StartRun(targetID, orderID))
	if next == prev {
		return prev, newError(ErrRunActive, "", nil, nil)
	}
	if err := o.machine.ClearReviewPack(ctx); err != nil {
		o.logger.Warn("clear previous review pack failed: %v", err)
	}

	o.rc = newRunContext(next)
	o.launchLocked(ctx)
	o.runLogger(next).Info("run started for target %s", targetID)
	return next, nil
}

// PauseRun signals the in-flight loop and pauses the run.
func (o *Orchestrator) PauseRun(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.machine.State()
	if st.Status != runstate.StatusRunning {
		return newError(ErrRunNotActive, "", nil, map[string]any{"status": string(st.Status)})
	}
	o.stopLocked(ctx, errPaused)
	o.machine.Dispatch(runstate.PauseRun())
	o.runLogger(st).Info("run paused in phase %s", st.Phase)
	return nil
}

// ResumeRun continues a paused run from its current phase.
func (o *Orchestrator) ResumeRun(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.machine.State()
	if st.Status != runstate.StatusPaused {
		return newError(ErrRunNotPaused, "", nil, map[string]any{"status": string(st.Status)})
	}
	if !st.Resumable() {
		return newError(ErrRunNotResumable, "", nil, map[string]any{"last_error": st.LastError.Error()})
	}
	o.waitLocked(ctx)

	next := o.machine.Dispatch(runstate.ResumeRun())
	if next.Status != runstate.StatusRunning {
		return newError(ErrRunNotResumable, "", nil, nil)
	}
	if o.rc == nil || o.rc.runID != next.RunID {
		o.rc = newRunContext(next)
	}
	o.launchLocked(ctx)
	o.runLogger(next).Info("run resumed in phase %s", next.Phase)
	return nil
}

// CancelRun stops any loop and returns the machine to idle. It also acknowledges a
// reviewed or completed run.
func (o *Orchestrator) CancelRun(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.machine.State()
	if st.Status == runstate.StatusIdle {
		return newError(ErrRunNotActive, "", nil, nil)
	}
	o.stopLocked(ctx, errCancelled)
	o.machine.Dispatch(runstate.CancelRun())
	o.rc = nil
	if err := o.machine.ClearReviewPack(ctx); err != nil {
		o.logger.Warn("clear review pack failed: %v", err)
	}
	o.runLogger(st).Info("run cancelled from status %s", st.Status)
	return nil
}

// ReviewDecision records the reviewer outcome. Approval means the user finished the
// checkout on the site themselves.
func (o *Orchestrator) ReviewDecision(ctx context.Context, approved bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.machine.State()
	if st.Status != runstate.StatusReview {
		return newError(ErrRunNotInReview, "", nil, map[string]any{"status": string(st.Status)})
	}
	if !approved {
		if err := o.machine.ClearReviewPack(ctx); err != nil {
			o.logger.Warn("clear rejected review pack failed: %v", err)
		}
	}
	o.machine.Dispatch(runstate.ReviewDecision(approved))
	o.rc = nil
	o.runLogger(st).Info("review decision recorded: approved=%t", approved)
	return nil
}

// GetReviewPack returns the persisted pack once the run reached review.
func (o *Orchestrator) GetReviewPack(ctx context.Context) (*model.ReviewPack, error) {
	st := o.machine.State()
	if st.Status != runstate.StatusReview && st.Status != runstate.StatusComplete {
		return nil, newError(runstate.ErrReviewPackMissing, fmt.Sprintf("no review pack while %s", st.Status), nil, nil)
	}
	return o.machine.ReviewPack(ctx)
}

// Recover applies the startup policy to a persisted state: a stale running run is
// discarded, a fresh one is resumed, anything else is left for the operator.
func (o *Orchestrator) Recover(ctx context.Context) (*runstate.RunState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.machine.State()
	if st.Status != runstate.StatusRunning || o.loopAliveLocked() {
		return st, nil
	}
	if st.RecoveryNeeded {
		o.runLogger(st).Warn("discarding stale run last updated %s in phase %s", st.UpdatedAt.Format(time.RFC3339), st.Phase)
		return o.machine.Dispatch(runstate.CancelRun()), nil
	}
	o.rc = newRunContext(st)
	o.launchLocked(ctx)
	o.runLogger(st).Info("recovered run in phase %s", st.Phase)
	return st, nil
}

// Wait blocks until the current loop exits or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop without changing the persisted state.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked(context.Background(), errClosed)
}

func (o *Orchestrator) launchLocked(ctx context.Context) {
	token := runner.NewToken(context.WithoutCancel(ctx))
	done := make(chan struct{})
	o.token = token
	o.done = done
	go o.loop(token, o.rc, done)
}

// stopLocked cancels the token and waits for the loop so no stale result is acted on.
func (o *Orchestrator) stopLocked(ctx context.Context, cause error) {
	if o.token != nil {
		o.token.Cancel(cause)
	}
	o.waitLocked(ctx)
}

func (o *Orchestrator) waitLocked(ctx context.Context) {
	if o.done == nil {
		return
	}
	select {
	case <-o.done:
	case <-ctx.Done():
		o.logger.Warn("run loop did not stop before context ended: %v", ctx.Err())
	}
	o.done = nil
	o.token = nil
}

func (o *Orchestrator) loopAliveLocked() bool {
	if o.done == nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) runLogger(st *runstate.RunState) runstate.Logger {
	return runstate.WithRunFields(o.logger, st.RunID, st.Phase)
}
