package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/agent/agenttest"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

func groceryScenario() agenttest.Scenario {
	return agenttest.Scenario{
		URL:      "https://www.grocer.example.com/account/orders",
		UserName: "Sam",
		Orders: []model.Order{
			{OrderID: "O3", Date: "2024-03-01", Items: []model.OrderItem{{Name: "Bread", Quantity: 2}}},
			{OrderID: "O1", Date: "2024-01-01", Items: []model.OrderItem{{Name: "Apples", Quantity: 2}, {Name: "Bread", Quantity: 1}}},
			{OrderID: "O2", Date: "2024-02-01", Items: []model.OrderItem{{Name: "Apples", Quantity: 1}, {Name: "Crisps", Quantity: 3}}},
		},
		Catalog: []model.CartItem{
			{Name: "Apples", Price: 0.5, Availability: model.AvailabilityAvailable},
			{Name: "Bread", Price: 2, Availability: model.AvailabilityLimited},
			{Name: "Crisps", Price: 1.5, Brand: "Acme", Category: "Snacks", Availability: model.AvailabilityUnavailable},
		},
		Products: []model.Product{
			{Name: "Crisps Sold Out", Price: 1.5, Availability: model.AvailabilityUnavailable},
			{Name: "Acme Crisps Salted", Price: 1.6, Brand: "Acme", CategoryPath: []string{"Food", "Snacks"}, Availability: model.AvailabilityAvailable},
			{Name: "Value Crisps", Price: 0.9, Availability: model.AvailabilityAvailable},
		},
		Slots: []model.DeliverySlot{
			{Date: "2024-03-09", DayOfWeek: "Saturday", TimeStart: "09:00", TimeEnd: "11:00", Fee: 3, RemainingCapacity: model.CapacityHigh, Available: true},
			{Date: "2024-03-10", DayOfWeek: "Sunday", TimeStart: "18:00", TimeEnd: "20:00", IsFree: true, Available: true},
			{Date: "2024-03-08", DayOfWeek: "Friday", TimeStart: "09:00", TimeEnd: "11:00", Available: false},
		},
	}
}

type harness struct {
	orch    *Orchestrator
	machine *runstate.Machine
	page    *agenttest.Page
	store   *store.MemoryStore
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ExpectedHost = "grocer.example.com"
	cfg.PagePollInterval = time.Millisecond
	cfg.PhaseTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, scn agenttest.Scenario, cfg Config, opts ...Option) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	return newHarnessWithStore(t, st, scn, cfg, opts...)
}

func newHarnessWithStore(t *testing.T, st *store.MemoryStore, scn agenttest.Scenario, cfg Config, opts ...Option) *harness {
	t.Helper()
	m, err := runstate.NewMachine(context.Background(), st, runstate.WithLogger(runstate.NewFmtLogger(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	page := agenttest.NewPage(scn)
	client, err := agenttest.NewClient(page)
	require.NoError(t, err)

	opts = append([]Option{
		WithConfig(cfg),
		WithLogger(runstate.NewFmtLogger(io.Discard)),
		WithPreferenceStore(st),
	}, opts...)
	o := New(m, client, opts...)
	t.Cleanup(o.Close)
	return &harness{orch: o, machine: m, page: page, store: st}
}

func wait(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func cartQuantities(items []model.CartItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.Name] = item.Quantity
	}
	return out
}

func TestRunReachesReviewWithPack(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())

	var mu sync.Mutex
	var phases []runstate.Phase
	h.orch.Subscribe(func(_, _ *runstate.RunState, action runstate.Action) {
		if action.Type == runstate.ActionPhaseComplete {
			mu.Lock()
			phases = append(phases, action.Phase)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	started, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusRunning, started.Status)
	wait(t, h.orch)

	st := h.orch.State()
	require.Equal(t, runstate.StatusReview, st.Status, "last error: %v", st.LastError)
	assert.Equal(t, runstate.PhaseNone, st.Phase)
	assert.Zero(t, st.ErrorCount)

	mu.Lock()
	assert.Equal(t, runstate.Phases, phases)
	mu.Unlock()

	assert.Equal(t, map[string]int{"Apples": 3, "Bread": 3, "Crisps": 3}, cartQuantities(h.page.Cart()))

	pack, err := h.orch.GetReviewPack(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, pack.RunID)
	assert.Equal(t, "tab-1", pack.TargetID)
	require.NotNil(t, pack.SourceOrder)
	assert.Equal(t, "O3", pack.SourceOrder.OrderID)
	require.Len(t, pack.OrdersConsidered, 3)
	assert.Equal(t, "O1", pack.OrdersConsidered[0].OrderID)
	assert.Equal(t, map[string]int{"Apples": 3, "Bread": 3, "Crisps": 3}, cartQuantities(pack.Items))

	require.Len(t, pack.Substitutions, 1)
	proposal := pack.Substitutions[0]
	assert.Equal(t, "Crisps", proposal.Original.Name)
	assert.Equal(t, "Acme Crisps Salted", proposal.Substitute.Product.Name)
	assert.Equal(t, "Acme Crisps", proposal.Query)
	assert.Equal(t, model.UserActionPending, proposal.UserAction)
	require.Len(t, proposal.Alternatives, 1)
	assert.Equal(t, "Value Crisps", proposal.Alternatives[0].Product.Name)
	assert.Empty(t, proposal.Rationale)

	assert.Equal(t, []string{"Crisps"}, pack.Diff.Unavailable)
	assert.Equal(t, []string{"Crisps"}, pack.Diff.Substituted)
	assert.Empty(t, pack.Diff.Added)
	assert.Empty(t, pack.Diff.Removed)
	assert.Empty(t, pack.Diff.QuantityChanged)

	assert.Equal(t, 2, pack.Slots.Considered)
	require.NotNil(t, pack.Slots.BestFree)
	assert.Equal(t, "2024-03-10", pack.Slots.BestFree.Slot.Date)

	assert.Equal(t, 3, pack.Stats.OrdersReplayed)
	assert.Equal(t, 3, pack.Stats.ItemCount)
	assert.Equal(t, 2, pack.Stats.AvailableCount)
	assert.Equal(t, 1, pack.Stats.UnavailableCount)
	assert.Equal(t, 1, pack.Stats.SubstitutionsProposed)

	assert.Equal(t, 3, st.Progress.OrdersReplayed)
	assert.Equal(t, 1, st.Progress.ItemsUnavailable)
	assert.Equal(t, 1, st.Progress.SubstitutesFound)
}

func TestExplicitOrderReplaysOnlyThatOrder(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "O2")
	require.NoError(t, err)
	wait(t, h.orch)

	require.Equal(t, runstate.StatusReview, h.orch.State().Status)
	assert.Equal(t, map[string]int{"Apples": 1, "Crisps": 3}, cartQuantities(h.page.Cart()))

	pack, err := h.orch.GetReviewPack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "O2", pack.SourceOrder.OrderID)
	assert.Equal(t, 1, pack.Stats.OrdersReplayed)
	assert.Equal(t, 1, h.page.Calls(agent.OpReorder))
}

func TestStartRunRejectedWhileActive(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	h.page.SetDelay(agent.OpExtractHistory, time.Hour)
	ctx := context.Background()

	first, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)

	again, err := h.orch.StartRun(ctx, "tab-2", "")
	require.Error(t, err)
	assert.Equal(t, ErrCodeRunActive, ErrorCode(err))
	assert.Equal(t, first.RunID, again.RunID)

	require.NoError(t, h.orch.CancelRun(ctx))
}

func TestNotLoggedInIsNotRecoverable(t *testing.T) {
	scn := groceryScenario()
	loggedOut := false
	scn.LoggedIn = &loggedOut
	h := newHarness(t, scn, testConfig())
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.Equal(t, runstate.StatusPaused, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, ErrCodeNotLoggedIn, st.LastError.Code)
	assert.Equal(t, runstate.PhaseInitializing, st.LastError.Phase)
	assert.False(t, st.LastError.Recoverable)

	err = h.orch.ResumeRun(ctx)
	assert.Equal(t, ErrCodeRunNotResumable, ErrorCode(err))

	require.NoError(t, h.orch.CancelRun(ctx))
	assert.Equal(t, runstate.StatusIdle, h.orch.State().Status)
}

func TestWrongSite(t *testing.T) {
	scn := groceryScenario()
	scn.URL = "https://grocer.example.com.attacker.net/orders"
	h := newHarness(t, scn, testConfig())

	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, ErrCodeWrongSite, st.LastError.Code)
	assert.False(t, st.LastError.Recoverable)
}

func TestWaitsForPageToFinishLoading(t *testing.T) {
	scn := groceryScenario()
	scn.LoadingPolls = 3
	h := newHarness(t, scn, testConfig())

	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	assert.Equal(t, runstate.StatusReview, h.orch.State().Status)
	assert.Equal(t, 4, h.page.Calls(agent.OpPageStatus))
}

func TestPageLoadTimeoutIsRecoverable(t *testing.T) {
	scn := groceryScenario()
	scn.LoadingPolls = 1 << 20
	cfg := testConfig()
	cfg.PageLoadTimeout = 30 * time.Millisecond
	h := newHarness(t, scn, cfg)

	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, ErrCodePageLoadTimeout, st.LastError.Code)
	assert.True(t, st.LastError.Recoverable)
}

func TestThirdTimeoutIsNotRecoverable(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	h.page.FailNext(agent.OpCartScan, agent.CodeTimeout, 3)
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		wait(t, h.orch)
		st := h.orch.State()
		require.Equal(t, runstate.StatusPaused, st.Status)
		require.NotNil(t, st.LastError)
		assert.Equal(t, agent.CodeTimeout, st.LastError.Code)
		assert.Equal(t, runstate.PhaseCart, st.LastError.Phase)
		assert.Equal(t, attempt, st.LastError.RetryCount)
		assert.Equal(t, attempt < 3, st.LastError.Recoverable, "attempt %d", attempt)
		if attempt < 3 {
			require.NoError(t, h.orch.ResumeRun(ctx))
		}
	}

	err = h.orch.ResumeRun(ctx)
	assert.Equal(t, ErrCodeRunNotResumable, ErrorCode(err))
	assert.Equal(t, 3, h.orch.State().ErrorCount)
}

func TestRecoverableErrorThenResumeReachesReview(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	h.page.FailNext(agent.OpSlotsExtract, agent.CodeNetworkError, 1)
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.Equal(t, runstate.StatusPaused, st.Status)
	assert.Equal(t, runstate.PhaseSlots, st.Phase)
	assert.True(t, st.LastError.Recoverable)

	_, err = h.orch.GetReviewPack(ctx)
	assert.Equal(t, runstate.ErrCodeReviewPackMissing, ErrorCode(err))

	require.NoError(t, h.orch.ResumeRun(ctx))
	wait(t, h.orch)
	assert.Equal(t, runstate.StatusReview, h.orch.State().Status)
	assert.Equal(t, 1, h.page.Calls(agent.OpSearchProducts), "substitution is not repeated after resume")
}

func TestPhaseTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseTimeout = 50 * time.Millisecond
	h := newHarness(t, groceryScenario(), cfg)
	h.page.SetDelay(agent.OpSlotsExtract, time.Hour)

	start := time.Now()
	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, ErrCodePhaseTimeout, st.LastError.Code)
	assert.Equal(t, runstate.PhaseSlots, st.LastError.Phase)
	assert.True(t, st.LastError.Recoverable)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPauseAbortsInFlightWaitAndResumeContinues(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	h.page.SetDelay(agent.OpExtractHistory, time.Hour)
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.page.Calls(agent.OpExtractHistory) == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.orch.PauseRun(ctx))
	assert.Less(t, time.Since(start), time.Second)

	st := h.orch.State()
	assert.Equal(t, runstate.StatusPaused, st.Status)
	assert.Equal(t, runstate.PhaseCart, st.Phase)
	assert.Nil(t, st.LastError)
	assert.Zero(t, h.page.Calls(agent.OpReorder), "stale history result must not be acted on")

	err = h.orch.PauseRun(ctx)
	assert.Equal(t, ErrCodeRunNotActive, ErrorCode(err))

	h.page.SetDelay(agent.OpExtractHistory, 0)
	require.NoError(t, h.orch.ResumeRun(ctx))
	wait(t, h.orch)
	assert.Equal(t, runstate.StatusReview, h.orch.State().Status)
}

func TestCancelDuringRunReturnsToIdle(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	h.page.SetDelay(agent.OpSearchProducts, time.Hour)
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.page.Calls(agent.OpSearchProducts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.CancelRun(ctx))
	st := h.orch.State()
	assert.Equal(t, runstate.StatusIdle, st.Status)
	assert.Empty(t, st.RunID)

	err = h.orch.CancelRun(ctx)
	assert.Equal(t, ErrCodeRunNotActive, ErrorCode(err))

	h.page.SetDelay(agent.OpSearchProducts, 0)
	_, err = h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)
	assert.Equal(t, runstate.StatusReview, h.orch.State().Status)
}

func TestReviewDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("approved", func(t *testing.T) {
		h := newHarness(t, groceryScenario(), testConfig())
		err := h.orch.ReviewDecision(ctx, true)
		assert.Equal(t, ErrCodeRunNotInReview, ErrorCode(err))

		_, err = h.orch.StartRun(ctx, "tab-1", "")
		require.NoError(t, err)
		wait(t, h.orch)

		require.NoError(t, h.orch.ReviewDecision(ctx, true))
		assert.Equal(t, runstate.StatusComplete, h.orch.State().Status)
		_, err = h.orch.GetReviewPack(ctx)
		assert.NoError(t, err)

		require.NoError(t, h.orch.CancelRun(ctx))
		assert.Equal(t, runstate.StatusIdle, h.orch.State().Status)
		_, err = h.machine.ReviewPack(ctx)
		assert.Equal(t, runstate.ErrCodeReviewPackMissing, ErrorCode(err))
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, groceryScenario(), testConfig())
		_, err := h.orch.StartRun(ctx, "tab-1", "")
		require.NoError(t, err)
		wait(t, h.orch)

		require.NoError(t, h.orch.ReviewDecision(ctx, false))
		assert.Equal(t, runstate.StatusIdle, h.orch.State().Status)
		_, err = h.machine.ReviewPack(ctx)
		assert.Equal(t, runstate.ErrCodeReviewPackMissing, ErrorCode(err))
	})
}

func TestNoOrders(t *testing.T) {
	scn := groceryScenario()
	scn.Orders = nil
	h := newHarness(t, scn, testConfig())

	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	st := h.orch.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, ErrCodeNoOrders, st.LastError.Code)
	assert.False(t, st.LastError.Recoverable)
}

func TestAdvisorRationaleIsAttached(t *testing.T) {
	advisor := advisory.Func(func(context.Context, []advisory.Message, advisory.Options) (*advisory.Completion, error) {
		return &advisory.Completion{Content: "Same brand crisps at almost the same price."}, nil
	})
	h := newHarness(t, groceryScenario(), testConfig(), WithAdvisor(advisor))
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	pack, err := h.orch.GetReviewPack(ctx)
	require.NoError(t, err)
	require.Len(t, pack.Substitutions, 1)
	assert.Equal(t, "Same brand crisps at almost the same price.", pack.Substitutions[0].Rationale)
	assert.Equal(t, "Acme Crisps Salted", pack.Substitutions[0].Substitute.Product.Name)
}

func TestFailingAdvisorDegradesSilently(t *testing.T) {
	advisor := advisory.Func(func(context.Context, []advisory.Message, advisory.Options) (*advisory.Completion, error) {
		return nil, errors.New("quota exceeded")
	})
	h := newHarness(t, groceryScenario(), testConfig(), WithAdvisor(advisor))

	_, err := h.orch.StartRun(context.Background(), "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)
	assert.Equal(t, runstate.StatusReview, h.orch.State().Status)
}

func TestStoredPreferencesDriveSlotRanking(t *testing.T) {
	h := newHarness(t, groceryScenario(), testConfig())
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, h.store, map[string]any{
		store.KeyPreferences: model.Preferences{
			PreferredDays:      []string{"Sunday"},
			PreferredTimeStart: "18:00",
			PreferredTimeEnd:   "20:00",
		},
	}))

	_, err := h.orch.StartRun(ctx, "tab-1", "")
	require.NoError(t, err)
	wait(t, h.orch)

	pack, err := h.orch.GetReviewPack(ctx)
	require.NoError(t, err)
	best, ok := pack.Slots.Recommended()
	require.True(t, ok)
	assert.Equal(t, "Sunday", best.Slot.DayOfWeek)
}

func TestResumeInNewProcessKeepsOrderReference(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, store.SetJSON(ctx, st, map[string]any{store.KeyRunState: runstate.RunState{
		Status:     runstate.StatusPaused,
		Phase:      runstate.PhaseSubstitution,
		RunID:      "run-paused",
		TargetID:   "tab-1",
		ErrorCount: 1,
		LastError: &runstate.RunError{
			Code:        agent.CodeTimeout,
			Message:     "search timed out",
			Phase:       runstate.PhaseSubstitution,
			Recoverable: true,
			RetryCount:  1,
		},
		StartedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Minute),
	}}))
	h := newHarnessWithStore(t, st, groceryScenario(), testConfig())

	client, err := agenttest.NewClient(h.page)
	require.NoError(t, err)
	for i, id := range []string{"O1", "O2", "O3"} {
		mode := agent.ReorderMerge
		if i == 0 {
			mode = agent.ReorderReplace
		}
		_, err = client.Reorder(ctx, "tab-1", id, mode)
		require.NoError(t, err)
	}

	require.NoError(t, h.orch.ResumeRun(ctx))
	wait(t, h.orch)
	require.Equal(t, runstate.StatusReview, h.orch.State().Status)

	pack, err := h.orch.GetReviewPack(ctx)
	require.NoError(t, err)
	require.NotNil(t, pack.SourceOrder)
	assert.Equal(t, "O3", pack.SourceOrder.OrderID)
	assert.Equal(t, 3, pack.Stats.OrdersReplayed)
	assert.Empty(t, pack.Diff.QuantityChanged)
	assert.Empty(t, pack.Diff.Removed)
	assert.Equal(t, 3, h.page.Calls(agent.OpReorder))
}

func TestRecoverResumesFreshRunAndDiscardsStaleRun(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh", func(t *testing.T) {
		st := store.NewMemoryStore()
		require.NoError(t, store.SetJSON(ctx, st, map[string]any{store.KeyRunState: runstate.RunState{
			Status:    runstate.StatusRunning,
			Phase:     runstate.PhaseSlots,
			RunID:     "run-restored",
			TargetID:  "tab-1",
			StartedAt: time.Now().Add(-10 * time.Second),
			UpdatedAt: time.Now().Add(-2 * time.Second),
		}}))
		h := newHarnessWithStore(t, st, groceryScenario(), testConfig())

		client, err := agenttest.NewClient(h.page)
		require.NoError(t, err)
		_, err = client.Reorder(ctx, "tab-1", "O2", agent.ReorderReplace)
		require.NoError(t, err)

		recovered, err := h.orch.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-restored", recovered.RunID)
		wait(t, h.orch)

		require.Equal(t, runstate.StatusReview, h.orch.State().Status)
		pack, err := h.orch.GetReviewPack(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-restored", pack.RunID)
		require.Len(t, pack.Substitutions, 1, "cart is rescanned lazily")
		require.NotNil(t, pack.SourceOrder, "order history is reloaded after a restart")
		assert.Equal(t, "O3", pack.SourceOrder.OrderID)
		assert.Len(t, pack.OrdersConsidered, 3)
		assert.Equal(t, 3, pack.Stats.OrdersReplayed)
		assert.Equal(t, []model.QuantityChange{{Name: "Apples", From: 3, To: 1}}, pack.Diff.QuantityChanged)
		assert.Equal(t, []string{"Bread"}, pack.Diff.Removed)
		assert.Equal(t, 1, h.page.Calls(agent.OpReorder), "recovery never replays orders again")
	})

	t.Run("stale", func(t *testing.T) {
		st := store.NewMemoryStore()
		require.NoError(t, store.SetJSON(ctx, st, map[string]any{store.KeyRunState: runstate.RunState{
			Status:    runstate.StatusRunning,
			Phase:     runstate.PhaseCart,
			RunID:     "run-stale",
			UpdatedAt: time.Now().Add(-time.Hour),
		}}))
		h := newHarnessWithStore(t, st, groceryScenario(), testConfig())
		require.True(t, h.orch.State().RecoveryNeeded)

		recovered, err := h.orch.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, runstate.StatusIdle, recovered.Status)
		assert.Zero(t, h.page.Calls(agent.OpPageStatus))
	})

	t.Run("paused is left alone", func(t *testing.T) {
		st := store.NewMemoryStore()
		require.NoError(t, store.SetJSON(ctx, st, map[string]any{store.KeyRunState: runstate.RunState{
			Status:    runstate.StatusPaused,
			Phase:     runstate.PhaseCart,
			RunID:     "run-paused",
			UpdatedAt: time.Now().Add(-time.Hour),
		}}))
		h := newHarnessWithStore(t, st, groceryScenario(), testConfig())

		recovered, err := h.orch.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, runstate.StatusPaused, recovered.Status)
		assert.Equal(t, "run-paused", recovered.RunID)
	})
}
