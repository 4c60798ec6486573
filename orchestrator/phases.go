package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/goliatone/go-reorder/advisory"
	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/ranking"
	"github.com/goliatone/go-reorder/runner"
	"github.com/goliatone/go-reorder/runstate"
	"github.com/goliatone/go-reorder/store"
)

// maxAlternatives is how many runner-up substitutes a proposal keeps.
const maxAlternatives = 2

func (o *Orchestrator) initialize(ctx context.Context, rc runContext) (runContext, error) {
	o.step(ctx, "waiting for page")
	status, err := o.waitForPage(ctx, rc.targetID)
	if err != nil {
		return rc, err
	}
	if !o.hostAllowed(status.URL) {
		return rc, newError(ErrWrongSite, fmt.Sprintf("page %s is not on %s", status.URL, o.cfg.ExpectedHost), nil,
			map[string]any{"url": status.URL, "expected_host": o.cfg.ExpectedHost})
	}

	o.step(ctx, "checking login")
	login, err := o.agent.CheckLogin(ctx, rc.targetID)
	if err != nil {
		return rc, err
	}
	if !login.IsLoggedIn {
		return rc, newError(ErrNotLoggedIn, "", nil, nil)
	}
	return rc, nil
}

// waitForPage polls page.status with exponential backoff until the document is complete
// or the page load timeout passes.
func (o *Orchestrator) waitForPage(ctx context.Context, targetID string) (agent.PageStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PageLoadTimeout)
	defer cancel()

	backoff := runner.ExponentialBackoffStrategy{Base: o.cfg.PagePollInterval, Factor: 2, Max: maxPagePollInterval}
	timeout := func(last string) error {
		return newError(ErrPageLoadTimeout, fmt.Sprintf("page not ready after %s (last state %q)", o.cfg.PageLoadTimeout, last), nil,
			map[string]any{"timeout": o.cfg.PageLoadTimeout.String()})
	}

	last := ""
	for attempt := 0; ; attempt++ {
		status, err := o.agent.PageStatus(pollCtx, targetID)
		switch {
		case err == nil && status.ReadyState == agent.ReadyStateComplete:
			return status, nil
		case err == nil:
			last = status.ReadyState
		case ctx.Err() != nil:
			return agent.PageStatus{}, context.Cause(ctx)
		case pollCtx.Err() != nil:
			return agent.PageStatus{}, timeout(last)
		case agent.ErrorCode(err) != agent.CodePageNotReady:
			return agent.PageStatus{}, err
		}
		if err := runner.Sleep(pollCtx, backoff.SleepDuration(attempt, err)); err != nil {
			if ctx.Err() != nil {
				return agent.PageStatus{}, context.Cause(ctx)
			}
			return agent.PageStatus{}, timeout(last)
		}
	}
}

func (o *Orchestrator) hostAllowed(raw string) bool {
	expected := strings.ToLower(strings.TrimSpace(o.cfg.ExpectedHost))
	if expected == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == expected || strings.HasSuffix(host, "."+expected)
}

func (o *Orchestrator) buildCart(ctx context.Context, rc runContext) (runContext, error) {
	o.step(ctx, "reading order history")
	history, err := o.agent.ExtractHistory(ctx, rc.targetID, o.cfg.OrderHistoryLimit)
	if err != nil {
		return rc, err
	}
	orders := selectOrders(history, rc.orderID)
	if len(orders) == 0 {
		return rc, newError(ErrNoOrders, "", nil, map[string]any{"order_id": rc.orderID})
	}
	o.progress(ctx, runstate.Progress{OrdersFound: len(orders)})

	for i, order := range orders {
		mode := agent.ReorderMerge
		if i == 0 {
			mode = agent.ReorderReplace
		}
		o.step(ctx, "replaying order %s (%d/%d, %s)", order.OrderID, i+1, len(orders), mode)
		res, err := o.agent.Reorder(ctx, rc.targetID, order.OrderID, mode)
		if err != nil {
			return rc, err
		}
		if !res.Clicked {
			return rc, newError(ErrReorderFailed, fmt.Sprintf("reorder of %s was not applied", order.OrderID), nil,
				map[string]any{"order_id": order.OrderID})
		}
		o.progress(ctx, runstate.Progress{OrdersReplayed: i + 1})
	}

	rc.orders = orders
	return o.scanCart(ctx, rc)
}

// selectOrders returns the orders to replay, oldest first. With an explicit id only that
// order is replayed, even when the history page did not list it.
func selectOrders(history []model.Order, orderID string) []model.Order {
	if orderID != "" {
		if i := slices.IndexFunc(history, func(o model.Order) bool { return o.OrderID == orderID }); i >= 0 {
			return []model.Order{history[i]}
		}
		return []model.Order{{OrderID: orderID}}
	}
	orders := slices.DeleteFunc(slices.Clone(history), func(o model.Order) bool { return o.OrderID == "" })
	SortOldestFirst(orders)
	return orders
}

// SortOldestFirst orders by parsed date ascending. Undated orders count as oldest and
// ties keep their page order.
func SortOldestFirst(orders []model.Order) {
	slices.SortStableFunc(orders, func(a, b model.Order) int {
		ta, okA := a.ParsedDate()
		tb, okB := b.ParsedDate()
		switch {
		case !okA && !okB:
			return 0
		case !okA:
			return -1
		case !okB:
			return 1
		default:
			return ta.Compare(tb)
		}
	})
}

func (o *Orchestrator) scanCart(ctx context.Context, rc runContext) (runContext, error) {
	o.step(ctx, "scanning cart")
	items, err := o.agent.ScanCart(ctx, rc.targetID, true)
	if err != nil {
		return rc, err
	}
	rc.cart = items
	rc.cartLoaded = true
	o.progress(ctx, runstate.Progress{ItemsScanned: len(items), ItemsUnavailable: len(rc.unavailable())})
	return rc, nil
}

func (o *Orchestrator) findSubstitutes(ctx context.Context, rc runContext) (runContext, error) {
	var err error
	if !rc.cartLoaded {
		if rc, err = o.scanCart(ctx, rc); err != nil {
			return rc, err
		}
	}

	unavailable := rc.unavailable()
	proposals := make([]model.SubstitutionProposal, 0, len(unavailable))
	for i, item := range unavailable {
		if err := ctx.Err(); err != nil {
			return rc, context.Cause(ctx)
		}
		query := ranking.SearchQuery(item)
		o.step(ctx, "searching substitutes for %s (%d/%d)", item.Name, i+1, len(unavailable))
		products, err := o.agent.SearchProducts(ctx, rc.targetID, query, o.cfg.MaxSearchResults)
		if err != nil {
			return rc, err
		}
		candidates := slices.DeleteFunc(products, func(p model.Product) bool { return !p.Availability.IsAvailable() })
		o.progress(ctx, runstate.Progress{ItemsSearched: i + 1})
		if len(candidates) == 0 {
			continue
		}

		scored := ranking.ScoreSubstitutes(item, candidates)
		proposal := model.SubstitutionProposal{
			Original:   item,
			Substitute: scored[0],
			Query:      query,
			UserAction: model.UserActionPending,
		}
		if len(scored) > 1 {
			proposal.Alternatives = scored[1:min(len(scored), 1+maxAlternatives)]
		}
		proposal.Rationale = o.rationale(ctx, item, scored[0])
		proposals = append(proposals, proposal)
		o.progress(ctx, runstate.Progress{SubstitutesFound: len(proposals)})
	}

	rc.proposals = proposals
	rc.substituted = true
	return rc, nil
}

func (o *Orchestrator) rationale(ctx context.Context, item model.CartItem, pick model.ScoredSubstitute) string {
	if o.advisor == nil || !o.advisor.IsAvailable() {
		return ""
	}
	actx, cancel := context.WithTimeout(ctx, o.cfg.AdvisoryTimeout)
	defer cancel()
	return advisory.SubstituteRationale(actx, o.advisor, item, pick, advisory.Options{MaxTokens: o.cfg.AdvisoryMaxTokens})
}

func (o *Orchestrator) pickSlots(ctx context.Context, rc runContext) (runContext, error) {
	o.step(ctx, "reading delivery slots")
	slots, err := o.agent.ExtractSlots(ctx, rc.targetID)
	if err != nil {
		return rc, err
	}
	rc.slots = ranking.Recommend(slots, o.preferences(ctx))
	rc.slotsScored = true
	o.progress(ctx, runstate.Progress{SlotsScored: rc.slots.Considered})
	return rc, nil
}

// preferences reads stored delivery preferences, falling back to the configured defaults.
func (o *Orchestrator) preferences(ctx context.Context) model.Preferences {
	if o.store == nil {
		return o.cfg.DefaultPreferences
	}
	var prefs model.Preferences
	found, err := store.GetJSON(ctx, o.store, store.KeyPreferences, &prefs)
	if err != nil {
		o.logger.Warn("read delivery preferences failed, using defaults: %v", err)
		return o.cfg.DefaultPreferences
	}
	if !found {
		return o.cfg.DefaultPreferences
	}
	return prefs
}

func (o *Orchestrator) finalize(ctx context.Context, rc runContext) (runContext, error) {
	var err error
	if !rc.substituted {
		if rc, err = o.findSubstitutes(ctx, rc); err != nil {
			return rc, err
		}
	}
	if !rc.slotsScored {
		if rc, err = o.pickSlots(ctx, rc); err != nil {
			return rc, err
		}
	}

	if len(rc.orders) == 0 {
		if rc, err = o.reloadOrders(ctx, rc); err != nil {
			return rc, err
		}
	}

	o.step(ctx, "assembling review pack")
	pack := o.buildReviewPack(rc, o.machine.State())
	if err := o.machine.SaveReviewPack(ctx, pack); err != nil {
		return rc, err
	}
	return rc, nil
}

// reloadOrders rebuilds the replayed order list after a restart dropped the context. The
// cart already holds the replay, so nothing is reordered again.
func (o *Orchestrator) reloadOrders(ctx context.Context, rc runContext) (runContext, error) {
	o.step(ctx, "reloading order history")
	history, err := o.agent.ExtractHistory(ctx, rc.targetID, o.cfg.OrderHistoryLimit)
	if err != nil {
		return rc, err
	}
	rc.orders = selectOrders(history, rc.orderID)
	return rc, nil
}
