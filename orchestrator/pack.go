package orchestrator

import (
	"math"
	"slices"
	"strings"

	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runstate"
)

func (o *Orchestrator) buildReviewPack(rc runContext, st *runstate.RunState) *model.ReviewPack {
	now := o.now()
	pack := &model.ReviewPack{
		RunID:         rc.runID,
		TargetID:      rc.targetID,
		Items:         slices.Clone(rc.cart),
		Substitutions: slices.Clone(rc.proposals),
		Slots:         rc.slots,
		GeneratedAt:   now,
	}
	if pack.Items == nil {
		pack.Items = []model.CartItem{}
	}
	if pack.Substitutions == nil {
		pack.Substitutions = []model.SubstitutionProposal{}
	}
	for _, order := range rc.orders {
		pack.OrdersConsidered = append(pack.OrdersConsidered, order.Ref())
	}
	if n := len(rc.orders); n > 0 {
		ref := rc.orders[n-1].Ref()
		pack.SourceOrder = &ref
	}

	pack.Diff = diffCart(ReplayQuantities(rc.orders), rc.cart, rc.proposals)
	pack.Stats = cartStats(rc)
	if st != nil {
		pack.Stats.ErrorCount = st.ErrorCount
		if !st.StartedAt.IsZero() {
			pack.Stats.ElapsedMs = now.Sub(st.StartedAt).Milliseconds()
		}
	}
	return pack
}

// ReplayQuantities applies the replay rule to the order lines: the first order replaces
// the cart, later ones merge into it. Lines keep first-seen order. It returns nil when no
// order carries lines.
func ReplayQuantities(orders []model.Order) []model.OrderItem {
	var out []model.OrderItem
	index := make(map[string]int)
	for _, order := range orders {
		for _, line := range order.Items {
			key := itemKey(line.Name)
			if i, ok := index[key]; ok {
				out[i].Quantity += max(line.Quantity, 1)
				continue
			}
			index[key] = len(out)
			out = append(out, model.OrderItem{Name: line.Name, Quantity: max(line.Quantity, 1), Price: line.Price})
		}
	}
	return out
}

func itemKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func diffCart(expected []model.OrderItem, cart []model.CartItem, proposals []model.SubstitutionProposal) model.DiffSummary {
	var diff model.DiffSummary
	for _, item := range cart {
		if !item.Availability.IsAvailable() {
			diff.Unavailable = append(diff.Unavailable, item.Name)
		}
	}
	for _, p := range proposals {
		diff.Substituted = append(diff.Substituted, p.Original.Name)
	}
	if len(expected) == 0 {
		return diff
	}

	want := make(map[string]int, len(expected))
	for _, line := range expected {
		want[itemKey(line.Name)] = line.Quantity
	}
	seen := make(map[string]bool, len(cart))
	for _, item := range cart {
		key := itemKey(item.Name)
		seen[key] = true
		qty, ok := want[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, item.Name)
		case qty != item.Quantity:
			diff.QuantityChanged = append(diff.QuantityChanged, model.QuantityChange{Name: item.Name, From: qty, To: item.Quantity})
		}
	}
	for _, line := range expected {
		if !seen[itemKey(line.Name)] {
			diff.Removed = append(diff.Removed, line.Name)
		}
	}
	return diff
}

func cartStats(rc runContext) model.RunStats {
	stats := model.RunStats{
		OrdersReplayed:        len(rc.orders),
		ItemCount:             len(rc.cart),
		SubstitutionsProposed: len(rc.proposals),
		SlotsConsidered:       rc.slots.Considered,
	}
	subs := make(map[string]model.ScoredSubstitute, len(rc.proposals))
	for _, p := range rc.proposals {
		subs[itemKey(p.Original.Name)] = p.Substitute
	}

	total := 0.0
	for _, item := range rc.cart {
		if item.Availability.IsAvailable() {
			stats.AvailableCount++
			total += item.LineTotal()
			continue
		}
		stats.UnavailableCount++
		if sub, ok := subs[itemKey(item.Name)]; ok {
			total += sub.Product.Price * float64(item.Quantity)
		}
	}
	if rec, ok := rc.slots.Recommended(); ok && !rec.Slot.Free() {
		total += rec.Slot.Fee
	}
	stats.EstimatedTotal = math.Round(total*100) / 100
	return stats
}
