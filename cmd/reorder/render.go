package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/runstate"
)

func renderTransition(out io.Writer, next, prev *runstate.RunState, action runstate.Action) {
	switch action.Type {
	case runstate.ActionStepUpdate:
		fmt.Fprintf(out, "  [%s] %s\n", next.Phase, next.Step)
	case runstate.ActionPhaseComplete:
		fmt.Fprintf(out, "phase %s complete\n", prev.Phase)
	case runstate.ActionErrorOccurred:
		if e := next.LastError; e != nil {
			hint := "cancel and start again"
			if e.Recoverable {
				hint = "resume to retry"
			}
			fmt.Fprintf(out, "paused: %s (%s)\n", e.Error(), hint)
		}
	}
}

func renderState(out io.Writer, st *runstate.RunState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "status\t%s\n", st.Status)
	if st.RunID != "" {
		fmt.Fprintf(w, "run\t%s\n", st.RunID)
		fmt.Fprintf(w, "target\t%s\n", st.TargetID)
	}
	if st.OrderID != "" {
		fmt.Fprintf(w, "order\t%s\n", st.OrderID)
	}
	if st.Phase != runstate.PhaseNone {
		fmt.Fprintf(w, "phase\t%s\n", st.Phase)
	}
	if st.Step != "" {
		fmt.Fprintf(w, "step\t%s\n", st.Step)
	}
	if st.ErrorCount > 0 {
		fmt.Fprintf(w, "errors\t%d\n", st.ErrorCount)
	}
	if st.LastError != nil {
		fmt.Fprintf(w, "last error\t%s (recoverable=%t)\n", st.LastError.Error(), st.LastError.Recoverable)
	}
	if st.RecoveryNeeded {
		fmt.Fprintf(w, "recovery\tstale, discarded on next start\n")
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated\t%s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func renderTransitions(out io.Writer, entries []runstate.TransitionLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no transitions recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tACTION\tFROM\tTO")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Action, label(e.FromStatus, e.FromPhase), label(e.ToStatus, e.ToPhase))
	}
	w.Flush()
}

func label(status runstate.Status, phase runstate.Phase) string {
	if phase == runstate.PhaseNone {
		return string(status)
	}
	return string(status) + "/" + string(phase)
}

func renderPack(out io.Writer, pack *model.ReviewPack) {
	if pack == nil {
		fmt.Fprintln(out, "no review pack")
		return
	}
	fmt.Fprintf(out, "\nreview pack for run %s\n", pack.RunID)
	if pack.SourceOrder != nil {
		fmt.Fprintf(out, "based on order %s (%s)\n", pack.SourceOrder.OrderID, pack.SourceOrder.Date)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nITEM\tQTY\tPRICE\tSTOCK")
	for _, item := range pack.Items {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\n", item.Name, item.Quantity, item.Price, stock(item.Availability))
	}
	w.Flush()

	if len(pack.Substitutions) > 0 {
		fmt.Fprintln(out, "\nsubstitutions")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, p := range pack.Substitutions {
			fmt.Fprintf(w, "  %s\t-> %s\t%.2f\tscore %.2f\n", p.Original.Name, p.Substitute.Product.Name, p.Substitute.Product.Price, p.Substitute.Score)
			if p.Rationale != "" {
				fmt.Fprintf(w, "\t   %s\t\t\n", p.Rationale)
			}
		}
		w.Flush()
	}

	if slot, ok := pack.Slots.Recommended(); ok {
		fmt.Fprintf(out, "\nrecommended slot: %s\n", describeSlot(slot.Slot))
		if pack.Slots.BestFree != nil && pack.Slots.BestFree.Slot != slot.Slot {
			fmt.Fprintf(out, "best free slot:   %s\n", describeSlot(pack.Slots.BestFree.Slot))
		}
	} else {
		fmt.Fprintln(out, "\nno delivery slot available")
	}

	d := pack.Diff
	if changes := len(d.Added) + len(d.Removed) + len(d.QuantityChanged); changes > 0 {
		fmt.Fprintf(out, "cart differs from the replayed orders in %d line(s)\n", changes)
	}
	s := pack.Stats
	fmt.Fprintf(out, "%d items, %d unavailable, %d substitutes, estimated total %.2f\n",
		s.ItemCount, s.UnavailableCount, s.SubstitutionsProposed, s.EstimatedTotal)
	fmt.Fprintln(out, "checkout stays with you: review the cart on the site, then run `reorder review approve`")
}

func stock(a model.Availability) string {
	if v := a.Normalize(); v != model.AvailabilityUnknown {
		return string(v)
	}
	return "unknown"
}

func describeSlot(s model.DeliverySlot) string {
	fee := "free"
	if !s.Free() {
		fee = fmt.Sprintf("fee %.2f", s.Fee)
	}
	return fmt.Sprintf("%s %s %s-%s (%s)", s.DayOfWeek, s.Date, s.TimeStart, s.TimeEnd, fee)
}

func renderPreferences(out io.Writer, p model.Preferences) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	days := "any"
	if len(p.PreferredDays) > 0 {
		days = strings.Join(p.PreferredDays, ", ")
	}
	window := "any"
	if p.PreferredTimeStart != "" || p.PreferredTimeEnd != "" {
		window = p.PreferredTimeStart + "-" + p.PreferredTimeEnd
	}
	maxFee := "none"
	if p.MaxDeliveryFee > 0 {
		maxFee = fmt.Sprintf("%.2f", p.MaxDeliveryFee)
	}
	fmt.Fprintf(w, "days\t%s\n", days)
	fmt.Fprintf(w, "window\t%s\n", window)
	fmt.Fprintf(w, "max fee\t%s\n", maxFee)
	w.Flush()
}
