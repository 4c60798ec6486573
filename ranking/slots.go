package ranking

import (
	"math"
	"slices"
	"time"

	"github.com/goliatone/go-reorder/model"
)

// Slot score points. The maximum total is 100.
const (
	PointsDay      = 40.0
	PointsTime     = 30.0
	PointsFee      = 20.0
	PointsCapacity = 10.0

	// DefaultMaxFee is the fee at which the fee component reaches zero.
	DefaultMaxFee = 10.0
	// TopSlots is how many ranked slots a recommendation keeps.
	TopSlots = 3

	timeDecayMinutes = 6 * 60
)

var capacityPoints = map[string]float64{
	model.CapacityHigh:   10,
	model.CapacityMedium: 7,
	model.CapacityLow:    4,
}

const capacityUnknownPoints = 8.0

// ScoreSlots scores slots against prefs and returns them best first, stable on ties.
func ScoreSlots(slots []model.DeliverySlot, prefs model.Preferences) []model.ScoredSlot {
	out := make([]model.ScoredSlot, 0, len(slots))
	for _, slot := range slots {
		out = append(out, ScoreSlot(slot, prefs))
	}
	slices.SortStableFunc(out, func(a, b model.ScoredSlot) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	return out
}

// ScoreSlot computes the 0-100 score of one slot.
func ScoreSlot(slot model.DeliverySlot, prefs model.Preferences) model.ScoredSlot {
	b := model.SlotBreakdown{
		Day:      dayPoints(slot, prefs.Weekdays()),
		Time:     timePoints(slot, prefs),
		Fee:      feePoints(slot, prefs.MaxDeliveryFee),
		Capacity: capacityScore(slot.RemainingCapacity),
	}
	return model.ScoredSlot{
		Slot:      slot,
		Score:     b.Day + b.Time + b.Fee + b.Capacity,
		Breakdown: b,
	}
}

func dayPoints(slot model.DeliverySlot, preferred []time.Weekday) float64 {
	if len(preferred) == 0 {
		return PointsDay / 2
	}
	wd, ok := slot.Weekday()
	if !ok {
		return 0
	}
	if slices.Contains(preferred, wd) {
		return PointsDay
	}
	for _, p := range preferred {
		diff := (int(wd) - int(p) + 7) % 7
		if diff == 1 || diff == 6 {
			return PointsDay / 2
		}
	}
	return 0
}

func timePoints(slot model.DeliverySlot, prefs model.Preferences) float64 {
	wantStart, wantEnd, ok := prefs.Window()
	if !ok {
		return PointsTime / 2
	}
	mid, ok := slotMidpoint(slot)
	if !ok {
		return 0
	}
	want := float64(wantStart+wantEnd) / 2
	diff := math.Abs(mid - want)
	return PointsTime * math.Max(0, 1-diff/timeDecayMinutes)
}

func slotMidpoint(slot model.DeliverySlot) (float64, bool) {
	start, ok := model.ParseClock(slot.TimeStart)
	if !ok {
		return 0, false
	}
	end, ok := model.ParseClock(slot.TimeEnd)
	if !ok || end < start {
		end = start
	}
	return float64(start+end) / 2, true
}

func feePoints(slot model.DeliverySlot, maxFee float64) float64 {
	if slot.Free() {
		return PointsFee
	}
	if maxFee <= 0 {
		maxFee = DefaultMaxFee
	}
	return PointsFee * math.Max(0, 1-slot.Fee/maxFee)
}

func capacityScore(capacity string) float64 {
	if p, ok := capacityPoints[capacity]; ok {
		return p
	}
	return capacityUnknownPoints
}

// Recommend keeps available slots, ranks them and picks the cheapest, soonest and best
// free options independently of the composite score.
func Recommend(slots []model.DeliverySlot, prefs model.Preferences) model.SlotRecommendation {
	available := make([]model.DeliverySlot, 0, len(slots))
	for _, slot := range slots {
		if slot.Available {
			available = append(available, slot)
		}
	}
	rec := model.SlotRecommendation{Considered: len(available)}
	if len(available) == 0 {
		return rec
	}

	ranked := ScoreSlots(available, prefs)
	rec.Top = ranked[:min(TopSlots, len(ranked)):min(TopSlots, len(ranked))]

	for i := range ranked {
		s := &ranked[i]
		if rec.Cheapest == nil || fee(s.Slot) < fee(rec.Cheapest.Slot) ||
			(fee(s.Slot) == fee(rec.Cheapest.Slot) && startsBefore(s.Slot, rec.Cheapest.Slot)) {
			rec.Cheapest = s
		}
		if rec.Soonest == nil || startsBefore(s.Slot, rec.Soonest.Slot) {
			rec.Soonest = s
		}
		if s.Slot.Free() && (rec.BestFree == nil || startsBefore(s.Slot, rec.BestFree.Slot)) {
			rec.BestFree = s
		}
	}
	return rec
}

func fee(slot model.DeliverySlot) float64 {
	if slot.Free() {
		return 0
	}
	return slot.Fee
}

// startsBefore orders by start time. Slots without a parseable date sort last.
func startsBefore(a, b model.DeliverySlot) bool {
	ta, okA := a.Start()
	tb, okB := b.Start()
	switch {
	case okA && okB:
		return ta.Before(tb)
	case okA:
		return true
	default:
		return false
	}
}
