package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-reorder/model"
)

func rating(v float64) *float64 { return &v }

var milk = model.CartItem{Name: "Whole Milk 1L", Price: 2, Brand: "Acme", Category: "Dairy", Quantity: 1}

func TestScoreSubstitutePerfectMatch(t *testing.T) {
	got := ScoreSubstitute(milk, model.Product{
		Name:         "Acme Milk 1L",
		Price:        2,
		Brand:        "acme",
		CategoryPath: []string{"Food", "Dairy & Eggs"},
		Rating:       rating(5),
	})
	assert.InDelta(t, 1.0, got.Score, 1e-9)
	assert.Equal(t, model.SubstituteBreakdown{Price: 1, Brand: 1, Category: 1, Rating: 1}, got.Breakdown)
	assert.Zero(t, got.PriceDelta)
	assert.Equal(t, "same price, same brand, same category, rated 5.0/5", got.Reason)
}

func TestScoreSubstituteMismatches(t *testing.T) {
	got := ScoreSubstitute(milk, model.Product{Name: "Oat Drink", Price: 3, Brand: "Oatly"})
	assert.InDelta(t, 0.5*WeightPrice+0.5*WeightBrand+0.6*WeightCategory+0.5*WeightRating, got.Score, 1e-9)
	assert.InDelta(t, 0.525, got.Score, 1e-9)
	assert.InDelta(t, 1.0, got.PriceDelta, 1e-9)
	assert.Equal(t, "closest available match", got.Reason)
}

func TestScoreSubstitutePriceFloorsAtZero(t *testing.T) {
	got := ScoreSubstitute(milk, model.Product{Price: 5})
	assert.Zero(t, got.Breakdown.Price)

	cheaper := ScoreSubstitute(milk, model.Product{Price: 1})
	assert.InDelta(t, 0.5, cheaper.Breakdown.Price, 1e-9)
	assert.Equal(t, "1.00 cheaper", cheaper.Reason)

	unpriced := ScoreSubstitute(model.CartItem{Name: "x"}, model.Product{Price: 1})
	assert.InDelta(t, priceUnknown, unpriced.Breakdown.Price, 1e-9)
}

func TestScoreSubstitutesOrderingIsStableAndDeterministic(t *testing.T) {
	candidates := []model.Product{
		{Name: "first tie", Price: 3},
		{Name: "best", Price: 2, Brand: "Acme"},
		{Name: "second tie", Price: 3},
	}
	first := ScoreSubstitutes(milk, candidates)
	second := ScoreSubstitutes(milk, candidates)
	assert.Equal(t, first, second)

	names := make([]string, 0, len(first))
	for _, s := range first {
		names = append(names, s.Product.Name)
	}
	assert.Equal(t, []string{"best", "first tie", "second tie"}, names)
	assert.Equal(t, "first tie", candidates[0].Name, "input must not be reordered")
}

func TestSearchQuery(t *testing.T) {
	assert.Equal(t, "Acme Whole Milk 1L", SearchQuery(milk))
	assert.Equal(t, "Acme Milk", SearchQuery(model.CartItem{Name: " Acme   Milk ", Brand: "acme"}))
	assert.Equal(t, "Bread", SearchQuery(model.CartItem{Name: "Bread"}))
}

var prefs = model.Preferences{
	PreferredDays:      []string{"Saturday"},
	PreferredTimeStart: "09:00",
	PreferredTimeEnd:   "11:00",
}

var fixtureSlots = []model.DeliverySlot{
	{Date: "2024-05-11", DayOfWeek: "Saturday", TimeStart: "09:00", TimeEnd: "11:00", IsFree: true, RemainingCapacity: model.CapacityHigh, Available: true},
	{Date: "2024-05-10", DayOfWeek: "Friday", TimeStart: "12:00", TimeEnd: "14:00", Fee: 5, RemainingCapacity: model.CapacityMedium, Available: true},
	{Date: "2024-05-08", DayOfWeek: "Wednesday", TimeStart: "18:00", TimeEnd: "20:00", Fee: 2.5, RemainingCapacity: model.CapacityLow, Available: true},
	{Date: "2024-05-12", DayOfWeek: "Sunday", TimeStart: "09:00", TimeEnd: "11:00", Available: false},
	{Date: "2024-05-09", DayOfWeek: "Thursday", TimeStart: "10:00", TimeEnd: "12:00", Fee: 7.5, Available: true},
}

func TestScoreSlotComponents(t *testing.T) {
	cases := []struct {
		slot  model.DeliverySlot
		want  model.SlotBreakdown
		total float64
	}{
		{fixtureSlots[0], model.SlotBreakdown{Day: 40, Time: 30, Fee: 20, Capacity: 10}, 100},
		{fixtureSlots[1], model.SlotBreakdown{Day: 20, Time: 15, Fee: 10, Capacity: 7}, 52},
		{fixtureSlots[2], model.SlotBreakdown{Day: 0, Time: 0, Fee: 15, Capacity: 4}, 19},
		{fixtureSlots[4], model.SlotBreakdown{Day: 0, Time: 25, Fee: 5, Capacity: 8}, 38},
	}
	for _, tc := range cases {
		t.Run(tc.slot.DayOfWeek, func(t *testing.T) {
			got := ScoreSlot(tc.slot, prefs)
			assert.InDelta(t, tc.want.Day, got.Breakdown.Day, 1e-9)
			assert.InDelta(t, tc.want.Time, got.Breakdown.Time, 1e-9)
			assert.InDelta(t, tc.want.Fee, got.Breakdown.Fee, 1e-9)
			assert.InDelta(t, tc.want.Capacity, got.Breakdown.Capacity, 1e-9)
			assert.InDelta(t, tc.total, got.Score, 1e-9)
		})
	}
}

func TestScoreSlotWithoutPreferences(t *testing.T) {
	got := ScoreSlot(fixtureSlots[1], model.Preferences{})
	assert.InDelta(t, PointsDay/2, got.Breakdown.Day, 1e-9)
	assert.InDelta(t, PointsTime/2, got.Breakdown.Time, 1e-9)
	assert.InDelta(t, 10, got.Breakdown.Fee, 1e-9)
}

func TestScoreSlotHonoursMaxFeePreference(t *testing.T) {
	p := prefs
	p.MaxDeliveryFee = 5
	assert.Zero(t, ScoreSlot(fixtureSlots[1], p).Breakdown.Fee)
}

func TestRecommend(t *testing.T) {
	rec := Recommend(fixtureSlots, prefs)
	assert.Equal(t, 4, rec.Considered)

	require.Len(t, rec.Top, TopSlots)
	assert.Equal(t, "2024-05-11", rec.Top[0].Slot.Date)
	assert.Equal(t, "2024-05-10", rec.Top[1].Slot.Date)
	assert.Equal(t, "2024-05-09", rec.Top[2].Slot.Date)

	require.NotNil(t, rec.Cheapest)
	require.NotNil(t, rec.Soonest)
	require.NotNil(t, rec.BestFree)
	assert.Equal(t, "2024-05-11", rec.Cheapest.Slot.Date)
	assert.Equal(t, "2024-05-08", rec.Soonest.Slot.Date)
	assert.Equal(t, "2024-05-11", rec.BestFree.Slot.Date)

	best, ok := rec.Recommended()
	assert.True(t, ok)
	assert.InDelta(t, 100, best.Score, 1e-9)
}

func TestRecommendCheapestTieBreaksOnStart(t *testing.T) {
	slots := []model.DeliverySlot{
		{Date: "2024-05-12", TimeStart: "09:00", Fee: 3, Available: true},
		{Date: "2024-05-11", TimeStart: "15:00", Fee: 3, Available: true},
		{Date: "2024-05-11", TimeStart: "08:00", Fee: 4, Available: true},
	}
	rec := Recommend(slots, model.Preferences{})
	require.NotNil(t, rec.Cheapest)
	assert.Equal(t, "2024-05-11", rec.Cheapest.Slot.Date)
	assert.Equal(t, "15:00", rec.Cheapest.Slot.TimeStart)
	assert.Equal(t, "08:00", rec.Soonest.Slot.TimeStart)
	assert.Nil(t, rec.BestFree)
}

func TestRecommendNoAvailableSlots(t *testing.T) {
	rec := Recommend([]model.DeliverySlot{{Date: "2024-05-11"}}, prefs)
	assert.Zero(t, rec.Considered)
	assert.Empty(t, rec.Top)
	assert.Nil(t, rec.Cheapest)
	_, ok := rec.Recommended()
	assert.False(t, ok)
}

func TestScoreSlotsDeterministic(t *testing.T) {
	assert.Equal(t, ScoreSlots(fixtureSlots, prefs), ScoreSlots(fixtureSlots, prefs))
}

func TestRecommendPicksComeFromRanking(t *testing.T) {
	rec := Recommend(fixtureSlots, prefs)
	for _, pick := range []*model.ScoredSlot{rec.Cheapest, rec.Soonest, rec.BestFree} {
		require.NotNil(t, pick)
		assert.Equal(t, ScoreSlot(pick.Slot, prefs), *pick)
	}
	assert.Equal(t, ScoreSlots([]model.DeliverySlot{fixtureSlots[0], fixtureSlots[1], fixtureSlots[4]}, prefs), rec.Top)
}

func TestScoreSlotAbbreviatedPreferredDays(t *testing.T) {
	p := model.Preferences{PreferredDays: []string{"Tues", "Thurs"}}
	thursday := fixtureSlots[4]
	assert.InDelta(t, PointsDay, ScoreSlot(thursday, p).Breakdown.Day, 1e-9)
}
