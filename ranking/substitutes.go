// Package ranking holds the deterministic scoring heuristics used to rank substitute products
// and delivery slots. Nothing here performs I/O.
package ranking

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/goliatone/go-reorder/model"
)

// Substitute score weights. They sum to 1.
const (
	WeightPrice    = 0.35
	WeightBrand    = 0.25
	WeightCategory = 0.25
	WeightRating   = 0.15
)

const (
	brandMismatch    = 0.5
	categoryMismatch = 0.6
	ratingUnknown    = 0.5
	priceUnknown     = 0.5
)

// ScoreSubstitutes scores every candidate against original and returns them best first.
// Equal scores keep their input order.
func ScoreSubstitutes(original model.CartItem, candidates []model.Product) []model.ScoredSubstitute {
	out := make([]model.ScoredSubstitute, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, ScoreSubstitute(original, candidate))
	}
	slices.SortStableFunc(out, func(a, b model.ScoredSubstitute) int {
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

// ScoreSubstitute computes the weighted composite for a single candidate.
func ScoreSubstitute(original model.CartItem, candidate model.Product) model.ScoredSubstitute {
	delta := candidate.Price - original.Price
	breakdown := model.SubstituteBreakdown{
		Price:    priceScore(original.Price, delta),
		Brand:    brandScore(original.Brand, candidate.Brand),
		Category: categoryScore(original.Category, candidate.CategoryPath),
		Rating:   ratingScore(candidate.Rating),
	}
	score := breakdown.Price*WeightPrice +
		breakdown.Brand*WeightBrand +
		breakdown.Category*WeightCategory +
		breakdown.Rating*WeightRating

	return model.ScoredSubstitute{
		Product:    candidate,
		Score:      score,
		PriceDelta: delta,
		Breakdown:  breakdown,
		Reason:     substituteReason(breakdown, delta, candidate.Rating),
	}
}

func priceScore(originalPrice, delta float64) float64 {
	if originalPrice <= 0 {
		return priceUnknown
	}
	return math.Max(0, 1-math.Abs(delta)/originalPrice)
}

func brandScore(original, candidate string) float64 {
	o := strings.TrimSpace(original)
	if o != "" && strings.EqualFold(o, strings.TrimSpace(candidate)) {
		return 1
	}
	return brandMismatch
}

func categoryScore(original string, path []string) float64 {
	needle := strings.ToLower(strings.TrimSpace(original))
	if needle == "" {
		return categoryMismatch
	}
	for _, segment := range path {
		if strings.Contains(strings.ToLower(segment), needle) {
			return 1
		}
	}
	return categoryMismatch
}

func ratingScore(rating *float64) float64 {
	if rating == nil {
		return ratingUnknown
	}
	return math.Min(1, math.Max(0, *rating/5))
}

func substituteReason(b model.SubstituteBreakdown, delta float64, rating *float64) string {
	var parts []string
	switch {
	case b.Price >= 0.9 && math.Abs(delta) < 0.005:
		parts = append(parts, "same price")
	case b.Price >= 0.9:
		parts = append(parts, "similar price")
	case delta < 0:
		parts = append(parts, fmt.Sprintf("%.2f cheaper", -delta))
	}
	if b.Brand == 1 {
		parts = append(parts, "same brand")
	}
	if b.Category == 1 {
		parts = append(parts, "same category")
	}
	if rating != nil && b.Rating >= 0.8 {
		parts = append(parts, fmt.Sprintf("rated %.1f/5", *rating))
	}
	if len(parts) == 0 {
		return "closest available match"
	}
	return strings.Join(parts, ", ")
}

// SearchQuery derives the product search query for an unavailable item.
func SearchQuery(item model.CartItem) string {
	name := strings.Join(strings.Fields(item.Name), " ")
	brand := strings.TrimSpace(item.Brand)
	if brand == "" || strings.Contains(strings.ToLower(name), strings.ToLower(brand)) {
		return name
	}
	return brand + " " + name
}
