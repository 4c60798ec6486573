package model

import "time"

// UserAction is the reviewer's decision on a proposal.
type UserAction string

const (
	UserActionPending  UserAction = "pending"
	UserActionApproved UserAction = "approved"
	UserActionRejected UserAction = "rejected"
)

// SubstituteBreakdown holds the normalized sub-scores behind a substitute score.
type SubstituteBreakdown struct {
	Price    float64 `json:"price"`
	Brand    float64 `json:"brand"`
	Category float64 `json:"category"`
	Rating   float64 `json:"rating"`
}

// ScoredSubstitute is a candidate product with its composite score.
type ScoredSubstitute struct {
	Product    Product             `json:"product"`
	Score      float64             `json:"score"`
	PriceDelta float64             `json:"priceDelta"`
	Breakdown  SubstituteBreakdown `json:"breakdown"`
	Reason     string              `json:"reason"`
}

// SubstitutionProposal is the recommendation recorded for one unavailable cart item.
type SubstitutionProposal struct {
	Original     CartItem           `json:"original"`
	Substitute   ScoredSubstitute   `json:"substitute"`
	Alternatives []ScoredSubstitute `json:"alternatives,omitempty"`
	Query        string             `json:"query"`
	Rationale    string             `json:"rationale,omitempty"`
	UserAction   UserAction         `json:"userAction"`
}

// SlotBreakdown holds the point contributions behind a slot score.
type SlotBreakdown struct {
	Day      float64 `json:"day"`
	Time     float64 `json:"time"`
	Fee      float64 `json:"fee"`
	Capacity float64 `json:"capacity"`
}

// ScoredSlot is a delivery slot with its 0-100 score.
type ScoredSlot struct {
	Slot      DeliverySlot  `json:"slot"`
	Score     float64       `json:"score"`
	Breakdown SlotBreakdown `json:"breakdown"`
}

// SlotRecommendation is the outcome of the slot phase.
type SlotRecommendation struct {
	Top        []ScoredSlot `json:"top"`
	Cheapest   *ScoredSlot  `json:"cheapest,omitempty"`
	Soonest    *ScoredSlot  `json:"soonest,omitempty"`
	BestFree   *ScoredSlot  `json:"bestFree,omitempty"`
	Considered int          `json:"considered"`
}

// Recommended returns the highest ranked slot, if any.
func (r SlotRecommendation) Recommended() (ScoredSlot, bool) {
	if len(r.Top) == 0 {
		return ScoredSlot{}, false
	}
	return r.Top[0], true
}

// QuantityChange records a cart line whose quantity differs from the source order.
type QuantityChange struct {
	Name string `json:"name"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// DiffSummary compares the rebuilt cart with the source order.
type DiffSummary struct {
	Added           []string         `json:"added,omitempty"`
	Removed         []string         `json:"removed,omitempty"`
	QuantityChanged []QuantityChange `json:"quantityChanged,omitempty"`
	Unavailable     []string         `json:"unavailable,omitempty"`
	Substituted     []string         `json:"substituted,omitempty"`
}

// RunStats aggregates the numbers shown at the top of the review.
type RunStats struct {
	ElapsedMs             int64   `json:"elapsedMs"`
	OrdersReplayed        int     `json:"ordersReplayed"`
	ItemCount             int     `json:"itemCount"`
	AvailableCount        int     `json:"availableCount"`
	UnavailableCount      int     `json:"unavailableCount"`
	SubstitutionsProposed int     `json:"substitutionsProposed"`
	SlotsConsidered       int     `json:"slotsConsidered"`
	EstimatedTotal        float64 `json:"estimatedTotal"`
	ErrorCount            int     `json:"errorCount"`
}

// ReviewPack is the read-only summary handed to the human reviewer.
type ReviewPack struct {
	RunID            string                 `json:"runId"`
	TargetID         string                 `json:"targetId"`
	SourceOrder      *OrderRef              `json:"sourceOrder,omitempty"`
	OrdersConsidered []OrderRef             `json:"ordersConsidered,omitempty"`
	Items            []CartItem             `json:"items"`
	Diff             DiffSummary            `json:"diff"`
	Substitutions    []SubstitutionProposal `json:"substitutions"`
	Slots            SlotRecommendation     `json:"slots"`
	Stats            RunStats               `json:"stats"`
	GeneratedAt      time.Time              `json:"generatedAt"`
}
