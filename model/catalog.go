// Package model holds the data shapes shared by the agent protocol, the ranking heuristics and
// the review pack.
package model

import (
	"strings"
	"time"
)

// Availability is the live stock flag reported by the page for a product or cart line.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityLimited     Availability = "limited"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityUnknown     Availability = ""
)

// Normalize folds the spellings pages use into the canonical values.
func (a Availability) Normalize() Availability {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(string(a), "-", "_"))) {
	case "available", "in_stock", "in stock", "instock":
		return AvailabilityAvailable
	case "limited", "low_stock", "low stock", "few_left":
		return AvailabilityLimited
	case "unavailable", "out_of_stock", "out of stock", "outofstock", "sold_out", "discontinued":
		return AvailabilityUnavailable
	default:
		return AvailabilityUnknown
	}
}

// IsAvailable reports whether the item can be bought. Unknown counts as available.
func (a Availability) IsAvailable() bool {
	return a.Normalize() != AvailabilityUnavailable
}

// OrderItem is one line of a past order when the history page exposes it.
type OrderItem struct {
	Name     string  `json:"name" yaml:"name"`
	Quantity int     `json:"quantity" yaml:"quantity"`
	Price    float64 `json:"price,omitempty" yaml:"price,omitempty"`
}

// Order is a past order as listed on the order history page.
type Order struct {
	OrderID   string      `json:"orderId" yaml:"order_id"`
	Date      string      `json:"date" yaml:"date"`
	DetailURL string      `json:"detailUrl,omitempty" yaml:"detail_url,omitempty"`
	Total     float64     `json:"total,omitempty" yaml:"total,omitempty"`
	Items     []OrderItem `json:"items,omitempty" yaml:"items,omitempty"`
}

var orderDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04",
	"January 2, 2006",
	"Jan 2, 2006",
	"Mon, Jan 2, 2006",
	"01/02/2006",
}

// ParsedDate parses the order date in any of the layouts history pages use.
func (o Order) ParsedDate() (time.Time, bool) {
	raw := strings.TrimSpace(o.Date)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range orderDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Ref returns the compact reference stored in the review pack.
func (o Order) Ref() OrderRef {
	return OrderRef{OrderID: o.OrderID, Date: o.Date, DetailURL: o.DetailURL, Total: o.Total}
}

// OrderRef identifies an order without its lines.
type OrderRef struct {
	OrderID   string  `json:"orderId"`
	Date      string  `json:"date,omitempty"`
	DetailURL string  `json:"detailUrl,omitempty"`
	Total     float64 `json:"total,omitempty"`
}

// CartItem is one line of the live cart.
type CartItem struct {
	Name         string       `json:"name" yaml:"name"`
	Price        float64      `json:"price" yaml:"price"`
	Quantity     int          `json:"quantity" yaml:"quantity"`
	Availability Availability `json:"availability" yaml:"availability"`
	Brand        string       `json:"brand,omitempty" yaml:"brand,omitempty"`
	Category     string       `json:"category,omitempty" yaml:"category,omitempty"`
}

// LineTotal is price times quantity.
func (c CartItem) LineTotal() float64 {
	return c.Price * float64(c.Quantity)
}

// Product is a search result returned while looking for substitutes.
type Product struct {
	Name         string       `json:"name" yaml:"name"`
	Price        float64      `json:"price" yaml:"price"`
	Brand        string       `json:"brand,omitempty" yaml:"brand,omitempty"`
	CategoryPath []string     `json:"categoryPath,omitempty" yaml:"category_path,omitempty"`
	Rating       *float64     `json:"rating,omitempty" yaml:"rating,omitempty"`
	Availability Availability `json:"availability" yaml:"availability"`
	URL          string       `json:"url,omitempty" yaml:"url,omitempty"`
}
