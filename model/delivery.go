package model

import (
	"strings"
	"time"
)

// Capacity tiers reported for a delivery slot.
const (
	CapacityHigh   = "high"
	CapacityMedium = "medium"
	CapacityLow    = "low"
)

// DeliverySlot is one delivery window offered by the site.
type DeliverySlot struct {
	Date              string  `json:"date" yaml:"date"`
	DayOfWeek         string  `json:"dayOfWeek" yaml:"day_of_week"`
	TimeStart         string  `json:"timeStart" yaml:"time_start"`
	TimeEnd           string  `json:"timeEnd" yaml:"time_end"`
	Fee               float64 `json:"fee" yaml:"fee"`
	IsFree            bool    `json:"isFree" yaml:"is_free"`
	RemainingCapacity string  `json:"remainingCapacity,omitempty" yaml:"remaining_capacity,omitempty"`
	Available         bool    `json:"available" yaml:"available"`
}

var clockLayouts = []string{"15:04", "3:04 PM", "3:04PM", "3PM", "3 PM", "3:04pm", "3pm"}

// ParseClock parses a wall-clock label into minutes after midnight.
func ParseClock(value string) (int, bool) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, false
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(raw)); err == nil {
			return t.Hour()*60 + t.Minute(), true
		}
	}
	return 0, false
}

// Weekday resolves the slot weekday from DayOfWeek, falling back to Date.
func (s DeliverySlot) Weekday() (time.Weekday, bool) {
	if wd, ok := ParseWeekday(s.DayOfWeek); ok {
		return wd, true
	}
	if d, err := time.Parse("2006-01-02", strings.TrimSpace(s.Date)); err == nil {
		return d.Weekday(), true
	}
	return time.Sunday, false
}

// Start combines Date and TimeStart. ok is false when the date cannot be parsed.
func (s DeliverySlot) Start() (time.Time, bool) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(s.Date))
	if err != nil {
		return time.Time{}, false
	}
	if minutes, ok := ParseClock(s.TimeStart); ok {
		d = d.Add(time.Duration(minutes) * time.Minute)
	}
	return d, true
}

// Free reports whether the slot costs nothing.
func (s DeliverySlot) Free() bool {
	return s.IsFree || s.Fee <= 0
}

// ParseWeekday accepts an English weekday name or any prefix of it with at least three
// letters, so "tue", "tues" and "tuesday" all parse.
func ParseWeekday(value string) (time.Weekday, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if len(v) < 3 {
		return time.Sunday, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.HasPrefix(name, v) {
			return d, true
		}
	}
	return time.Sunday, false
}

// Preferences are the cross-session delivery preferences read from the store.
type Preferences struct {
	PreferredDays      []string `json:"preferredDays,omitempty" yaml:"preferred_days,omitempty"`
	PreferredTimeStart string   `json:"preferredTimeStart,omitempty" yaml:"preferred_time_start,omitempty"`
	PreferredTimeEnd   string   `json:"preferredTimeEnd,omitempty" yaml:"preferred_time_end,omitempty"`
	MaxDeliveryFee     float64  `json:"maxDeliveryFee,omitempty" yaml:"max_delivery_fee,omitempty"`
}

// Weekdays returns the parsed preferred days, skipping unknown names.
func (p Preferences) Weekdays() []time.Weekday {
	out := make([]time.Weekday, 0, len(p.PreferredDays))
	for _, day := range p.PreferredDays {
		if wd, ok := ParseWeekday(day); ok {
			out = append(out, wd)
		}
	}
	return out
}

// Window returns the preferred time window in minutes after midnight.
func (p Preferences) Window() (start, end int, ok bool) {
	start, okStart := ParseClock(p.PreferredTimeStart)
	end, okEnd := ParseClock(p.PreferredTimeEnd)
	if !okStart || !okEnd || end < start {
		return 0, 0, false
	}
	return start, end, true
}
