// Package runstate holds the run status model, its pure transition function and the
// persisted state machine wrapped around it.
package runstate

import (
	"fmt"
	"time"
)

// Status is the coarse lifecycle of a run. No status represents checkout or payment.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusReview   Status = "review"
	StatusComplete Status = "complete"
)

// Statuses lists every status value the machine can hold.
var Statuses = []Status{StatusIdle, StatusRunning, StatusPaused, StatusReview, StatusComplete}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Phase is the stage of a running run.
type Phase string

const (
	PhaseNone         Phase = ""
	PhaseInitializing Phase = "initializing"
	PhaseCart         Phase = "cart"
	PhaseSubstitution Phase = "substitution"
	PhaseSlots        Phase = "slots"
	PhaseFinalizing   Phase = "finalizing"
)

// Phases is the fixed execution order.
var Phases = []Phase{PhaseInitializing, PhaseCart, PhaseSubstitution, PhaseSlots, PhaseFinalizing}

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, known := range Phases {
		if p == known {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. ok is false for the last phase and unknown values.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	if idx < 0 || idx+1 >= len(Phases) {
		return PhaseNone, false
	}
	return Phases[idx+1], true
}

// RunError is the typed failure attached to a paused run.
type RunError struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Phase       Phase     `json:"phase,omitempty"`
	Recoverable bool      `json:"recoverable"`
	RetryCount  int       `json:"retryCount"`
	At          time.Time `json:"at"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	if e.Phase != PhaseNone {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RunError) clone() *RunError {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// Progress carries display counters for the current run.
type Progress struct {
	OrdersFound      int `json:"ordersFound,omitempty"`
	OrdersReplayed   int `json:"ordersReplayed,omitempty"`
	ItemsScanned     int `json:"itemsScanned,omitempty"`
	ItemsUnavailable int `json:"itemsUnavailable,omitempty"`
	ItemsSearched    int `json:"itemsSearched,omitempty"`
	SubstitutesFound int `json:"substitutesFound,omitempty"`
	SlotsScored      int `json:"slotsScored,omitempty"`
}

// Merge overlays the non-zero counters of update onto p.
func (p Progress) Merge(update Progress) Progress {
	pick := func(cur, next int) int {
		if next != 0 {
			return next
		}
		return cur
	}
	return Progress{
		OrdersFound:      pick(p.OrdersFound, update.OrdersFound),
		OrdersReplayed:   pick(p.OrdersReplayed, update.OrdersReplayed),
		ItemsScanned:     pick(p.ItemsScanned, update.ItemsScanned),
		ItemsUnavailable: pick(p.ItemsUnavailable, update.ItemsUnavailable),
		ItemsSearched:    pick(p.ItemsSearched, update.ItemsSearched),
		SubstitutesFound: pick(p.SubstitutesFound, update.SubstitutesFound),
		SlotsScored:      pick(p.SlotsScored, update.SlotsScored),
	}
}

// RunState is the single persisted source of truth for the current run.
type RunState struct {
	Status         Status    `json:"status"`
	Phase          Phase     `json:"phase,omitempty"`
	Step           string    `json:"step,omitempty"`
	RunID          string    `json:"runId,omitempty"`
	TargetID       string    `json:"targetId,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	ErrorCount     int       `json:"errorCount"`
	LastError      *RunError `json:"lastError,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	UpdatedAt      time.Time `json:"updatedAt"`
	RecoveryNeeded bool      `json:"recoveryNeeded,omitempty"`
	Progress       Progress  `json:"progress"`
}

// DefaultState returns an idle state stamped at now.
func DefaultState(now time.Time) *RunState {
	return &RunState{Status: StatusIdle, UpdatedAt: now}
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.LastError = s.LastError.clone()
	return &cp
}

// Resumable reports whether a paused run may continue without a fresh start.
func (s *RunState) Resumable() bool {
	if s == nil || s.Status != StatusPaused {
		return false
	}
	return s.LastError == nil || s.LastError.Recoverable
}

// Active reports whether a run is in progress or paused.
func (s *RunState) Active() bool {
	return s != nil && (s.Status == StatusRunning || s.Status == StatusPaused)
}

// Validate checks the cross-field invariants of the status model.
func (s *RunState) Validate() error {
	if s == nil {
		return fmt.Errorf("nil run state")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	switch s.Status {
	case StatusRunning, StatusPaused:
		if s.Phase.Index() < 0 {
			return fmt.Errorf("status %s requires a phase, got %q", s.Status, s.Phase)
		}
		if s.RunID == "" {
			return fmt.Errorf("status %s requires a run id", s.Status)
		}
	case StatusReview:
		if s.Phase != PhaseNone {
			return fmt.Errorf("status review must not carry phase %q", s.Phase)
		}
		if s.RunID == "" {
			return fmt.Errorf("status review requires a run id")
		}
	case StatusIdle, StatusComplete:
		if s.Phase != PhaseNone || s.RunID != "" {
			return fmt.Errorf("status %s must not carry phase or run id", s.Status)
		}
	}
	return nil
}
