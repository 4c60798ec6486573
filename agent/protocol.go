// Package agent implements the request/response protocol spoken with the page extraction
// agent: typed operations, a client with per-request timeouts, an in-process server and
// pluggable transports.
package agent

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-reorder/model"
)

// Operations understood by the extraction agent.
const (
	OpPageStatus     = "page.status"
	OpLoginCheck     = "login.check"
	OpExtractHistory = "order.extractHistory"
	OpReorder        = "order.reorder"
	OpCartScan       = "cart.scan"
	OpSearchProducts = "search.products"
	OpSlotsExtract   = "slots.extract"
)

// Request is one message sent to the agent. ID correlates the response.
type Request struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	TargetID  string          `json:"targetId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sentAt,omitzero"`
}

// Response is the agent reply. Error is set when Success is false.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the failure payload. Code is one of the Code* constants.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Readiness values reported by page.status.
const (
	ReadyStateLoading     = "loading"
	ReadyStateInteractive = "interactive"
	ReadyStateComplete    = "complete"
)

type PageStatus struct {
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	Title      string `json:"title,omitempty"`
}

type LoginStatus struct {
	IsLoggedIn bool   `json:"isLoggedIn"`
	UserName   string `json:"userName,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit"`
}

type HistoryResult struct {
	Orders []model.Order `json:"orders"`
}

// ReorderMode selects whether a reorder clears the cart first.
type ReorderMode string

const (
	ReorderReplace ReorderMode = "replace"
	ReorderMerge   ReorderMode = "merge"
)

type ReorderRequest struct {
	OrderID string      `json:"orderId"`
	Mode    ReorderMode `json:"mode"`
}

type ReorderResult struct {
	Clicked  bool `json:"clicked"`
	Expanded bool `json:"expanded,omitempty"`
}

type CartScanRequest struct {
	IncludeOutOfStock bool `json:"includeOutOfStock"`
}

type CartScanResult struct {
	Items []model.CartItem `json:"items"`
}

type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

type SearchResult struct {
	Products []model.Product `json:"products"`
}

type SlotsResult struct {
	Slots []model.DeliverySlot `json:"slots"`
}
