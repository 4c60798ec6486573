package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-reorder/model"
)

// DefaultTimeout bounds a single agent request.
const DefaultTimeout = 30 * time.Second

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type ClientOption func(*Client)

// WithRequestTimeout sets the per request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(l Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Client issues typed operations over a Transport. Every failure is a go-errors value
// whose text code is one of the wire codes or MALFORMED_RESPONSE.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    Logger
	newID     func() string
	now       func() time.Time
}

func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		timeout:   DefaultTimeout,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Call sends operation with payload to targetID and decodes the reply data into out.
// out may be nil when the caller does not need the data.
func (c *Client) Call(ctx context.Context, targetID, operation string, payload, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	meta := map[string]any{"operation": operation, "target_id": targetID}

	req := Request{
		ID:        c.newID(),
		Operation: operation,
		TargetID:  targetID,
		SentAt:    c.now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return newError(CodeUnknown, fmt.Sprintf("encode %s payload", operation), err, meta)
		}
		req.Payload = raw
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.transport.RoundTrip(callCtx, req)
	if err != nil {
		return c.fail(c.transportError(ctx, callCtx, operation, err, meta))
	}
	if resp.ID != req.ID {
		return c.fail(newError(ErrCodeMalformedResponse,
			fmt.Sprintf("%s reply id %q does not match request %q", operation, resp.ID, req.ID), nil, meta))
	}
	if !resp.Success {
		if resp.Error == nil {
			return c.fail(newError(ErrCodeMalformedResponse, fmt.Sprintf("%s failed without error payload", operation), nil, meta))
		}
		code := NormalizeCode(resp.Error.Code)
		for k, v := range resp.Error.Details {
			meta[k] = v
		}
		return c.fail(newError(code, resp.Error.Message, nil, meta))
	}
	if out == nil {
		return nil
	}
	if len(resp.Data) == 0 {
		return c.fail(newError(ErrCodeMalformedResponse, fmt.Sprintf("%s returned no data", operation), nil, meta))
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return c.fail(newError(ErrCodeMalformedResponse, fmt.Sprintf("decode %s data", operation), err, meta))
	}
	return nil
}

func (c *Client) transportError(parent, callCtx context.Context, operation string, err error, meta map[string]any) error {
	if code := ErrorCode(err); code != "" {
		return err
	}
	if parent.Err() != nil {
		return context.Cause(parent)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		meta["timeout"] = c.timeout.String()
		return newError(CodeTimeout, fmt.Sprintf("%s timed out after %s", operation, c.timeout), err, meta)
	}
	return newError(CodeNetworkError, fmt.Sprintf("%s transport failed: %v", operation, err), err, meta)
}

func (c *Client) fail(err error) error {
	if c.logger != nil {
		c.logger.Error("agent call failed: %v", err)
	}
	return err
}

// PageStatus reports the page url and readiness.
func (c *Client) PageStatus(ctx context.Context, targetID string) (PageStatus, error) {
	var out PageStatus
	err := c.Call(ctx, targetID, OpPageStatus, nil, &out)
	return out, err
}

func (c *Client) CheckLogin(ctx context.Context, targetID string) (LoginStatus, error) {
	var out LoginStatus
	err := c.Call(ctx, targetID, OpLoginCheck, nil, &out)
	return out, err
}

// ExtractHistory returns up to limit past orders, in page order.
func (c *Client) ExtractHistory(ctx context.Context, targetID string, limit int) ([]model.Order, error) {
	var out HistoryResult
	if err := c.Call(ctx, targetID, OpExtractHistory, HistoryRequest{Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// Reorder asks the page to add the items of orderID to the cart.
func (c *Client) Reorder(ctx context.Context, targetID, orderID string, mode ReorderMode) (ReorderResult, error) {
	var out ReorderResult
	err := c.Call(ctx, targetID, OpReorder, ReorderRequest{OrderID: orderID, Mode: mode}, &out)
	return out, err
}

func (c *Client) ScanCart(ctx context.Context, targetID string, includeOutOfStock bool) ([]model.CartItem, error) {
	var out CartScanResult
	if err := c.Call(ctx, targetID, OpCartScan, CartScanRequest{IncludeOutOfStock: includeOutOfStock}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) SearchProducts(ctx context.Context, targetID, query string, maxResults int) ([]model.Product, error) {
	var out SearchResult
	if err := c.Call(ctx, targetID, OpSearchProducts, SearchRequest{Query: query, MaxResults: maxResults}, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *Client) ExtractSlots(ctx context.Context, targetID string) ([]model.DeliverySlot, error) {
	var out SlotsResult
	if err := c.Call(ctx, targetID, OpSlotsExtract, nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}
