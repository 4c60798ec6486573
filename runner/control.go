// Package runner provides the cancellation token, bounded execution and backoff helpers used
// by the run loop.
package runner

import (
	"context"
	"errors"
	"sync"
)

// Token is a cooperative cancellation signal for one run loop.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.RWMutex
	cause error
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns a context that is done once the token is cancelled.
func (t *Token) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

// Cancel signals the token with cause. Only the first cause is kept.
func (t *Token) Cancel(cause error) {
	if t == nil {
		return
	}
	if cause == nil {
		cause = errors.New("execution canceled")
	}
	t.mu.Lock()
	if t.cause == nil {
		t.cause = cause
	}
	t.mu.Unlock()
	t.cancel(cause)
}

// Cancelled reports whether the token has been signalled, directly or through its parent.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Cause returns the cancellation cause, or nil while the token is live.
func (t *Token) Cause() error {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	cause := t.cause
	t.mu.RUnlock()
	if cause != nil {
		return cause
	}
	if t.Cancelled() {
		return context.Cause(t.ctx)
	}
	return nil
}
