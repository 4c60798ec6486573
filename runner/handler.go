package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeTimeout = "RUNNER_TIMEOUT"
	ErrCodePanic   = "RUNNER_PANIC"
)

var (
	ErrTimeout = apperrors.New("execution timed out", apperrors.CategoryExternal).
			WithTextCode(ErrCodeTimeout)
	ErrPanic = apperrors.New("execution panicked", apperrors.CategoryHandler).
			WithTextCode(ErrCodePanic)
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function under a timeout or deadline, recovers panics and optionally
// retries failures with a backoff strategy.
type Handler struct {
	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryIf       func(error) bool

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	name       string
}

// NewHandler constructs a Handler from options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
		retryIf:       func(error) bool { return true },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run executes fn, retrying up to the configured maximum. Each attempt gets its own
// timeout. When the timeout fires Run returns immediately with ErrTimeout; fn keeps
// running until it observes its context and its result is discarded.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == h.maxRetries || !h.retryIf(err) {
			break
		}
		h.errorHandler(err)
		if h.logger != nil {
			h.logger.Info("%s attempt %d of %d failed: %v", h.label(), attempt+1, h.maxRetries+1, err)
		}
		if Sleep(ctx, h.retryStrategy.SleepDuration(attempt, err)) != nil {
			return context.Cause(ctx)
		}
	}
	if err != nil && h.logger != nil {
		h.logger.Error("%s failed: %v", h.label(), err)
	}
	return err
}

func (h *Handler) attempt(parent context.Context, fn func(context.Context) error) error {
	ctx, cancel := h.contextWithSettings(parent)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- apperrors.Wrap(fmt.Errorf("%v", r), apperrors.CategoryHandler, fmt.Sprintf("%s panicked", h.label())).
					WithTextCode(ErrCodePanic).
					WithMetadata(map[string]any{"stack": string(debug.Stack())})
			}
		}()
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		if err != nil && h.timedOut(parent, ctx) {
			return h.timeoutError(ctx)
		}
		if err != nil && parent.Err() != nil {
			return context.Cause(parent)
		}
		return err
	case <-ctx.Done():
		if h.timedOut(parent, ctx) {
			return h.timeoutError(ctx)
		}
		return context.Cause(parent)
	}
}

func (h *Handler) timedOut(parent, ctx context.Context) bool {
	return parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (h *Handler) timeoutError(ctx context.Context) error {
	return apperrors.Wrap(ctx.Err(), apperrors.CategoryExternal, fmt.Sprintf("%s timed out", h.label())).
		WithTextCode(ErrCodeTimeout).
		WithMetadata(map[string]any{"timeout": h.timeout.String()})
}

func (h *Handler) label() string {
	if h.name != "" {
		return h.name
	}
	return "execution"
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout > 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout > 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return context.WithCancel(parent)
	}
}

// IsTimeout reports whether err is a Handler timeout.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsPanic reports whether err is a recovered panic.
func IsPanic(err error) bool {
	return hasCode(err, ErrCodePanic)
}

func hasCode(err error, code string) bool {
	var ge *apperrors.Error
	return errors.As(err, &ge) && ge.TextCode == code
}
